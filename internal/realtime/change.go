// Package realtime keeps the in-memory listing snapshot in step with the
// hosted database by applying its change feed, degrading to polling when
// the feed cannot be kept alive.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"jobmate/vagas-service/internal/model"
)

// Kind is the event type of one change-feed message.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// ErrMalformed is returned by Decode for payloads that cannot be applied.
var ErrMalformed = errors.New("malformed change payload")

// Envelope is the wire shape emitted by the notify trigger and by the
// repository publisher.
type Envelope struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
	// Truncated marks a record cut down to its key because the full row
	// did not fit in a notification.
	Truncated bool `json:"truncated,omitempty"`
}

// Change is one decoded change event: Insert, Update or Delete.
type Change interface {
	Kind() Kind
	ListingID() string
}

// Insert carries a newly created listing. When Partial is set only Row.ID
// and Row.UpdatedAt are known and the row must be read back.
type Insert struct {
	Row     model.Listing
	Partial bool
}

// Update carries the new version of a listing, with Partial as for Insert.
type Update struct {
	Row     model.Listing
	Partial bool
}

// Delete carries the identifier of a removed listing.
type Delete struct{ ID string }

func (Insert) Kind() Kind { return KindInsert }
func (Update) Kind() Kind { return KindUpdate }
func (Delete) Kind() Kind { return KindDelete }

func (c Insert) ListingID() string { return c.Row.ID }
func (c Update) ListingID() string { return c.Row.ID }
func (c Delete) ListingID() string { return c.ID }

// Decode validates a raw payload and turns it into a typed Change. When
// table is non-empty, events for other tables are rejected.
func Decode(payload []byte, table string) (Change, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if table != "" && env.Table != "" && env.Table != table {
		return nil, fmt.Errorf("%w: unexpected table %q", ErrMalformed, env.Table)
	}

	switch Kind(strings.ToUpper(env.Type)) {
	case KindInsert:
		row, err := decodeRow(env.Record)
		if err != nil {
			return nil, err
		}
		return Insert{Row: row, Partial: env.Truncated}, nil
	case KindUpdate:
		row, err := decodeRow(env.Record)
		if err != nil {
			return nil, err
		}
		return Update{Row: row, Partial: env.Truncated}, nil
	case KindDelete:
		var old struct {
			ID string `json:"id"`
		}
		if isAbsent(env.OldRecord) {
			return nil, fmt.Errorf("%w: delete without old_record", ErrMalformed)
		}
		if err := json.Unmarshal(env.OldRecord, &old); err != nil {
			return nil, fmt.Errorf("%w: old_record: %v", ErrMalformed, err)
		}
		if old.ID == "" {
			return nil, fmt.Errorf("%w: delete without id", ErrMalformed)
		}
		return Delete{ID: old.ID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformed, env.Type)
	}
}

// Encode produces the envelope the notify trigger would emit for c.
func Encode(table string, c Change) ([]byte, error) {
	env := Envelope{Type: string(c.Kind()), Table: table}

	switch ch := c.(type) {
	case Insert:
		rec, err := json.Marshal(ch.Row)
		if err != nil {
			return nil, err
		}
		env.Record = rec
		env.Truncated = ch.Partial
	case Update:
		rec, err := json.Marshal(ch.Row)
		if err != nil {
			return nil, err
		}
		env.Record = rec
		env.Truncated = ch.Partial
		env.OldRecord, _ = json.Marshal(map[string]string{"id": ch.Row.ID})
	case Delete:
		env.OldRecord, _ = json.Marshal(map[string]string{"id": ch.ID})
	default:
		return nil, fmt.Errorf("unsupported change %T", c)
	}

	return json.Marshal(env)
}

func decodeRow(raw json.RawMessage) (model.Listing, error) {
	var row model.Listing
	if isAbsent(raw) {
		return row, fmt.Errorf("%w: missing record", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return row, fmt.Errorf("%w: record: %v", ErrMalformed, err)
	}
	if row.ID == "" {
		return row, fmt.Errorf("%w: record without id", ErrMalformed)
	}
	return row, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
