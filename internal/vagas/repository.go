// Package vagas is the remote store for job listings: bulk reads for the
// cache, the authoritative client projection, and the mutation calls.
package vagas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"jobmate/vagas-service/internal/db"
	"jobmate/vagas-service/internal/model"
	"jobmate/vagas-service/internal/realtime"
	"jobmate/vagas-service/internal/session"
)

// Table is the listings table; it is also the change-feed topic.
const Table = "vagas"

// DefaultLimit caps the bulk read.
const DefaultLimit = 1000

const listingColumns = `id::text, title, COALESCE(client, ''), COALESCE(role, ''),
	COALESCE(site, ''), COALESCE(category, ''), COALESCE(cell, ''),
	COALESCE(description, ''), COALESCE(requirements, ''), COALESCE(salary, ''),
	COALESCE(benefits, ''), COALESCE(schedule, ''), status,
	COALESCE(created_by, ''), created_at, updated_at`

// ErrNotFound is returned when no listing matches the given id.
var ErrNotFound = errors.New("listing not found")

// ValidationError wraps a user-facing validation message.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// Publisher fans committed mutations out to the redis change channel.
// *redis.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Repository reads with restricted credentials and writes through
// db.Remote, so RLS denials get the elevated retry.
type Repository struct {
	remote  *db.Remote
	pub     Publisher
	channel string
	psql    sq.StatementBuilderType
	log     *slog.Logger
}

// NewRepository returns a Repository over remote.
func NewRepository(remote *db.Remote, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		remote: remote,
		psql:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		log:    logger,
	}
}

// WithPublisher makes every committed mutation publish its change envelope
// on channel. Used when the realtime transport is redis.
func (r *Repository) WithPublisher(pub Publisher, channel string) *Repository {
	r.pub = pub
	r.channel = channel
	return r
}

// ListAll returns up to limit listings, newest first.
func (r *Repository) ListAll(ctx context.Context, limit int) ([]model.Listing, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := r.remote.Reader().Query(ctx,
		`SELECT `+listingColumns+`
		 FROM vagas
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listAll query: %w", err)
	}
	defer rows.Close()

	listings := make([]model.Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listAll scan: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listAll rows: %w", err)
	}
	return listings, nil
}

// Get returns a single listing.
func (r *Repository) Get(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(r.remote.Reader().QueryRow(ctx,
		`SELECT `+listingColumns+` FROM vagas WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return &l, nil
}

// DistinctClients is the authoritative client projection: every distinct,
// non-empty client, ordered by its most recent listing.
func (r *Repository) DistinctClients(ctx context.Context) ([]string, error) {
	rows, err := r.remote.Reader().Query(ctx,
		`SELECT client
		 FROM vagas
		 WHERE client IS NOT NULL AND client <> ''
		 GROUP BY client
		 ORDER BY MAX(created_at) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("distinctClients query: %w", err)
	}
	defer rows.Close()

	clients := make([]string, 0)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("distinctClients scan: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// Insert creates a listing. The cache is not touched here: the change feed
// mirrors the insert back.
func (r *Repository) Insert(ctx context.Context, in model.Listing) (*model.Listing, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Client = strings.TrimSpace(in.Client)
	if in.Title == "" {
		return nil, &ValidationError{Msg: "title is required"}
	}
	if in.Client == "" {
		return nil, &ValidationError{Msg: "client is required"}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	} else if _, err := uuid.Parse(in.ID); err != nil {
		return nil, &ValidationError{Msg: "id must be a UUID"}
	}
	if in.Status == "" {
		in.Status = "active"
	}
	if actor, ok := session.UserID(ctx); ok && in.CreatedBy == "" {
		in.CreatedBy = actor
	}

	var out model.Listing
	err := r.remote.Write(ctx, "vagas.insert", func(q db.Querier) error {
		var err error
		out, err = scanListing(q.QueryRow(ctx,
			`INSERT INTO vagas (id, title, client, role, site, category, cell,
			                    description, requirements, salary, benefits,
			                    schedule, status, created_by)
			 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''))
			 RETURNING `+listingColumns,
			in.ID, in.Title, in.Client, in.Role, in.Site, in.Category, in.Cell,
			in.Description, in.Requirements, in.Salary, in.Benefits,
			in.Schedule, in.Status, in.CreatedBy,
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert listing: %w", err)
	}

	r.publish(ctx, realtime.Insert{Row: out})
	return &out, nil
}

// Update applies a partial patch and bumps updated_at.
func (r *Repository) Update(ctx context.Context, id string, patch model.ListingPatch) (*model.Listing, error) {
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil, &ValidationError{Msg: "patch must change at least one field"}
	}
	if v, ok := cols["title"]; ok && strings.TrimSpace(v.(string)) == "" {
		return nil, &ValidationError{Msg: "title must not be empty"}
	}

	query, args, err := r.psql.Update(Table).
		SetMap(cols).
		Set("updated_at", sq.Expr("NOW()")).
		Where("id = ?::uuid", id).
		Suffix("RETURNING " + listingColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}

	var out model.Listing
	err = r.remote.Write(ctx, "vagas.update", func(q db.Querier) error {
		var err error
		out, err = scanListing(q.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return db.ErrNotVisible
		}
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrNotVisible) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update listing: %w", err)
	}

	r.publish(ctx, realtime.Update{Row: out})
	return &out, nil
}

// Delete removes a listing.
func (r *Repository) Delete(ctx context.Context, id string) error {
	err := r.remote.Write(ctx, "vagas.delete", func(q db.Querier) error {
		tag, err := q.Exec(ctx, `DELETE FROM vagas WHERE id = $1::uuid`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return db.ErrNotVisible
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, db.ErrNotVisible) {
			return ErrNotFound
		}
		return fmt.Errorf("delete listing: %w", err)
	}

	r.publish(ctx, realtime.Delete{ID: id})
	return nil
}

// publish is non-fatal: a lost message is recovered by the clients feed
// reconciliation or the next scheduled refresh.
func (r *Repository) publish(ctx context.Context, c realtime.Change) {
	if r.pub == nil {
		return
	}
	payload, err := realtime.Encode(Table, c)
	if err != nil {
		r.log.Warn("encode change failed", "id", c.ListingID(), "err", err)
		return
	}
	if err := r.pub.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warn("publish change failed", "channel", r.channel, "id", c.ListingID(), "err", err)
	}
}

func scanListing(row pgx.Row) (model.Listing, error) {
	var l model.Listing
	err := row.Scan(
		&l.ID, &l.Title, &l.Client, &l.Role,
		&l.Site, &l.Category, &l.Cell,
		&l.Description, &l.Requirements, &l.Salary,
		&l.Benefits, &l.Schedule, &l.Status,
		&l.CreatedBy, &l.CreatedAt, &l.UpdatedAt,
	)
	return l, err
}
