package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"jobmate/vagas-service/internal/db"
	"jobmate/vagas-service/internal/model"
	"jobmate/vagas-service/internal/session"
)

const reportColumns = `id::text, listing_id::text, field, previous_value, suggested_change,
	reporter_id, assignee_id, status, admin_note, created_at, updated_at`

// ErrNotFound is returned when a report is missing.
var ErrNotFound = errors.New("report not found")

// ValidationError wraps a user-facing validation message.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// ListingUpdater applies an accepted correction. *vagas.Repository
// satisfies it.
type ListingUpdater interface {
	Update(ctx context.Context, id string, patch model.ListingPatch) (*model.Listing, error)
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status     string
	AssigneeID string
	ListingID  string
}

// Service encapsulates the report workflow.
type Service struct {
	remote   *db.Remote
	listings ListingUpdater
	psql     sq.StatementBuilderType
	log      *slog.Logger
}

// NewService returns a configured Service.
func NewService(remote *db.Remote, listings ListingUpdater, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		remote:   remote,
		listings: listings,
		psql:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		log:      logger,
	}
}

// Create files a new pending report. The reporter is the session user.
func (s *Service) Create(ctx context.Context, in model.Report) (*model.Report, error) {
	reporter, ok := session.UserID(ctx)
	if !ok {
		return nil, &ValidationError{Msg: "reporter identity is required"}
	}
	if _, err := uuid.Parse(in.ListingID); err != nil {
		return nil, &ValidationError{Msg: "listing_id must be a UUID"}
	}
	in.Field = strings.TrimSpace(in.Field)
	if in.Field == "" {
		return nil, &ValidationError{Msg: "field is required"}
	}
	if strings.TrimSpace(in.SuggestedChange) == "" {
		return nil, &ValidationError{Msg: "suggested_change is required"}
	}

	var out model.Report
	err := s.remote.Write(ctx, "reports.create", func(q db.Querier) error {
		var err error
		out, err = scanReport(q.QueryRow(ctx,
			`INSERT INTO reports (id, listing_id, field, previous_value, suggested_change, reporter_id, status)
			 VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, 'pending')
			 RETURNING `+reportColumns,
			uuid.NewString(), in.ListingID, in.Field, in.PreviousValue, in.SuggestedChange, reporter,
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("createReport: %w", err)
	}
	return &out, nil
}

// List returns reports matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]model.Report, error) {
	q := s.psql.Select(reportColumns).From("reports").OrderBy("created_at DESC")
	if f.Status != "" {
		st, err := ParseStatus(f.Status)
		if err != nil {
			return nil, &ValidationError{Msg: err.Error()}
		}
		q = q.Where(sq.Eq{"status": string(st)})
	}
	if f.AssigneeID != "" {
		q = q.Where(sq.Eq{"assignee_id": f.AssigneeID})
	}
	if f.ListingID != "" {
		q = q.Where("listing_id = ?::uuid", f.ListingID)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build listReports: %w", err)
	}
	rows, err := s.remote.Reader().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listReports query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Report, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("listReports scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns a single report.
func (s *Service) Get(ctx context.Context, id string) (*model.Report, error) {
	r, err := scanReport(s.remote.Reader().QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getReport: %w", err)
	}
	return &r, nil
}

// Assign sets the assignee. A pending report moves to in_progress.
func (s *Service) Assign(ctx context.Context, id, assigneeID string) (*model.Report, error) {
	if strings.TrimSpace(assigneeID) == "" {
		return nil, &ValidationError{Msg: "assignee_id is required"}
	}

	var out model.Report
	err := s.remote.Write(ctx, "reports.assign", func(q db.Querier) error {
		var err error
		out, err = scanReport(q.QueryRow(ctx,
			`UPDATE reports
			 SET assignee_id = $1,
			     status      = CASE WHEN status = 'pending' THEN 'in_progress' ELSE status END,
			     updated_at  = NOW()
			 WHERE id = $2::uuid AND status IN ('pending', 'in_progress')
			 RETURNING `+reportColumns,
			assigneeID, id,
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("assignReport: %w", err)
	}
	return &out, nil
}

// MoveStatus transitions a report. Completing a report whose field names a
// listing column applies the suggested change to the listing first; if that
// fails the report keeps its status.
func (s *Service) MoveStatus(ctx context.Context, id, newStatusStr, adminNote string) (*model.Report, error) {
	newStatus, err := ParseStatus(newStatusStr)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	currentStatus, _ := ParseStatus(current.Status)
	if !IsTransitionAllowed(currentStatus, newStatus) {
		return nil, &ValidationError{
			Msg: fmt.Sprintf("transition %s → %s is not allowed", currentStatus, newStatus),
		}
	}

	if newStatus == StatusCompleted {
		if patch, ok := model.PatchForField(current.Field, current.SuggestedChange); ok {
			if _, err := s.listings.Update(ctx, current.ListingID, patch); err != nil {
				return nil, fmt.Errorf("apply suggested change: %w", err)
			}
		} else {
			s.log.Info("report completed without listing change", "reportId", id, "field", current.Field)
		}
	}

	var out model.Report
	err = s.remote.Write(ctx, "reports.move_status", func(q db.Querier) error {
		var err error
		out, err = scanReport(q.QueryRow(ctx,
			`UPDATE reports
			 SET status     = $1,
			     admin_note = COALESCE(NULLIF($2, ''), admin_note),
			     updated_at = NOW()
			 WHERE id = $3::uuid AND status = $4
			 RETURNING `+reportColumns,
			string(newStatus), adminNote, id, string(currentStatus),
		))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ValidationError{Msg: "report changed concurrently, reload and retry"}
		}
		return nil, fmt.Errorf("moveReport update: %w", err)
	}
	return &out, nil
}

func scanReport(row pgx.Row) (model.Report, error) {
	var r model.Report
	err := row.Scan(
		&r.ID, &r.ListingID, &r.Field, &r.PreviousValue, &r.SuggestedChange,
		&r.ReporterID, &r.AssigneeID, &r.Status, &r.AdminNote,
		&r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}
