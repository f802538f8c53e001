package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"jobmate/vagas-service/internal/session"
)

// codeInsufficientPrivilege is what Postgres returns when a row-level
// security policy rejects a write.
const codeInsufficientPrivilege = "42501"

// ErrNotVisible is returned by a write callback whose UPDATE or DELETE
// matched no row. Under an RLS USING policy the restricted tier cannot tell a
// hidden row from a missing one, so Write treats it like a denial.
var ErrNotVisible = errors.New("row not visible to writer")

// IsRLSDenied reports whether err is a row-level-security rejection.
func IsRLSDenied(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeInsufficientPrivilege
}

// Remote bundles the restricted ("user") and elevated ("admin") handles to
// the hosted database. Reads always use the user tier.
type Remote struct {
	user  Querier
	admin Querier
	log   *slog.Logger
}

// NewRemote constructs a Remote. admin may be nil, in which case RLS
// denials are returned to the caller unchanged.
func NewRemote(user, admin Querier, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{user: user, admin: admin, log: logger}
}

// Reader returns the restricted handle.
func (r *Remote) Reader() Querier { return r.user }

// Elevated returns the admin handle, or nil when none is configured.
func (r *Remote) Elevated() Querier { return r.admin }

// Write runs fn with restricted credentials. When the database rejects it
// with an RLS denial (42501, from a WITH CHECK policy), or fn reports
// ErrNotVisible (a USING policy filtered the target row out), fn is
// re-issued once with elevated credentials and the bypass is recorded in
// admin_audit_log. A failure of the elevated attempt is terminal; an
// elevated ErrNotVisible means the row does not exist.
func (r *Remote) Write(ctx context.Context, action string, fn func(q Querier) error) error {
	err := fn(r.user)
	if err == nil || r.admin == nil || !(IsRLSDenied(err) || errors.Is(err, ErrNotVisible)) {
		return err
	}

	r.log.Warn("write denied by row-level security, retrying with elevated credentials",
		"action", action, "err", err)

	if elevatedErr := fn(r.admin); elevatedErr != nil {
		return fmt.Errorf("%s with elevated credentials: %w", action, elevatedErr)
	}

	// Audit failures do not undo a committed write.
	if auditErr := r.audit(ctx, action, err.Error()); auditErr != nil {
		r.log.Warn("admin audit insert failed", "action", action, "err", auditErr)
	}
	return nil
}

func (r *Remote) audit(ctx context.Context, action, detail string) error {
	actor, _ := session.UserID(ctx)
	_, err := r.admin.Exec(ctx,
		`INSERT INTO admin_audit_log (id, action, actor_id, detail)
		 VALUES ($1, $2, NULLIF($3, ''), $4)`,
		uuid.NewString(), action, actor, detail,
	)
	return err
}
