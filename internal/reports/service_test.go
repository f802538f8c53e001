package reports_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/vagas-service/internal/db"
	"jobmate/vagas-service/internal/model"
	"jobmate/vagas-service/internal/reports"
	"jobmate/vagas-service/internal/session"
)

const (
	reportID  = "0b6f9a52-6c1e-4b8e-9a49-2f2b8a1c0d01"
	listingID = "0b6f9a52-6c1e-4b8e-9a49-2f2b8a1c0d02"
)

var reportCols = []string{
	"id", "listing_id", "field", "previous_value", "suggested_change",
	"reporter_id", "assignee_id", "status", "admin_note", "created_at", "updated_at",
}

func reportRow(field, suggested, status string, assignee *string) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(reportCols).
		AddRow(reportID, listingID, field, "old", suggested, "user-1", assignee, status, nil, now, now)
}

type updateCall struct {
	id    string
	patch model.ListingPatch
}

type fakeListings struct {
	calls []updateCall
	err   error
}

func (f *fakeListings) Update(_ context.Context, id string, patch model.ListingPatch) (*model.Listing, error) {
	f.calls = append(f.calls, updateCall{id: id, patch: patch})
	if f.err != nil {
		return nil, f.err
	}
	return &model.Listing{ID: id}, nil
}

func newService(t *testing.T) (*reports.Service, pgxmock.PgxPoolIface, *fakeListings) {
	t.Helper()
	user, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, user.ExpectationsWereMet()) })

	listings := &fakeListings{}
	return reports.NewService(db.NewRemote(user, nil, nil), listings, nil), user, listings
}

func TestCreate_RequiresIdentityAndFields(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := session.WithUserID(context.Background(), "user-1")

	_, err := svc.Create(context.Background(), model.Report{ListingID: listingID, Field: "salary", SuggestedChange: "x"})
	var ve *reports.ValidationError
	assert.ErrorAs(t, err, &ve, "anonymous reports are rejected")

	for _, in := range []model.Report{
		{ListingID: "nope", Field: "salary", SuggestedChange: "x"},
		{ListingID: listingID, Field: " ", SuggestedChange: "x"},
		{ListingID: listingID, Field: "salary", SuggestedChange: ""},
	} {
		_, err := svc.Create(ctx, in)
		assert.ErrorAs(t, err, &ve, "Create(%+v)", in)
	}
}

func TestCreate_InsertsPending(t *testing.T) {
	svc, user, _ := newService(t)
	ctx := session.WithUserID(context.Background(), "user-1")

	user.ExpectQuery(`INSERT INTO reports`).
		WithArgs(pgxmock.AnyArg(), listingID, "salary", "R$ 3.000", "R$ 4.000", "user-1").
		WillReturnRows(reportRow("salary", "R$ 4.000", "pending", nil))

	got, err := svc.Create(ctx, model.Report{
		ListingID: listingID, Field: "salary", PreviousValue: "R$ 3.000", SuggestedChange: "R$ 4.000",
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
	assert.Nil(t, got.AssigneeID)
}

func TestList_Filters(t *testing.T) {
	svc, user, _ := newService(t)
	assignee := "admin-1"

	user.ExpectQuery(`FROM reports WHERE status = \$1 AND assignee_id = \$2 ORDER BY created_at DESC`).
		WithArgs("in_progress", "admin-1").
		WillReturnRows(reportRow("title", "Dev Go Sr", "in_progress", &assignee))

	got, err := svc.List(context.Background(), reports.Filter{Status: "in_progress", AssigneeID: "admin-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].AssigneeID)
	assert.Equal(t, "admin-1", *got[0].AssigneeID)
}

func TestList_InvalidStatus(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.List(context.Background(), reports.Filter{Status: "DONE"})
	var ve *reports.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestAssign_NotFound(t *testing.T) {
	svc, user, _ := newService(t)
	user.ExpectQuery(`UPDATE reports`).WithArgs("admin-1", reportID).WillReturnError(pgx.ErrNoRows)

	_, err := svc.Assign(context.Background(), reportID, "admin-1")
	assert.ErrorIs(t, err, reports.ErrNotFound)
}

func TestMoveStatus_CompletedAppliesSuggestedChange(t *testing.T) {
	svc, user, listings := newService(t)

	user.ExpectQuery(`FROM reports WHERE id = \$1::uuid`).WithArgs(reportID).
		WillReturnRows(reportRow("salary", "R$ 4.000", "in_progress", nil))
	user.ExpectQuery(`UPDATE reports`).
		WithArgs("completed", "ok", reportID, "in_progress").
		WillReturnRows(reportRow("salary", "R$ 4.000", "completed", nil))

	got, err := svc.MoveStatus(context.Background(), reportID, "completed", "ok")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)

	require.Len(t, listings.calls, 1)
	assert.Equal(t, listingID, listings.calls[0].id)
	require.NotNil(t, listings.calls[0].patch.Salary)
	assert.Equal(t, "R$ 4.000", *listings.calls[0].patch.Salary)
}

func TestMoveStatus_ListingUpdateFailureKeepsStatus(t *testing.T) {
	svc, user, listings := newService(t)
	listings.err = errors.New("listing not found")

	user.ExpectQuery(`FROM reports WHERE id = \$1::uuid`).WithArgs(reportID).
		WillReturnRows(reportRow("client", "ACME", "in_progress", nil))

	_, err := svc.MoveStatus(context.Background(), reportID, "completed", "")
	assert.Error(t, err)
}

func TestMoveStatus_UnknownFieldCompletesWithoutListingChange(t *testing.T) {
	svc, user, listings := newService(t)

	user.ExpectQuery(`FROM reports WHERE id = \$1::uuid`).WithArgs(reportID).
		WillReturnRows(reportRow("other", "typo in ad", "in_progress", nil))
	user.ExpectQuery(`UPDATE reports`).
		WithArgs("completed", "", reportID, "in_progress").
		WillReturnRows(reportRow("other", "typo in ad", "completed", nil))

	_, err := svc.MoveStatus(context.Background(), reportID, "completed", "")
	require.NoError(t, err)
	assert.Empty(t, listings.calls)
}

func TestMoveStatus_ForbiddenTransition(t *testing.T) {
	svc, user, listings := newService(t)

	user.ExpectQuery(`FROM reports WHERE id = \$1::uuid`).WithArgs(reportID).
		WillReturnRows(reportRow("salary", "x", "pending", nil))

	_, err := svc.MoveStatus(context.Background(), reportID, "completed", "")
	var ve *reports.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, listings.calls)
}

func TestMoveStatus_NotFound(t *testing.T) {
	svc, user, _ := newService(t)
	user.ExpectQuery(`FROM reports WHERE id = \$1::uuid`).WithArgs(reportID).WillReturnError(pgx.ErrNoRows)

	_, err := svc.MoveStatus(context.Background(), reportID, "rejected", "")
	assert.ErrorIs(t, err, reports.ErrNotFound)
}
