package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/vagas-service/internal/api"
	"jobmate/vagas-service/internal/cache"
	"jobmate/vagas-service/internal/model"
	"jobmate/vagas-service/internal/reports"
	"jobmate/vagas-service/internal/session"
	"jobmate/vagas-service/internal/vagas"
	"jobmate/vagas-service/internal/visibility"
)

const (
	vagaID   = "9b2d7c1e-3f4a-4e5b-8c6d-7e8f9a0b1c2d"
	reportID = "0c1d2e3f-4a5b-4c6d-8e7f-8091a2b3c4d5"
)

type fakeWriter struct {
	actor   string
	inserts []model.Listing
	touched []string
	err     error
}

func (f *fakeWriter) Insert(ctx context.Context, in model.Listing) (*model.Listing, error) {
	f.actor, _ = session.UserID(ctx)
	if f.err != nil {
		return nil, f.err
	}
	f.inserts = append(f.inserts, in)
	in.ID = "new-id"
	return &in, nil
}

func (f *fakeWriter) Update(ctx context.Context, id string, patch model.ListingPatch) (*model.Listing, error) {
	f.touched = append(f.touched, id)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Listing{ID: id, Client: *patch.Client}, nil
}

func (f *fakeWriter) Delete(ctx context.Context, id string) error {
	f.touched = append(f.touched, id)
	return f.err
}

type fakeReports struct {
	filter reports.Filter
	err    error
}

func (f *fakeReports) Create(ctx context.Context, in model.Report) (*model.Report, error) {
	in.ID, in.Status = "r1", "pending"
	return &in, f.err
}

func (f *fakeReports) List(ctx context.Context, flt reports.Filter) ([]model.Report, error) {
	f.filter = flt
	return []model.Report{}, f.err
}

func (f *fakeReports) Assign(ctx context.Context, id, assigneeID string) (*model.Report, error) {
	return &model.Report{ID: id, AssigneeID: &assigneeID, Status: "in_progress"}, f.err
}

func (f *fakeReports) MoveStatus(ctx context.Context, id, status, note string) (*model.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Report{ID: id, Status: status}, nil
}

type fixture struct {
	mux     *http.ServeMux
	store   *cache.Store
	writer  *fakeWriter
	reports *fakeReports
	viewers *visibility.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mux:     http.NewServeMux(),
		store:   cache.NewStore(),
		writer:  &fakeWriter{},
		reports: &fakeReports{},
		viewers: visibility.NewTracker(true),
	}
	f.store.Replace([]model.Listing{
		{ID: "1", Client: "A", Category: "TI", Site: "SP", Status: "active"},
		{ID: "2", Client: "B", Category: "RH", Status: "active"},
		{ID: "3", Client: "A", Category: "TI", Site: "RJ", Status: "closed"},
	}, f.store.BeginLoad())

	h := api.NewHandler(f.store, f.writer, f.reports, f.viewers,
		func() map[string]string { return map[string]string{"listings": "active"} }, "test", nil)
	h.RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["loading"])
	assert.Equal(t, map[string]any{"listings": "active"}, body["realtime"])
}

func TestListVagas_FromSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/vagas?client=A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestGetVaga(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/vagas/2", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/vagas/99", "").Code)
}

func TestClientsAndSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/clients", "")
	assert.JSONEq(t, `["A","B"]`, rec.Body.String())

	rec = f.do(http.MethodGet, "/snapshot", "")
	var snap model.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Listings, 3)
	assert.False(t, snap.Loading)
}

func TestCreateVaga_RequiresIdentity(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/vagas", `{"title":"Dev","client":"A"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.writer.inserts)
}

func TestCreateVaga_DoesNotTouchCache(t *testing.T) {
	f := newFixture(t)
	before := f.store.Version()

	rec := f.do(http.MethodPost, "/vagas", `{"title":"Dev","client":"C"}`, "x-user-id", "user-9")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user-9", f.writer.actor)
	assert.Equal(t, before, f.store.Version(), "the change feed owns cache updates")
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &vagas.ValidationError{Msg: "title is required"}, http.StatusBadRequest},
		{"not found", vagas.ErrNotFound, http.StatusNotFound},
		{"rls", &pgconn.PgError{Code: "42501"}, http.StatusForbidden},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t)
			f.writer.err = c.err
			rec := f.do(http.MethodPatch, "/vagas/"+vagaID, `{"client":"Z"}`, "x-user-id", "u")
			assert.Equal(t, c.code, rec.Code)
		})
	}
}

func TestDeleteVaga(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodDelete, "/vagas/"+vagaID, "", "x-user-id", "u")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{vagaID}, f.writer.touched)
}

func TestWriteRoutes_NonUUIDIsNotFound(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPatch, "/vagas/1", `{"client":"Z"}`, "x-user-id", "u").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/vagas/not-a-uuid", "", "x-user-id", "u").Code)
	assert.Empty(t, f.writer.touched, "a malformed id must not reach the database")

	// Cached reads still resolve whatever id the snapshot holds.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/vagas/1", "").Code)

	rec := f.do(http.MethodPost, "/reports/r1/status", `{"status":"rejected"}`, "x-user-id", "adm")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodPost, "/reports/r1/assign", `{"assignee_id":"adm"}`, "x-user-id", "adm")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompare(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/compare?clients=A,%20B,Nope", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []api.ClientSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 3)

	assert.Equal(t, "A", got[0].Client)
	assert.Equal(t, 2, got[0].Total)
	assert.Equal(t, map[string]int{"active": 1, "closed": 1}, got[0].ByStatus)
	assert.Equal(t, []string{"TI"}, got[0].Categories)
	assert.Equal(t, []string{"RJ", "SP"}, got[0].Sites)

	assert.Equal(t, "B", got[1].Client)
	assert.Equal(t, 1, got[1].Total)
	assert.Equal(t, 0, got[2].Total)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/compare", "").Code)
}

func TestReports_Routes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/reports?status=pending&assignee_id=adm", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reports.Filter{Status: "pending", AssigneeID: "adm"}, f.reports.filter)

	rec = f.do(http.MethodPost, "/reports", `{"listing_id":"1","field":"salary","suggested_change":"x"}`, "x-user-id", "u")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/reports/"+reportID+"/status", `{"status":"rejected"}`, "x-user-id", "adm")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rejected"`)

	rec = f.do(http.MethodPost, "/reports/"+reportID+"/assign", `{"assignee_id":"adm"}`, "x-user-id", "adm")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/reports/"+reportID+"/close", `{}`, "x-user-id", "adm").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/reports/"+reportID+"/status", `{}`, "x-user-id", "adm").Code)

	f.reports.err = &reports.ValidationError{Msg: "transition pending → completed is not allowed"}
	rec = f.do(http.MethodPost, "/reports/"+reportID+"/status", `{"status":"completed"}`, "x-user-id", "adm")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPut, "/vagas", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPost, "/clients", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/reports/r1/status", "").Code)
}

func TestEvents_StreamsVersionsAndCountsViewer(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() map[string]any {
		var data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
			if line == "" && data != "" {
				var ev map[string]any
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
				return ev
			}
		}
	}

	first := readEvent()
	assert.Equal(t, float64(3), first["listings"])
	assert.True(t, f.viewers.Visible())

	f.store.ApplyInsert(model.Listing{ID: "4", Client: "D"})
	next := readEvent()
	assert.Equal(t, float64(4), next["listings"])
	assert.Equal(t, float64(f.store.Version()), next["version"])

	cancel()
	require.Eventually(t, func() bool { return !f.viewers.Visible() }, 2*time.Second, 10*time.Millisecond)
}
