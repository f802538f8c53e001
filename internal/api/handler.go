// Package api implements the HTTP surface of the vagas service.
//
// Reads are served from the in-memory snapshot. Writes go to the database
// and reach the snapshot through the change feed. Write routes expect an
// x-user-id header forwarded by the Gateway.
//
// Routes:
//
//	GET    /health                 → liveness + realtime feed states
//	GET    /vagas                  → cached listings (?client= filter)
//	POST   /vagas                  → create listing
//	GET    /vagas/{id}             → one cached listing
//	PATCH  /vagas/{id}             → partial update
//	DELETE /vagas/{id}             → delete
//	GET    /clients                → client projection
//	GET    /snapshot               → listings + clients + loading flag
//	GET    /compare?clients=A,B    → side-by-side client comparison
//	GET    /events                 → SSE stream of snapshot versions
//	GET    /reports                → list correction reports
//	POST   /reports                → file a report
//	POST   /reports/{id}/status    → move report status
//	POST   /reports/{id}/assign    → assign report
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobmate/vagas-service/internal/db"
	"jobmate/vagas-service/internal/model"
	"jobmate/vagas-service/internal/reports"
	"jobmate/vagas-service/internal/session"
	"jobmate/vagas-service/internal/vagas"
)

// Snapshotter is the read side of cache.Store.
type Snapshotter interface {
	Snapshot() model.Snapshot
	Get(id string) (model.Listing, bool)
	Watch() (<-chan uint64, func())
}

// ListingWriter is the write side of vagas.Repository.
type ListingWriter interface {
	Insert(ctx context.Context, in model.Listing) (*model.Listing, error)
	Update(ctx context.Context, id string, patch model.ListingPatch) (*model.Listing, error)
	Delete(ctx context.Context, id string) error
}

// ReportService is implemented by reports.Service.
type ReportService interface {
	Create(ctx context.Context, in model.Report) (*model.Report, error)
	List(ctx context.Context, f reports.Filter) ([]model.Report, error)
	Assign(ctx context.Context, id, assigneeID string) (*model.Report, error)
	MoveStatus(ctx context.Context, id, status, adminNote string) (*model.Report, error)
}

// Viewers counts event-stream clients. *visibility.Tracker satisfies it.
type Viewers interface {
	Acquire() func()
}

// Handler holds shared dependencies.
type Handler struct {
	store     Snapshotter
	listings  ListingWriter
	reports   ReportService
	viewers   Viewers
	status    func() map[string]string
	version   string
	heartbeat time.Duration
	log       *slog.Logger
}

// NewHandler returns a configured Handler. status reports realtime feed
// states for /health and may be nil.
func NewHandler(
	store Snapshotter,
	listings ListingWriter,
	reportSvc ReportService,
	viewers Viewers,
	status func() map[string]string,
	version string,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     store,
		listings:  listings,
		reports:   reportSvc,
		viewers:   viewers,
		status:    status,
		version:   version,
		heartbeat: 25 * time.Second,
		log:       logger.With("component", "api"),
	}
}

// RegisterRoutes mounts all routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/vagas", h.handleVagas)
	mux.HandleFunc("/vagas/", h.handleVaga)
	mux.HandleFunc("/clients", h.handleClients)
	mux.HandleFunc("/snapshot", h.handleSnapshot)
	mux.HandleFunc("/compare", h.handleCompare)
	mux.HandleFunc("/events", h.handleEvents)
	mux.HandleFunc("/reports", h.handleReports)
	mux.HandleFunc("/reports/", h.handleReportAction)
}

// ─── Route dispatch ───────────────────────────────────────────────────────────

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"service": "vagas-service",
		"version": h.version,
		"loading": h.store.Snapshot().Loading,
	}
	if h.status != nil {
		resp["realtime"] = h.status()
	}
	jsonOK(w, resp)
}

// handleVagas handles GET|POST /vagas
func (h *Handler) handleVagas(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listVagas(w, r)
	case http.MethodPost:
		h.createVaga(w, r)
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVaga handles GET|PATCH|DELETE /vagas/{id}
func (h *Handler) handleVaga(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[1] == "" {
		jsonError(w, "invalid path", http.StatusNotFound)
		return
	}
	id := parts[1]

	switch r.Method {
	case http.MethodGet:
		l, ok := h.store.Get(id)
		if !ok {
			jsonError(w, "listing not found", http.StatusNotFound)
			return
		}
		jsonOK(w, l)
	case http.MethodPatch, http.MethodDelete:
		// Ids are UUIDs; anything else cannot name a row.
		if _, err := uuid.Parse(id); err != nil {
			jsonError(w, "listing not found", http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPatch {
			h.updateVaga(w, r, id)
		} else {
			h.deleteVaga(w, r, id)
		}
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, h.store.Snapshot().Clients)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, h.store.Snapshot())
}

// handleReports handles GET|POST /reports
func (h *Handler) handleReports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listReports(w, r)
	case http.MethodPost:
		h.createReport(w, r)
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleReportAction handles POST /reports/{id}/status|assign
func (h *Handler) handleReportAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		jsonError(w, "invalid path", http.StatusNotFound)
		return
	}

	reportID := parts[1]
	action := parts[2]
	if _, err := uuid.Parse(reportID); err != nil {
		jsonError(w, "report not found", http.StatusNotFound)
		return
	}

	switch action {
	case "status":
		h.moveReport(w, r, reportID)
	case "assign":
		h.assignReport(w, r, reportID)
	default:
		jsonError(w, fmt.Sprintf("unknown action %q", action), http.StatusNotFound)
	}
}

// ─── Listings ─────────────────────────────────────────────────────────────────

func (h *Handler) listVagas(w http.ResponseWriter, r *http.Request) {
	listings := h.store.Snapshot().Listings
	if client := r.URL.Query().Get("client"); client != "" {
		filtered := make([]model.Listing, 0)
		for _, l := range listings {
			if l.Client == client {
				filtered = append(filtered, l)
			}
		}
		listings = filtered
	}
	jsonOK(w, listings)
}

func (h *Handler) createVaga(w http.ResponseWriter, r *http.Request) {
	ctx, ok := withIdentity(w, r)
	if !ok {
		return
	}

	var body model.Listing
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	created, err := h.listings.Insert(ctx, body)
	if err != nil {
		h.writeErr(w, "createVaga", err)
		return
	}
	jsonCreated(w, created)
}

func (h *Handler) updateVaga(w http.ResponseWriter, r *http.Request, id string) {
	ctx, ok := withIdentity(w, r)
	if !ok {
		return
	}

	var patch model.ListingPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	updated, err := h.listings.Update(ctx, id, patch)
	if err != nil {
		h.writeErr(w, "updateVaga", err)
		return
	}
	jsonOK(w, updated)
}

func (h *Handler) deleteVaga(w http.ResponseWriter, r *http.Request, id string) {
	ctx, ok := withIdentity(w, r)
	if !ok {
		return
	}
	if err := h.listings.Delete(ctx, id); err != nil {
		h.writeErr(w, "deleteVaga", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Comparison view ──────────────────────────────────────────────────────────

// ClientSummary is one column of the comparison view.
type ClientSummary struct {
	Client     string          `json:"client"`
	Total      int             `json:"total"`
	ByStatus   map[string]int  `json:"by_status"`
	Categories []string        `json:"categories"`
	Sites      []string        `json:"sites"`
	Listings   []model.Listing `json:"listings"`
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var names []string
	for _, c := range strings.Split(r.URL.Query().Get("clients"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			names = append(names, c)
		}
	}
	if len(names) == 0 {
		jsonError(w, "clients query parameter is required", http.StatusBadRequest)
		return
	}

	jsonOK(w, Compare(h.store.Snapshot().Listings, names))
}

// Compare summarises the listings of each named client, in the order given.
// Unknown clients get an empty summary.
func Compare(listings []model.Listing, clients []string) []ClientSummary {
	out := make([]ClientSummary, 0, len(clients))
	for _, name := range clients {
		sum := ClientSummary{
			Client:   name,
			ByStatus: map[string]int{},
			Listings: []model.Listing{},
		}
		cats, sites := map[string]struct{}{}, map[string]struct{}{}
		for _, l := range listings {
			if l.Client != name {
				continue
			}
			sum.Total++
			sum.ByStatus[l.Status]++
			sum.Listings = append(sum.Listings, l)
			if l.Category != "" {
				cats[l.Category] = struct{}{}
			}
			if l.Site != "" {
				sites[l.Site] = struct{}{}
			}
		}
		sum.Categories = sortedKeys(cats)
		sum.Sites = sortedKeys(sites)
		out = append(out, sum)
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ─── Event stream ─────────────────────────────────────────────────────────────

type snapshotEvent struct {
	Version  uint64 `json:"version"`
	Loading  bool   `json:"loading"`
	Listings int    `json:"listings"`
	Clients  int    `json:"clients"`
}

// handleEvents streams one "snapshot" event per store version. Each open
// stream counts as a viewer for the auto-refresh scheduler.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The server-wide write timeout does not apply to streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	release := h.viewers.Acquire()
	defer release()
	versions, stop := h.store.Watch()
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := h.writeSnapshotEvent(w); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-versions:
			if err := h.writeSnapshotEvent(w); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeSnapshotEvent(w http.ResponseWriter) error {
	snap := h.store.Snapshot()
	data, _ := json.Marshal(snapshotEvent{
		Version:  snap.Version,
		Loading:  snap.Loading,
		Listings: len(snap.Listings),
		Clients:  len(snap.Clients),
	})
	_, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
	return err
}

// ─── Reports ──────────────────────────────────────────────────────────────────

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.reports.List(r.Context(), reports.Filter{
		Status:     q.Get("status"),
		AssigneeID: q.Get("assignee_id"),
		ListingID:  q.Get("listing_id"),
	})
	if err != nil {
		h.writeErr(w, "listReports", err)
		return
	}
	jsonOK(w, list)
}

func (h *Handler) createReport(w http.ResponseWriter, r *http.Request) {
	ctx, ok := withIdentity(w, r)
	if !ok {
		return
	}

	var body model.Report
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	rep, err := h.reports.Create(ctx, body)
	if err != nil {
		h.writeErr(w, "createReport", err)
		return
	}
	jsonCreated(w, rep)
}

func (h *Handler) moveReport(w http.ResponseWriter, r *http.Request, reportID string) {
	ctx, ok := withIdentity(w, r)
	if !ok {
		return
	}

	var body struct {
		Status    string `json:"status"`
		AdminNote string `json:"admin_note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		jsonError(w, "status is required", http.StatusBadRequest)
		return
	}

	rep, err := h.reports.MoveStatus(ctx, reportID, body.Status, body.AdminNote)
	if err != nil {
		h.writeErr(w, "moveReport", err)
		return
	}
	jsonOK(w, rep)
}

func (h *Handler) assignReport(w http.ResponseWriter, r *http.Request, reportID string) {
	ctx, ok := withIdentity(w, r)
	if !ok {
		return
	}

	var body struct {
		AssigneeID string `json:"assignee_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	rep, err := h.reports.Assign(ctx, reportID, body.AssigneeID)
	if err != nil {
		h.writeErr(w, "assignReport", err)
		return
	}
	jsonOK(w, rep)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// withIdentity copies x-user-id into the request context, answering 401
// when it is missing.
func withIdentity(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	userID := r.Header.Get("x-user-id")
	if userID == "" {
		jsonError(w, "missing x-user-id header", http.StatusUnauthorized)
		return nil, false
	}
	return session.WithUserID(r.Context(), userID), true
}

func (h *Handler) writeErr(w http.ResponseWriter, op string, err error) {
	var vagaErr *vagas.ValidationError
	var reportErr *reports.ValidationError
	switch {
	case errors.As(err, &vagaErr):
		jsonError(w, vagaErr.Msg, http.StatusBadRequest)
	case errors.As(err, &reportErr):
		jsonError(w, reportErr.Msg, http.StatusBadRequest)
	case errors.Is(err, vagas.ErrNotFound), errors.Is(err, reports.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case db.IsRLSDenied(err):
		jsonError(w, "permission denied", http.StatusForbidden)
	default:
		h.log.Error("request failed", "op", op, "err", err)
		jsonError(w, "database error", http.StatusInternalServerError)
	}
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func jsonCreated(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
