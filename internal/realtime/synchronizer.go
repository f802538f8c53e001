package realtime

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"jobmate/vagas-service/internal/cache"
	"jobmate/vagas-service/internal/forceload"
	"jobmate/vagas-service/internal/model"
)

// Feed names reported to state hooks.
const (
	FeedListings = "listings"
	FeedClients  = "clients"
)

// Source answers the authoritative reads the feeds need: the client
// projection, and single rows announced without their contents.
type Source interface {
	DistinctClients(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*model.Listing, error)
}

// Synchronizer owns the two feeds that keep a cache.Store current: the
// listings feed applies patches, the clients feed re-reads the projection
// from the database and forces a reload when the local one has drifted.
type Synchronizer struct {
	store     *cache.Store
	loader    *forceload.Loader
	source    Source
	transport Transport
	opts      FeedOptions
	rowLimit  int
	log       *slog.Logger

	hookMu sync.Mutex
	hooks  []func(feed string, s State)

	mu       sync.Mutex
	listings *Feed
	clientsF *Feed
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewSynchronizer wires a synchronizer. opts.Topic is the listings table.
func NewSynchronizer(
	store *cache.Store,
	loader *forceload.Loader,
	source Source,
	transport Transport,
	opts FeedOptions,
	logger *slog.Logger,
) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:     store,
		loader:    loader,
		source:    source,
		transport: transport,
		opts:      opts,
		log:       logger.With("component", "realtime"),
	}
}

// SetRowLimit tells the synchronizer the bulk read is capped at n rows. A
// capped snapshot may legitimately miss clients that only own older
// listings, so those are not treated as drift.
func (s *Synchronizer) SetRowLimit(n int) { s.rowLimit = n }

// OnStateChange adds a hook called on every feed transition.
func (s *Synchronizer) OnStateChange(fn func(feed string, st State)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Start performs the initial load and then runs both feeds in the
// background until Stop or ctx cancellation. A failed initial load is
// logged, not returned: the feeds and the scheduler retry it.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("synchronizer already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g
	s.listings = s.newFeed(FeedListings, s.applyPayload, s.Refresh)
	s.clientsF = s.newFeed(FeedClients, s.reconcilePayload, s.ReconcileClients)
	listings, clients := s.listings, s.clientsF
	s.mu.Unlock()

	basis := s.store.BeginLoad()
	s.install(runCtx, s.loader.Load(runCtx), basis)

	g.Go(func() error { return listings.Run(gctx) })
	g.Go(func() error { return clients.Run(gctx) })
	return nil
}

// Stop tears both feeds down and waits for them. In-flight reads are not
// aborted, their results are discarded.
func (s *Synchronizer) Stop() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return g.Wait()
}

// Refresh force-reloads every listing from the database into the store.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	basis := s.store.BeginLoad()
	res := s.loader.ForceReload(ctx)
	return s.install(ctx, res, basis)
}

// State returns the state of the named feed; Idle when not running.
func (s *Synchronizer) State(feed string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f *Feed
	switch feed {
	case FeedListings:
		f = s.listings
	case FeedClients:
		f = s.clientsF
	}
	if f == nil {
		return StateIdle
	}
	return f.State()
}

func (s *Synchronizer) install(ctx context.Context, res forceload.Result, basis uint64) error {
	if res.Failed() || ctx.Err() != nil {
		s.store.EndLoad(basis)
		if res.Err != nil {
			s.log.Warn("bulk load discarded", "err", res.Err)
			return res.Err
		}
		return ctx.Err()
	}
	s.store.Replace(res.Listings, basis)
	s.log.Info("snapshot loaded", "listings", len(res.Listings), "cached", res.Cached, "attempts", res.Attempts)
	return nil
}

func (s *Synchronizer) newFeed(name string, onPayload func(context.Context, []byte), onPoll func(context.Context) error) *Feed {
	f := NewFeed(name, s.transport, s.opts, onPayload, onPoll, s.log)
	f.OnStateChange(s.notify)
	return f
}

func (s *Synchronizer) notify(feed string, st State) {
	s.hookMu.Lock()
	hooks := slices.Clone(s.hooks)
	s.hookMu.Unlock()
	for _, h := range hooks {
		h(feed, st)
	}
}

// applyPayload patches the store with one listings event.
func (s *Synchronizer) applyPayload(ctx context.Context, payload []byte) {
	change, err := Decode(payload, s.opts.Topic)
	if err != nil {
		s.log.Warn("dropping change", "err", err)
		return
	}

	switch c := change.(type) {
	case Insert:
		if c.Partial && !s.readBack(ctx, &c.Row) {
			return
		}
		s.store.ApplyInsert(c.Row)
	case Update:
		if c.Partial && !s.readBack(ctx, &c.Row) {
			return
		}
		if !s.store.ApplyUpdate(c.Row) {
			s.log.Debug("update for listing not cached", "id", c.Row.ID)
		}
	case Delete:
		s.store.ApplyDelete(c.ID)
	}
}

// readBack replaces a key-only row with the stored one. A row deleted in the
// meantime is skipped; its delete event follows.
func (s *Synchronizer) readBack(ctx context.Context, row *model.Listing) bool {
	full, err := s.source.Get(ctx, row.ID)
	if err != nil {
		s.log.Warn("reading back oversized change failed", "id", row.ID, "err", err)
		return false
	}
	*row = *full
	return true
}

// reconcilePayload compares the authoritative client projection with the
// local one after any listings event.
func (s *Synchronizer) reconcilePayload(ctx context.Context, payload []byte) {
	if _, err := Decode(payload, s.opts.Topic); err != nil {
		return
	}
	if err := s.ReconcileClients(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("client projection check failed", "err", err)
	}
}

// ReconcileClients reads the distinct clients from the database and
// reloads the snapshot when the local projection disagrees.
func (s *Synchronizer) ReconcileClients(ctx context.Context) error {
	remote, err := s.source.DistinctClients(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	local := s.store.Clients()
	if cache.SameClients(remote, local) {
		return nil
	}
	if s.rowLimit > 0 && len(s.store.Listings()) >= s.rowLimit && subset(local, remote) {
		return nil
	}
	s.log.Info("client projection drifted, reloading", "remote", len(remote), "local", len(local))
	return s.Refresh(ctx)
}

func subset(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, c := range b {
		set[c] = struct{}{}
	}
	for _, c := range a {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
