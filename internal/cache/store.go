// Package cache holds the single in-memory listing snapshot. Every mutation
// goes through Store, which keeps the client projection derived from the
// listings at all times.
package cache

import (
	"math"
	"sync"

	"jobmate/vagas-service/internal/model"
)

// patchMark records the last realtime patch applied to one listing id.
type patchMark struct {
	version uint64
	deleted bool
}

// Store is the coordinating owner of the snapshot.
type Store struct {
	mu       sync.RWMutex
	listings []model.Listing
	clients  []string
	loading  bool
	version  uint64
	// patches holds realtime patches newer than the oldest pending load,
	// for reconciling a slow bulk load against newer events.
	patches map[string]patchMark
	// pending counts outstanding loads by the version they started at.
	pending  map[uint64]int
	watchers map[chan uint64]struct{}
}

// NewStore returns an empty store in the loading state.
func NewStore() *Store {
	return &Store{
		listings: []model.Listing{},
		clients:  []string{},
		loading:  true,
		patches:  make(map[string]patchMark),
		pending:  make(map[uint64]int),
		watchers: make(map[chan uint64]struct{}),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.Snapshot{
		Listings: copyListings(s.listings),
		Clients:  copyClients(s.clients),
		Loading:  s.loading,
		Version:  s.version,
	}
}

// Listings returns a copy of the cached listings, newest first.
func (s *Store) Listings() []model.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyListings(s.listings)
}

// Clients returns a copy of the client projection.
func (s *Store) Clients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyClients(s.clients)
}

// Get returns the cached listing with id.
func (s *Store) Get(id string) (model.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.listings[i], true
	}
	return model.Listing{}, false
}

// Version increases on every applied mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// BeginLoad marks a bulk load as in flight and returns the version it is
// based on. Every call must be matched by Replace or EndLoad with the same
// basis.
func (s *Store) BeginLoad() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[s.version]++
	s.loading = true
	return s.version
}

// EndLoad retires the load started at basis without replacing data, for
// loads whose result was discarded.
func (s *Store) EndLoad(basis uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(basis)
	s.bumpLocked()
}

// Replace installs the result of a bulk load started at basis. When
// realtime patches landed after basis, they win over the loaded rows:
// deletes stay deleted, inserts are kept, and for updates the row with the
// later updated_at is kept.
func (s *Store) Replace(rows []model.Listing, basis uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if basis == s.version || len(s.patches) == 0 {
		s.listings = copyListings(rows)
	} else {
		s.listings = s.reconcileLocked(rows, basis)
	}
	s.finishLocked(basis)
	s.recomputeLocked()
	s.bumpLocked()
}

// finishLocked retires one load started at basis and drops the patch marks
// no remaining load can be older than.
func (s *Store) finishLocked(basis uint64) {
	if n := s.pending[basis]; n > 1 {
		s.pending[basis] = n - 1
	} else {
		delete(s.pending, basis)
	}
	s.loading = len(s.pending) > 0

	if len(s.pending) == 0 {
		clear(s.patches)
		return
	}
	oldest := uint64(math.MaxUint64)
	for v := range s.pending {
		oldest = min(oldest, v)
	}
	for id, mark := range s.patches {
		if mark.version <= oldest {
			delete(s.patches, id)
		}
	}
}

func (s *Store) reconcileLocked(rows []model.Listing, basis uint64) []model.Listing {
	local := make(map[string]model.Listing, len(s.listings))
	for _, l := range s.listings {
		local[l.ID] = l
	}
	loaded := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		loaded[r.ID] = struct{}{}
	}

	out := make([]model.Listing, 0, len(rows))

	// Rows inserted by the feed during the load and absent from its result.
	for _, l := range s.listings {
		mark, ok := s.patches[l.ID]
		if !ok || mark.version <= basis || mark.deleted {
			continue
		}
		if _, seen := loaded[l.ID]; !seen {
			out = append(out, l)
		}
	}

	for _, r := range rows {
		mark, ok := s.patches[r.ID]
		if !ok || mark.version <= basis {
			out = append(out, r)
			continue
		}
		if mark.deleted {
			continue
		}
		if l, ok := local[r.ID]; ok && !l.UpdatedAt.Before(r.UpdatedAt) {
			out = append(out, l)
			continue
		}
		out = append(out, r)
	}
	return out
}

// ApplyInsert prepends row. An insert for an id already cached replaces it
// in place, so a replayed event is idempotent.
func (s *Store) ApplyInsert(row model.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(row.ID); i >= 0 {
		s.listings[i] = row
	} else {
		s.listings = append([]model.Listing{row}, s.listings...)
	}
	s.markLocked(row.ID, false)
}

// ApplyUpdate replaces the listing with the same id in place. It reports
// false, and changes nothing, when the id is not cached.
func (s *Store) ApplyUpdate(row model.Listing) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(row.ID)
	if i < 0 {
		return false
	}
	s.listings[i] = row
	s.markLocked(row.ID, false)
	return true
}

// ApplyDelete removes the listing with id.
func (s *Store) ApplyDelete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i >= 0 {
		s.listings = append(s.listings[:i:i], s.listings[i+1:]...)
	}
	// The tombstone is recorded even for unknown ids so an in-flight load
	// cannot resurrect the row.
	s.markLocked(id, true)
	return i >= 0
}

// Watch returns a channel receiving the latest version after each change.
// Slow readers only ever see the most recent version. Call the returned
// func to unsubscribe.
func (s *Store) Watch() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) markLocked(id string, deleted bool) {
	s.version++
	// Only a load already in flight can be older than this patch.
	if len(s.pending) > 0 {
		s.patches[id] = patchMark{version: s.version, deleted: deleted}
	}
	s.recomputeLocked()
	s.notifyLocked()
}

func (s *Store) bumpLocked() {
	s.version++
	s.notifyLocked()
}

func (s *Store) notifyLocked() {
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s.version:
		default:
		}
	}
}

func (s *Store) recomputeLocked() {
	s.clients = ProjectClients(s.listings)
}

func (s *Store) indexOf(id string) int {
	for i := range s.listings {
		if s.listings[i].ID == id {
			return i
		}
	}
	return -1
}

// ProjectClients returns the distinct non-empty clients of listings in
// first-occurrence order.
func ProjectClients(listings []model.Listing) []string {
	seen := make(map[string]struct{}, len(listings))
	clients := make([]string, 0)
	for _, l := range listings {
		if l.Client == "" {
			continue
		}
		if _, ok := seen[l.Client]; ok {
			continue
		}
		seen[l.Client] = struct{}{}
		clients = append(clients, l.Client)
	}
	return clients
}

// SameClients reports whether a and b hold the same set of clients.
func SameClients(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

func copyListings(in []model.Listing) []model.Listing {
	out := make([]model.Listing, len(in))
	copy(out, in)
	return out
}

func copyClients(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
