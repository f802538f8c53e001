// Package forceload performs the initial bulk read of listings: coalesced,
// bounded in time, retried with linear backoff, and cached until someone
// explicitly asks for a reload.
package forceload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"jobmate/vagas-service/internal/model"
)

// loadKey is the logical key bulk loads coalesce on, qualified by the
// cache generation.
const loadKey = "vagas"

// ErrExhausted marks a result produced after every attempt failed. Its
// Listings are empty, which must be read as "unknown", not "no rows".
var ErrExhausted = errors.New("force load: retries exhausted")

// FetchFunc performs one remote bulk read.
type FetchFunc func(ctx context.Context) ([]model.Listing, error)

// Options bound a load.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Result is the outcome of Load. Listings is never nil.
type Result struct {
	Listings []model.Listing
	Err      error
	Attempts int
	Cached   bool
}

// Failed reports whether the result is the empty fallback of an exhausted
// or abandoned load.
func (r Result) Failed() bool { return r.Err != nil }

// Loader is the force-load cache. Construct one per process in the
// composition root; tests get isolation by constructing their own.
type Loader struct {
	fetch FetchFunc
	opts  Options
	log   *slog.Logger
	group singleflight.Group
	wait  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	cached   []model.Listing
	hasCache bool
	// gen advances on every Invalidate. A load only joins, and only fills
	// the cache for, the generation it started in.
	gen uint64
}

// New returns a Loader. MaxRetries below 1 is treated as 1.
func New(fetch FetchFunc, opts Options, logger *slog.Logger) *Loader {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{fetch: fetch, opts: opts, log: logger, wait: sleep}
}

// Load returns the cached listings, or performs a bulk read. Concurrent
// callers share one in-flight read started since the last Invalidate. A
// caller whose ctx ends first gets an empty failed result; the shared read
// keeps running for the others.
func (l *Loader) Load(ctx context.Context) Result {
	rows, ok, gen := l.cachedRows()
	if ok {
		return Result{Listings: rows, Cached: true}
	}

	ch := l.group.DoChan(fmt.Sprintf("%s/%d", loadKey, gen), func() (any, error) {
		if rows, ok, cur := l.cachedRows(); ok && cur == gen {
			return Result{Listings: rows, Cached: true}, nil
		}
		res := l.loadWithRetry(context.WithoutCancel(ctx))
		if res.Err == nil {
			l.store(gen, res.Listings)
		}
		return res, nil
	})

	select {
	case r := <-ch:
		res := r.Val.(Result)
		res.Listings = copyRows(res.Listings)
		return res
	case <-ctx.Done():
		return Result{Listings: []model.Listing{}, Err: ctx.Err()}
	}
}

// ForceReload drops the cache and loads again. It never joins a read that
// started before the call, since that read may predate changes the caller
// wants to see.
func (l *Loader) ForceReload(ctx context.Context) Result {
	l.Invalidate()
	return l.Load(ctx)
}

// Invalidate drops the cached listings. The cache never expires on its own.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cached = nil
	l.hasCache = false
	l.gen++
}

func (l *Loader) loadWithRetry(ctx context.Context) Result {
	var lastErr error
	for attempt := 1; attempt <= l.opts.MaxRetries; attempt++ {
		rows, err := l.attempt(ctx)
		if err == nil {
			if rows == nil {
				rows = []model.Listing{}
			}
			return Result{Listings: rows, Attempts: attempt}
		}
		lastErr = err
		l.log.Warn("force load attempt failed",
			"attempt", attempt, "max", l.opts.MaxRetries, "err", err)

		if attempt < l.opts.MaxRetries {
			if err := l.wait(ctx, l.opts.RetryDelay*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	l.log.Error("force load gave up, serving empty result",
		"attempts", l.opts.MaxRetries, "err", lastErr)
	return Result{
		Listings: []model.Listing{},
		Err:      fmt.Errorf("%w after %d attempts: %v", ErrExhausted, l.opts.MaxRetries, lastErr),
		Attempts: l.opts.MaxRetries,
	}
}

type fetchResult struct {
	rows []model.Listing
	err  error
}

// attempt races one fetch against the per-attempt timeout. A fetch that
// ignores its context is abandoned, not awaited.
func (l *Loader) attempt(ctx context.Context) ([]model.Listing, error) {
	if l.opts.Timeout <= 0 {
		return l.fetch(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		rows, err := l.fetch(ctx)
		done <- fetchResult{rows: rows, err: err}
	}()

	select {
	case r := <-done:
		return r.rows, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("bulk read timed out after %s: %w", l.opts.Timeout, ctx.Err())
	}
}

func (l *Loader) cachedRows() ([]model.Listing, bool, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasCache {
		return nil, false, l.gen
	}
	return copyRows(l.cached), true, l.gen
}

// store caches rows unless the cache was invalidated after gen started.
func (l *Loader) store(gen uint64, rows []model.Listing) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.cached = copyRows(rows)
	l.hasCache = true
}

func copyRows(in []model.Listing) []model.Listing {
	out := make([]model.Listing, len(in))
	copy(out, in)
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
