package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/vagas-service/internal/visibility"
)

type fakeVisibility struct {
	visible atomic.Bool
	ch      chan visibility.Change
}

func newFakeVisibility(visible bool) *fakeVisibility {
	v := &fakeVisibility{ch: make(chan visibility.Change, 4)}
	v.visible.Store(visible)
	return v
}

func (v *fakeVisibility) Visible() bool { return v.visible.Load() }

func (v *fakeVisibility) Subscribe() (<-chan visibility.Change, func()) {
	return v.ch, func() {}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func defaultOptions() Options {
	return Options{
		Enabled:         true,
		Interval:        5 * time.Minute,
		MinInterval:     10 * time.Second,
		HiddenThreshold: 60 * time.Second,
		OnVisible:       true,
	}
}

func newTestScheduler(refresh RefreshFunc, vis Visibility) (*Scheduler, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	s := New(refresh, vis, defaultOptions(), nil)
	s.now = clock.Now
	return s, clock
}

func TestTrigger_DebouncesWithinMinInterval(t *testing.T) {
	var calls atomic.Int32
	s, clock := newTestScheduler(func(context.Context) error {
		calls.Add(1)
		return nil
	}, newFakeVisibility(true))

	assert.True(t, s.Trigger(context.Background(), ReasonTimer))
	clock.Advance(5 * time.Second)
	assert.False(t, s.Trigger(context.Background(), ReasonVisible))
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(6 * time.Second)
	assert.True(t, s.Trigger(context.Background(), ReasonTimer))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTrigger_FailedRefreshDoesNotStartDebounce(t *testing.T) {
	var calls atomic.Int32
	s, _ := newTestScheduler(func(context.Context) error {
		calls.Add(1)
		return errors.New("db down")
	}, newFakeVisibility(true))

	assert.True(t, s.Trigger(context.Background(), ReasonTimer))
	assert.True(t, s.Trigger(context.Background(), ReasonTimer))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTrigger_SkippedWhileHidden(t *testing.T) {
	var calls atomic.Int32
	vis := newFakeVisibility(false)
	s, _ := newTestScheduler(func(context.Context) error {
		calls.Add(1)
		return nil
	}, vis)

	for i := 0; i < 3; i++ {
		assert.False(t, s.Trigger(context.Background(), ReasonTimer))
	}
	assert.Zero(t, calls.Load())

	vis.visible.Store(true)
	assert.True(t, s.Trigger(context.Background(), ReasonTimer))
}

func TestTrigger_ConcurrentTriggersAreDropped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32

	s, _ := newTestScheduler(func(context.Context) error {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil
	}, newFakeVisibility(true))

	done := make(chan bool)
	go func() { done <- s.Trigger(context.Background(), ReasonTimer) }()
	<-entered

	assert.False(t, s.Trigger(context.Background(), ReasonVisible), "dropped, not queued")
	close(release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), calls.Load())
}

func TestVisibility_ReturnAfterLongIdleRefreshesImmediately(t *testing.T) {
	vis := newFakeVisibility(true)
	ran := make(chan string, 4)
	s, _ := newTestScheduler(func(context.Context) error {
		ran <- "refresh"
		return nil
	}, vis)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	vis.ch <- visibility.Change{Visible: true, HiddenFor: 30 * time.Second}
	vis.ch <- visibility.Change{Visible: true, HiddenFor: 61 * time.Second}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh after viewer returned")
	}
	select {
	case <-ran:
		t.Fatal("short absence must not refresh")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStart_DisabledDoesNothing(t *testing.T) {
	opts := defaultOptions()
	opts.Enabled = false
	s := New(func(context.Context) error { return nil }, nil, opts, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Armed())
	s.Stop()
}

func TestReload_BypassesDebounceAndRearms(t *testing.T) {
	var calls atomic.Int32
	vis := newFakeVisibility(false)
	s, _ := newTestScheduler(func(context.Context) error {
		calls.Add(1)
		return nil
	}, vis)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.True(t, s.Armed())
	first := s.entry

	require.NoError(t, s.Reload(context.Background()))
	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, s.Armed())
	assert.NotEqual(t, first, s.entry, "timer was cleared and registered again")
	assert.Len(t, s.cron.Entries(), 1)
}

func TestTimer_FiresOnSchedule(t *testing.T) {
	opts := defaultOptions()
	opts.Interval = time.Second
	opts.MinInterval = 0
	fired := make(chan struct{}, 1)

	s := New(func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}, newFakeVisibility(true), opts, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron tick did not trigger a refresh")
	}
}
