package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptTransport replays one scripted session per Subscribe call. Past the
// end of the script every session repeats the last entry.
type scriptTransport struct {
	mu       sync.Mutex
	sessions [][]Message
	hold     []bool
	calls    int
	err      error
}

func (s *scriptTransport) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	if s.err != nil {
		s.mu.Unlock()
		return nil, s.err
	}
	if i >= len(s.sessions) {
		i = len(s.sessions) - 1
	}
	msgs, hold := s.sessions[i], i < len(s.hold) && s.hold[i]
	s.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		for _, m := range msgs {
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (s *scriptTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) Waits() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

func TestBackoff_Sequence(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		10000 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, Backoff(i+1, DefaultBaseBackoff, DefaultMaxBackoff), "attempt %d", i+1)
	}
	assert.Equal(t, DefaultMaxBackoff, Backoff(30, DefaultBaseBackoff, DefaultMaxBackoff))
	assert.Equal(t, DefaultBaseBackoff, Backoff(0, DefaultBaseBackoff, DefaultMaxBackoff))
}

func TestFeed_ChannelErrorsBackOffThenDegradeToPolling(t *testing.T) {
	tr := &scriptTransport{sessions: [][]Message{{{Status: StatusChannelError}}}}
	rec := &waitRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	polls := 0
	f := NewFeed(FeedListings, tr, FeedOptions{Topic: "vagas"},
		func(context.Context, []byte) { t.Fatal("no payload expected") },
		func(context.Context) error {
			polls++
			if polls == 2 {
				cancel()
			}
			return nil
		}, nil)
	f.wait = rec.wait

	var states []State
	f.OnStateChange(func(_ string, s State) { states = append(states, s) })

	require.NoError(t, f.Run(ctx))

	assert.Equal(t, 4, tr.Calls(), "three reconnects after the first failure, none after the fourth")
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, rec.Waits())
	assert.Equal(t, 2, polls)
	assert.Equal(t, []State{
		StateSubscribing, StateError,
		StateSubscribing, StateError,
		StateSubscribing, StateError,
		StateSubscribing, StateError,
		StateDegraded, StateIdle,
	}, states)
}

func TestFeed_SubscribedResetsAttempts(t *testing.T) {
	tr := &scriptTransport{sessions: [][]Message{
		{{Status: StatusChannelError}},
		{{Status: StatusSubscribed}, {Status: StatusTimedOut}},
		{{Status: StatusChannelError}},
	}}
	rec := &waitRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFeed(FeedListings, tr, FeedOptions{}, func(context.Context, []byte) {}, nil, nil)
	f.wait = func(ctx context.Context, d time.Duration) error {
		_ = rec.wait(ctx, d)
		if len(rec.Waits()) == 3 {
			cancel()
		}
		return ctx.Err()
	}

	require.NoError(t, f.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second, time.Second, 2 * time.Second}, rec.Waits())
}

func TestFeed_SubscribeErrorCountsAsFailure(t *testing.T) {
	tr := &scriptTransport{err: errors.New("dial tcp: refused")}
	rec := &waitRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := NewFeed(FeedClients, tr, FeedOptions{MaxRetries: 1}, func(context.Context, []byte) {},
		func(context.Context) error { cancel(); return nil }, nil)
	f.wait = rec.wait

	require.NoError(t, f.Run(ctx))
	assert.Equal(t, 2, tr.Calls())
	assert.Equal(t, []time.Duration{time.Second, 30 * time.Second, 30 * time.Second}, rec.Waits())
}

func TestFeed_PayloadsOnlyAppliedWhileActive(t *testing.T) {
	tr := &scriptTransport{
		sessions: [][]Message{{
			{Payload: []byte("early")},
			{Status: StatusSubscribed},
			{Payload: []byte("one")},
			{Payload: []byte("two")},
		}},
		hold: []bool{true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	f := NewFeed(FeedListings, tr, FeedOptions{}, func(_ context.Context, p []byte) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, f.State())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, StateIdle, f.State())
	assert.Equal(t, 1, tr.Calls())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "unknown", State(42).String())
}
