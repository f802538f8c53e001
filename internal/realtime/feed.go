package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is a control signal emitted by a Transport.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
)

// Message is one item of a subscription stream: either a status signal or,
// when Status is empty, a change payload.
type Message struct {
	Status  Status
	Payload []byte
	Err     error
}

// Transport opens change-feed subscriptions. The returned channel yields
// StatusSubscribed once the subscription is live, payloads after that, and
// is closed when the subscription ends. Cancelling ctx releases it.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
}

// State is the lifecycle state of one Feed.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateError
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// FeedOptions tune reconnects. Zero values fall back to the defaults below.
type FeedOptions struct {
	Topic        string
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
}

const (
	DefaultMaxRetries   = 3
	DefaultBaseBackoff  = time.Second
	DefaultMaxBackoff   = 10 * time.Second
	DefaultPollInterval = 30 * time.Second
)

func (o FeedOptions) withDefaults() FeedOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Backoff returns the reconnect delay before retry number attempt (1-based):
// base doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Feed drives one logical subscription through its state machine:
//
//	Idle -> Subscribing -> Active
//	Subscribing|Active -> Error -> (backoff) -> Subscribing
//	Error, after MaxRetries consecutive failures -> Degraded (polling)
//	any -> Idle on cancellation
type Feed struct {
	name      string
	transport Transport
	opts      FeedOptions
	onPayload func(ctx context.Context, payload []byte)
	onPoll    func(ctx context.Context) error
	onState   func(name string, s State)
	log       *slog.Logger
	wait      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	attempt int
}

// NewFeed returns an idle feed. onPayload runs for every payload received
// while Active. onPoll runs every PollInterval once the feed is Degraded.
func NewFeed(
	name string,
	transport Transport,
	opts FeedOptions,
	onPayload func(ctx context.Context, payload []byte),
	onPoll func(ctx context.Context) error,
	logger *slog.Logger,
) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		name:      name,
		transport: transport,
		opts:      opts.withDefaults(),
		onPayload: onPayload,
		onPoll:    onPoll,
		log:       logger.With("feed", name),
		wait:      sleep,
	}
}

// OnStateChange registers a hook called on every transition. Set it before Run.
func (f *Feed) OnStateChange(fn func(name string, s State)) { f.onState = fn }

// State returns the current state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Run subscribes and keeps the feed alive until ctx is cancelled. It only
// returns once the feed is back to Idle.
func (f *Feed) Run(ctx context.Context) error {
	defer f.setState(StateIdle)

	for {
		if ctx.Err() != nil {
			return nil
		}

		f.setState(StateSubscribing)
		f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		f.setState(StateError)
		attempt := f.nextAttempt()
		if attempt > f.opts.MaxRetries {
			f.log.Warn("realtime retries exhausted, falling back to polling",
				"attempts", attempt-1, "interval", f.opts.PollInterval)
			return f.poll(ctx)
		}

		delay := Backoff(attempt, f.opts.BaseBackoff, f.opts.MaxBackoff)
		f.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		if err := f.wait(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs a single subscription until it fails or ctx ends.
func (f *Feed) session(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, err := f.transport.Subscribe(subCtx, f.opts.Topic)
	if err != nil {
		f.log.Warn("subscribe failed", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				f.log.Warn("subscription closed")
				return
			}
			switch m.Status {
			case StatusSubscribed:
				f.mu.Lock()
				f.attempt = 0
				f.mu.Unlock()
				f.setState(StateActive)
			case StatusChannelError, StatusTimedOut:
				f.log.Warn("subscription failed", "status", m.Status, "err", m.Err)
				return
			case "":
				if f.State() != StateActive {
					f.log.Debug("dropping payload received before subscription confirmed")
					continue
				}
				if ctx.Err() != nil {
					return
				}
				f.onPayload(ctx, m.Payload)
			default:
				f.log.Debug("ignoring status", "status", m.Status)
			}
		}
	}
}

func (f *Feed) poll(ctx context.Context) error {
	f.setState(StateDegraded)
	for {
		if err := f.wait(ctx, f.opts.PollInterval); err != nil {
			return nil
		}
		if f.onPoll == nil {
			continue
		}
		if err := f.onPoll(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn("poll failed", "err", err)
		}
	}
}

func (f *Feed) nextAttempt() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempt++
	return f.attempt
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	changed := f.state != s
	f.state = s
	f.mu.Unlock()

	if !changed {
		return
	}
	f.log.Debug("state change", "state", s.String())
	if f.onState != nil {
		f.onState(f.name, s)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
