package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport subscribes to the channel the listing repository publishes
// change envelopes on.
type RedisTransport struct {
	rdb              *redis.Client
	channel          string
	subscribeTimeout time.Duration
	log              *slog.Logger
}

// NewRedisTransport returns a Pub/Sub backed transport.
func NewRedisTransport(rdb *redis.Client, channel string, subscribeTimeout time.Duration) *RedisTransport {
	return &RedisTransport{
		rdb:              rdb,
		channel:          channel,
		subscribeTimeout: subscribeTimeout,
		log:              slog.Default().With("transport", "redis", "channel", channel),
	}
}

// Subscribe implements Transport.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	out := make(chan Message, 16)
	go t.run(ctx, topic, out)
	return out, nil
}

func (t *RedisTransport) run(ctx context.Context, topic string, out chan<- Message) {
	defer close(out)

	ps := t.rdb.Subscribe(ctx, t.channel)
	defer ps.Close()

	if err := t.confirm(ctx, ps); err != nil {
		status := StatusChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			status = StatusTimedOut
		}
		emit(ctx, out, Message{Status: status, Err: err})
		return
	}

	t.log.Info("subscribed", "topic", topic)
	if !emit(ctx, out, Message{Status: StatusSubscribed}) {
		return
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				emit(ctx, out, Message{Status: StatusChannelError, Err: errors.New("redis subscription channel closed")})
				return
			}
			if !emit(ctx, out, Message{Payload: []byte(msg.Payload)}) {
				return
			}
		}
	}
}

// confirm waits for the server's subscription acknowledgement.
func (t *RedisTransport) confirm(ctx context.Context, ps *redis.PubSub) error {
	sctx := ctx
	if t.subscribeTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, t.subscribeTimeout)
		defer cancel()
	}

	reply, err := ps.Receive(sctx)
	if err != nil {
		return fmt.Errorf("redis subscribe %s: %w", t.channel, err)
	}
	if _, ok := reply.(*redis.Subscription); !ok {
		return fmt.Errorf("redis subscribe %s: unexpected reply %T", t.channel, reply)
	}
	return nil
}
