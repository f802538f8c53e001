package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTransport listens on a NOTIFY channel fed by the vagas trigger.
// Each subscription takes its own connection out of the pool for its whole
// lifetime.
type PostgresTransport struct {
	pool             *pgxpool.Pool
	channel          string
	subscribeTimeout time.Duration
	log              *slog.Logger
}

// NewPostgresTransport returns a transport listening on channel. A
// subscription not confirmed within subscribeTimeout reports TIMED_OUT.
func NewPostgresTransport(pool *pgxpool.Pool, channel string, subscribeTimeout time.Duration) *PostgresTransport {
	return &PostgresTransport{
		pool:             pool,
		channel:          channel,
		subscribeTimeout: subscribeTimeout,
		log:              slog.Default().With("transport", "postgres", "channel", channel),
	}
}

// Subscribe implements Transport. topic is informational: the trigger puts
// the table name inside each payload and Decode filters on it.
func (t *PostgresTransport) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	out := make(chan Message, 16)
	go t.run(ctx, topic, out)
	return out, nil
}

func (t *PostgresTransport) run(ctx context.Context, topic string, out chan<- Message) {
	defer close(out)

	conn, err := t.listen(ctx)
	if err != nil {
		status := StatusChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			status = StatusTimedOut
		}
		emit(ctx, out, Message{Status: status, Err: err})
		return
	}
	// A LISTENing connection must not go back to the pool.
	defer conn.Close(context.Background())

	t.log.Info("listening", "topic", topic)
	if !emit(ctx, out, Message{Status: StatusSubscribed}) {
		return
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(ctx, out, Message{Status: StatusChannelError, Err: fmt.Errorf("wait for notification: %w", err)})
			return
		}
		if !emit(ctx, out, Message{Payload: []byte(n.Payload)}) {
			return
		}
	}
}

func (t *PostgresTransport) listen(ctx context.Context) (*pgx.Conn, error) {
	sctx := ctx
	if t.subscribeTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, t.subscribeTimeout)
		defer cancel()
	}

	pc, err := t.pool.Acquire(sctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	conn := pc.Hijack()

	if _, err := conn.Exec(sctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", t.channel, err)
	}
	return conn, nil
}

// emit delivers m unless ctx ends first.
func emit(ctx context.Context, out chan<- Message, m Message) bool {
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}
