package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caskstorage/cask"
	logutils "github.com/caskstorage/cask/lib/utils/log"
)

var log = logutils.NewPackageLogger(cask.ComponentKey, cask.Component(cask.ComponentBroker))

// reconnectPeriod is the pause before reopening a lost notification stream.
const reconnectPeriod = time.Second

// Postgres is a Broker built on LISTEN/NOTIFY. A single dedicated
// connection carries every subscription of the process; publishes go
// through the shared pool.
type Postgres struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan string
	wake   chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPostgres starts the notification loop on the given pool. Close must
// be called on shutdown.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, trace.BadParameter("missing parameter pool")
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Postgres{
		pool:   pool,
		subs:   make(map[string]map[int]chan string),
		wake:   make(chan struct{}, 1),
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.backgroundListen(ctx)
	return b, nil
}

// Close stops the notification loop.
func (b *Postgres) Close() {
	b.cancel()
	b.wg.Wait()
}

// Publish implements Broker.
func (b *Postgres) Publish(ctx context.Context, channel, payload string) error {
	_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return trace.Wrap(err)
}

// Subscribe implements Broker.
func (b *Postgres) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan string, subscriberBufferSize)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan string)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	// Nudge the listen loop so it issues LISTEN for a new channel.
	select {
	case b.wake <- struct{}{}:
	default:
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[channel]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, channel)
			}
		}
	}
	return ch, unsubscribe, nil
}

func (b *Postgres) backgroundListen(ctx context.Context) {
	defer b.wg.Done()
	defer log.InfoContext(ctx, "Exited notification loop.")

	for {
		err := b.runListen(ctx)
		if ctx.Err() != nil {
			return
		}
		log.ErrorContext(ctx, "Notification stream lost.", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectPeriod):
		}
	}
}

// runListen owns one dedicated connection for the lifetime of the stream.
// The connection is hijacked from the pool so LISTEN state cannot leak back
// into it.
func (b *Postgres) runListen(ctx context.Context) error {
	poolConn, err := b.pool.Acquire(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	conn := poolConn.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			log.WarnContext(ctx, "Error closing notification connection.", "error", err)
		}
	}()

	listening := make(map[string]struct{})
	for {
		if err := b.syncListens(ctx, conn, listening); err != nil {
			return trace.Wrap(err)
		}

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-b.wake:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return trace.Wrap(ctx.Err())
			}
			// Woken up to refresh the LISTEN set.
			if waitCtx.Err() != nil && ctx.Err() == nil && notification == nil {
				continue
			}
			return trace.Wrap(err)
		}
		b.dispatch(notification.Channel, notification.Payload)
	}
}

func (b *Postgres) syncListens(ctx context.Context, conn *pgx.Conn, listening map[string]struct{}) error {
	b.mu.Lock()
	wanted := make([]string, 0, len(b.subs))
	for channel := range b.subs {
		wanted = append(wanted, channel)
	}
	b.mu.Unlock()

	for _, channel := range wanted {
		if _, ok := listening[channel]; ok {
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+quoteIdentifier(channel), pgx.QueryExecModeExec); err != nil {
			return trace.Wrap(err)
		}
		listening[channel] = struct{}{}
	}
	return nil
}

func (b *Postgres) dispatch(channel, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
