package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBus implements MessageBus with LISTEN/NOTIFY.
//
// Each subscription holds one dedicated connection taken out of the pool.
// Subjects map directly to notification channel names.
type PostgresBus struct {
	db             *pgxpool.Pool
	config         Config
	publishTimeout time.Duration

	mu     sync.Mutex
	subs   map[*pgSubscription]struct{}
	closed atomic.Bool
}

// NewPostgresBus creates a bus on top of an existing pool.
func NewPostgresBus(db *pgxpool.Pool, cfg Config) *PostgresBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &PostgresBus{
		db:             db,
		config:         cfg,
		publishTimeout: 5 * time.Second,
		subs:           make(map[*pgSubscription]struct{}),
	}
}

// Publish sends a notification on the subject channel.
func (b *PostgresBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.publishTimeout)
	defer cancel()
	if _, err := b.db.Exec(ctx, "SELECT pg_notify($1, $2)", subject, string(data)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", subject, err)
	}
	return nil
}

// Subscribe issues LISTEN on a dedicated connection.
func (b *PostgresBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	pooled, err := b.db.Acquire(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{subject}.Sanitize()); err != nil {
		cancel()
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", subject, err)
	}

	s := &pgSubscription{
		bus:    b,
		conn:   conn,
		ch:     make(chan *Message, b.config.BufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.listen(ctx)
	return s, nil
}

// Close ends every subscription. The pool itself is owned by the caller.
func (b *PostgresBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := make([]*pgSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

type pgSubscription struct {
	bus    *PostgresBus
	conn   *pgx.Conn
	ch     chan *Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// listen forwards notifications until the context is cancelled or the
// connection fails. Either way the message channel is closed.
func (s *pgSubscription) listen(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	defer s.conn.Close(context.Background())

	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			return
		}
		select {
		case s.ch <- &Message{Subject: n.Channel, Data: []byte(n.Payload)}:
		default:
			// Buffer full, drop message
		}
	}
}

// Messages returns the message channel.
func (s *pgSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe stops listening and releases the connection.
func (s *pgSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return nil
}
