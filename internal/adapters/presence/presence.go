// Package presence mirrors room membership into Redis so other processes
// (dashboards, a second relay) can see who is where.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/ezstream/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func RoomKey(room domain.RoomID) string {
	return "room:" + string(room) + ":peers"
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
)

type op struct {
	kind opKind
	room domain.RoomID
	conn domain.ConnID
}

// store is the Redis surface the mirror needs.
type store interface {
	add(ctx context.Context, key, member string, ttl time.Duration) error
	remove(ctx context.Context, key, member string) error
}

type redisStore struct {
	rdb *redis.Client
}

func (s redisStore) add(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, member)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (s redisStore) remove(ctx context.Context, key, member string) error {
	return s.rdb.SRem(ctx, key, member).Err()
}

// Mirror applies membership changes in order on a single worker. Callers
// never block: when the queue is full the update is dropped and logged.
// Updates arriving after Close are dropped.
type Mirror struct {
	store  store
	ttl    time.Duration
	ops    chan op
	done   chan struct{}
	closer func() error

	mu     sync.Mutex
	closed bool
}

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Connect dials Redis and starts the worker.
func Connect(ctx context.Context, opts Options) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	m := newMirror(redisStore{rdb: rdb}, opts.TTL, 1024)
	m.closer = rdb.Close
	log.Info().Str("module", "presence").Str("addr", opts.Addr).Msg("redis presence enabled")
	return m, nil
}

func newMirror(s store, ttl time.Duration, depth int) *Mirror {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	m := &Mirror{
		store: s,
		ttl:   ttl,
		ops:   make(chan op, depth),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mirror) Joined(room domain.RoomID, conn domain.ConnID) {
	m.enqueue(op{kind: opAdd, room: room, conn: conn})
}

func (m *Mirror) Left(room domain.RoomID, conn domain.ConnID) {
	m.enqueue(op{kind: opRemove, room: room, conn: conn})
}

func (m *Mirror) enqueue(o op) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		log.Debug().Str("module", "presence").Str("room", string(o.room)).Str("conn", string(o.conn)).Msg("presence closed, update dropped")
		return
	}
	select {
	case m.ops <- o:
	default:
		log.Warn().Str("module", "presence").Str("room", string(o.room)).Str("conn", string(o.conn)).Msg("presence queue full, update dropped")
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for o := range m.ops {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var err error
		switch o.kind {
		case opAdd:
			err = m.store.add(ctx, RoomKey(o.room), string(o.conn), m.ttl)
		case opRemove:
			err = m.store.remove(ctx, RoomKey(o.room), string(o.conn))
		}
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("room", string(o.room)).Msg("redis update failed")
		}
	}
}

// Close drains pending updates and closes the client. Safe to call more
// than once.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	close(m.ops)
	m.mu.Unlock()

	<-m.done
	if m.closer != nil {
		return m.closer()
	}
	return nil
}
