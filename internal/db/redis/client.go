// Package redis keeps amcat's registry, role assignments, coordination
// locks and embedding cache in Redis.
//
// Three kinds of keys live side by side:
//   - records are hashes whose __version field is bumped by a Lua script on
//     every write, so a stale expected version never overwrites newer data;
//   - locks are SET NX PX leases under amcat:lock:, each carrying a random
//     token that only its holder can release;
//   - cache values are plain strings with a TTL and no version.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/rueidis"

	"github.com/kailas-cloud/amcat/internal/db"
)

var _ db.Store = (*Store)(nil)

const (
	defaultClientName    = "amcat"
	defaultReadyInterval = 100 * time.Millisecond
)

// Config holds connection parameters for a Redis store.
type Config struct {
	Addrs    []string
	Username string
	Password string
	DB       int
	// ClientName shows up in CLIENT LIST. Defaults to "amcat".
	ClientName string
	// WriteTimeout bounds each round trip, version scripts included.
	// Zero keeps the rueidis default.
	WriteTimeout time.Duration
	// ReadyInterval spaces readiness pings. Defaults to 100ms.
	ReadyInterval time.Duration
}

// Store implements db.Store over rueidis.
type Store struct {
	client        rueidis.Client
	readyInterval time.Duration
}

// NewStore connects to Redis. Server-assisted client caching stays off:
// every record read must see the latest version.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:      cfg.Addrs,
		Username:         cfg.Username,
		Password:         cfg.Password,
		SelectDB:         cfg.DB,
		ClientName:       cfg.ClientName,
		ConnWriteTimeout: cfg.WriteTimeout,
		DisableCache:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis %v: %w", cfg.Addrs, err)
	}
	return newStore(client, cfg.ReadyInterval), nil
}

func newStore(c rueidis.Client, readyInterval time.Duration) *Store {
	if readyInterval <= 0 {
		readyInterval = defaultReadyInterval
	}
	return &Store{client: c, readyInterval: readyInterval}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.do(ctx, s.b().Ping().Build()).Error(); err != nil {
		return &db.Error{Op: db.OpPing, Err: err}
	}
	return nil
}

// Close shuts down the client. Leases still held expire on their own.
func (s *Store) Close() {
	s.client.Close()
}

// WaitForReady pings until Redis answers or timeout passes.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.readyInterval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return fmt.Errorf("redis not ready after %s: %w", timeout, err)
	}
	return nil
}

func (s *Store) do(ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	return s.client.Do(ctx, cmd)
}

func (s *Store) b() rueidis.Builder {
	return s.client.B()
}
