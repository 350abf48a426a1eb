package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// ServerPrefix is the key prefix for the per-instance set of connection IDs.
	ServerPrefix = "server:"

	// ConnTTL is the time-to-live for connection keys. The heartbeat refreshes
	// it well within this window.
	ConnTTL = 5 * time.Minute
)

// Conn is a connection record stored in Redis.
type Conn struct {
	ID         string `redis:"id"`
	Server     string `redis:"server"`      // which relay instance holds the socket
	RemoteAddr string `redis:"remote_addr"` // client address
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
	ttl        time.Duration
}

// NewStore creates a new store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, ttl: ConnTTL}
}

func connKey(id string) string { return ConnPrefix + id }

func (s *Store) serverKey() string { return ServerPrefix + s.serverName + ":conns" }

// Register stores a new connection record with TTL.
func (s *Store) Register(ctx context.Context, id, remoteAddr string) error {
	now := time.Now().Unix()
	record := map[string]interface{}{
		"id":          id,
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, connKey(id), record)
	pipe.Expire(ctx, connKey(id), s.ttl)
	pipe.SAdd(ctx, s.serverKey(), id)
	pipe.Expire(ctx, s.serverKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: register %s: %w", id, err)
	}
	return nil
}

// Refresh updates last_active and extends the TTL.
func (s *Store) Refresh(ctx context.Context, id string, lastActive time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, connKey(id), "last_active", lastActive.Unix())
	pipe.Expire(ctx, connKey(id), s.ttl)
	pipe.Expire(ctx, s.serverKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh %s: %w", id, err)
	}
	return nil
}

// Unregister removes a connection record.
func (s *Store) Unregister(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, connKey(id))
	pipe.SRem(ctx, s.serverKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: unregister %s: %w", id, err)
	}
	return nil
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Conn, error) {
	var c Conn
	if err := s.client.HGetAll(ctx, connKey(id)).Scan(&c); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	if c.ID == "" {
		return nil, nil // not found
	}
	return &c, nil
}

// Count returns the number of connections registered by this instance.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.serverKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
