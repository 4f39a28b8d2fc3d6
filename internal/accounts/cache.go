// ABOUTME: Session cache for the multi-account pool variant, backed by Redis hashes
// ABOUTME: Stores serialized transport sessions and user ids keyed by account username

package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// SalesRep is one pooled account.
type SalesRep struct {
	ID        string
	Username  string
	Password  string
	Available bool
	Country   string
	City      string
}

// Session is a cached transport session for one pooled account.
type Session struct {
	// Instance is the serialized transport session state the transport agent
	// restores on login.
	Instance []byte
	UserID   int64
}

// redisClient is the slice of the Redis API the cache uses. Satisfied by
// *redis.Client.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache stores pooled account sessions in Redis, one hash per username.
type Cache struct {
	rdb    redisClient
	logger *slog.Logger
}

// NewCache creates a session cache over the given Redis client. Pass nil
// logger for the default.
func NewCache(rdb *redis.Client, logger *slog.Logger) *Cache {
	return newCache(rdb, logger)
}

func newCache(rdb redisClient, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		rdb:    rdb,
		logger: logger.With("component", "accounts"),
	}
}

// Put stores the session for username.
func (c *Cache) Put(ctx context.Context, username string, sess Session) error {
	if err := c.rdb.HSet(ctx, username,
		"instance", sess.Instance,
		"user_id", strconv.FormatInt(sess.UserID, 10),
	).Err(); err != nil {
		return fmt.Errorf("caching session for %s: %w", username, err)
	}

	c.logger.Info("session cached", "username", username)
	return nil
}

// Get returns the cached session for username, or an error when none exists.
func (c *Cache) Get(ctx context.Context, username string) (*Session, error) {
	fields, err := c.rdb.HGetAll(ctx, username).Result()
	if err != nil {
		return nil, fmt.Errorf("loading session for %s: %w", username, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no cached session for %s", username)
	}

	userID, err := strconv.ParseInt(fields["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing cached user id for %s: %w", username, err)
	}

	return &Session{
		Instance: []byte(fields["instance"]),
		UserID:   userID,
	}, nil
}

// Delete removes the cached session for username. Used on logout.
func (c *Cache) Delete(ctx context.Context, username string) error {
	if err := c.rdb.Del(ctx, username).Err(); err != nil {
		return fmt.Errorf("deleting session for %s: %w", username, err)
	}

	c.logger.Info("session evicted", "username", username)
	return nil
}
