package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"pdfchat/internal/util"
)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease serializes work per key across processes using a redis SET NX lock
// with a TTL. Used to guard first-time embedding builds per document id.
type Lease struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
}

// Config for the redis lease.
type Config struct {
	Addr         string
	Password     string
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
}

// New builds a redis-backed lease.
func New(cfg Config) (*Lease, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg), nil
}

// NewWithClient builds a lease over an existing redis client.
func NewWithClient(client *redis.Client, cfg Config) *Lease {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "pdfchat:embedlock"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Lease{client: client, prefix: prefix, ttl: ttl, pollInterval: poll}
}

// Acquire blocks until the lease for key is held or ctx ends. The returned
// function releases the lease; releasing an expired lease is a no-op.
func (l *Lease) Acquire(ctx context.Context, key string) (func(), error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("lease key required")
	}
	redisKey := l.prefix + ":" + key
	token := util.NewID()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_, _ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Result()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lease: %w", ctx.Err())
		case <-time.After(l.pollInterval):
		}
	}
}
