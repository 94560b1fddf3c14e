// Package lastseen mirrors the durable status of users into Redis, together with the time it was
// last changed, so that "last seen" lookups never touch Postgres
package lastseen

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "groupchat:lastseen:"

// Record is the last known status of a user and when it was set
type Record struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type Option interface {
	apply(*Redis)
}

type optionFunc func(r *Redis)

func (f optionFunc) apply(r *Redis) { f(r) }

// Prefix sets the key prefix; keys are prefix + user id
func Prefix(p string) Option {
	return optionFunc(func(r *Redis) {
		r.prefix = p
	})
}

// TTL makes records of inactive users expire
func TTL(d time.Duration) Option {
	return optionFunc(func(r *Redis) {
		r.ttl = d
	})
}

type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New checks the connection and returns a mirror writing through client
func New(ctx context.Context, client *redis.Client, opts ...Option) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r := &Redis{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt.apply(r)
	}

	return r, nil
}

func (r *Redis) key(userID string) string {
	return r.prefix + userID
}

// Record stores status as the last known status of user
func (r *Redis) Record(ctx context.Context, userID, status string, at time.Time) error {
	key := r.key(userID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "status", status, "at", at.UTC().Format(time.RFC3339Nano))
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording status of %s: %w", userID, err)
	}

	return nil
}

// Get returns the record of user; ok is false when there is none
func (r *Redis) Get(ctx context.Context, userID string) (Record, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("reading status of %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}

	at, err := time.Parse(time.RFC3339Nano, fields["at"])
	if err != nil {
		return Record{}, false, fmt.Errorf("malformed last seen time of %s: %w", userID, err)
	}

	return Record{Status: fields["status"], At: at}, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
