// Package lease provides a Redis-backed lease store for deployments that
// keep checkout state out of the primary database. Atomicity lives in Lua
// scripts: acquire-with-reclaim and holder-conditional release each run as
// one server-side step, so concurrent checkouts race inside Redis rather
// than in the application.
package lease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unimbecilee/esag-ged-sub000/internal/store"
)

// Leases carry an absolute expiry instead of a Redis TTL: an expired lease
// must stay visible from Status until it is checked in or reclaimed, which
// a TTL eviction would violate.
var acquireScript = redis.NewScript(`
local expires = redis.call('HGET', KEYS[1], 'expires_at')
if expires and tonumber(expires) > tonumber(ARGV[1]) then
  local holder = redis.call('HGET', KEYS[1], 'holder_id')
  local created = redis.call('HGET', KEYS[1], 'created_at')
  local hours = redis.call('HGET', KEYS[1], 'duration_hours')
  return {0, holder, created, expires, hours}
end
redis.call('HSET', KEYS[1], 'holder_id', ARGV[2], 'created_at', ARGV[1], 'expires_at', ARGV[3], 'duration_hours', ARGV[4])
return {1, ARGV[2], ARGV[1], ARGV[3], ARGV[4]}
`)

var releaseScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder_id')
if not holder then
  return -1
end
if ARGV[1] ~= '' and holder ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "lease:"}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "lease:"}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

// TryCreateLease acquires the lease when none exists or the existing one
// has expired, in a single atomic step. Returns the winning lease and true,
// or the currently held lease and false.
func (s *RedisStore) TryCreateLease(ctx context.Context, documentID, holderID string, durationHours int, now time.Time) (store.Lease, bool, error) {
	expiresAt := now.Add(time.Duration(durationHours) * time.Hour)
	result, err := acquireScript.Run(ctx, s.client, []string{s.key(documentID)},
		now.Unix(), holderID, expiresAt.Unix(), durationHours).Slice()
	if err != nil {
		return store.Lease{}, false, fmt.Errorf("acquire lease: %w", err)
	}
	if len(result) != 5 {
		return store.Lease{}, false, fmt.Errorf("acquire lease: unexpected reply %v", result)
	}

	acquired, err := toInt64(result[0])
	if err != nil {
		return store.Lease{}, false, fmt.Errorf("acquire lease: %w", err)
	}
	lease, err := decodeLease(documentID, result[1], result[2], result[3], result[4])
	if err != nil {
		return store.Lease{}, false, fmt.Errorf("acquire lease: %w", err)
	}
	return lease, acquired == 1, nil
}

func (s *RedisStore) GetLease(ctx context.Context, documentID string) (*store.Lease, error) {
	fields, err := s.client.HGetAll(ctx, s.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	lease, err := decodeLease(documentID, fields["holder_id"], fields["created_at"], fields["expires_at"], fields["duration_hours"])
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return &lease, nil
}

// DeleteLease removes the lease conditionally: an empty expectedHolder
// forces the delete, otherwise the stored holder must match.
func (s *RedisStore) DeleteLease(ctx context.Context, documentID, expectedHolder string) (bool, error) {
	result, err := releaseScript.Run(ctx, s.client, []string{s.key(documentID)}, expectedHolder).Int64()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return result == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeLease(documentID string, holder, created, expires, hours any) (store.Lease, error) {
	holderID, ok := holder.(string)
	if !ok {
		return store.Lease{}, fmt.Errorf("lease holder missing for %s", documentID)
	}
	createdAt, err := toUnixTime(created)
	if err != nil {
		return store.Lease{}, err
	}
	expiresAt, err := toUnixTime(expires)
	if err != nil {
		return store.Lease{}, err
	}
	durationHours, err := toInt64(hours)
	if err != nil {
		return store.Lease{}, err
	}
	return store.Lease{
		DocumentID:    documentID,
		HolderID:      holderID,
		DurationHours: int(durationHours),
		CreatedAt:     createdAt,
		ExpiresAt:     expiresAt,
	}, nil
}

func toUnixTime(value any) (time.Time, error) {
	seconds, err := toInt64(value)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0).UTC(), nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse lease field %q: %w", v, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("unexpected lease field type %T", value)
	}
}
