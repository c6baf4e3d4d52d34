package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/focushive/focushive/backend/errs"
)

// Lua script for atomic compare-and-set. The value lives in a hash so
// version and payload move together; a single script execution is the
// only mutation path, so no read-modify-write race is possible.
const casScript = `
local current = redis.call("HGET", KEYS[1], "version")
local expected = tonumber(ARGV[1])
if (not current and expected ~= 0) or (current and tonumber(current) ~= expected) then
    return 0
end
redis.call("HSET", KEYS[1],
    "value", ARGV[2],
    "version", expected + 1,
    "timestamp", ARGV[4])
if tonumber(ARGV[3]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
else
    redis.call("PERSIST", KEYS[1])
end
return 1
`

// RedisStore implements KeyValueStore on a single Redis instance or
// cluster endpoint.
type RedisStore struct {
	client *redis.Client
	casSHA string
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// Preload the CAS script so the hot path sends only the SHA.
	sha, err := client.ScriptLoad(ctx, casScript).Result()
	if err != nil {
		return nil, errors.New("store: failed to preload cas script: " + err.Error())
	}

	return &RedisStore{client: client, casSHA: sha}, nil
}

// NewRedisStoreFromClient wraps an existing client (used by tests with
// miniredis).
func NewRedisStoreFromClient(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	sha, err := client.ScriptLoad(ctx, casScript).Result()
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, casSHA: sha}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.NotFound("key %q", key)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "store get")
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, err, "store set")
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, err, "store setnx")
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, err, "store delete")
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, err, "store exists")
	}
	return n > 0, nil
}

func (s *RedisStore) GetVersioned(ctx context.Context, key string) (*VersionedValue, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "store hgetall")
	}
	if len(fields) == 0 {
		return nil, errs.NotFound("key %q", key)
	}
	var v VersionedValue
	v.Value = []byte(fields["value"])
	if raw, ok := fields["version"]; ok {
		if err := json.Unmarshal([]byte(raw), &v.Version); err != nil {
			return nil, errs.Internal("store: malformed version on %q", key)
		}
	}
	if raw, ok := fields["timestamp"]; ok {
		_ = json.Unmarshal([]byte(raw), &v.Timestamp)
	}
	return &v, nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key string, expected int64, value []byte, ttl time.Duration) (bool, error) {
	res, err := s.client.EvalSha(ctx, s.casSHA,
		[]string{key}, expected, value, ttl.Milliseconds(), time.Now().Unix()).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		// Redis restarted and lost the script cache; reload and retry.
		if s.casSHA, err = s.client.ScriptLoad(ctx, casScript).Result(); err == nil {
			res, err = s.client.EvalSha(ctx, s.casSHA,
				[]string{key}, expected, value, ttl.Milliseconds(), time.Now().Unix()).Result()
		}
	}
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, err, "store cas")
	}
	n, ok := res.(int64)
	if !ok {
		return false, errs.Internal("store: unexpected cas result %T", res)
	}
	return n == 1, nil
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// Versioned records are hashes; plain records are strings.
		kind, err := s.client.Type(ctx, key).Result()
		if err != nil {
			continue
		}
		switch kind {
		case "hash":
			val, err := s.client.HGet(ctx, key, "value").Bytes()
			if err == nil {
				out[key] = val
			}
		default:
			val, err := s.client.Get(ctx, key).Bytes()
			if err == nil {
				out[key] = val
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "store scan")
	}
	return out, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errs.Wrap(errs.KindTransient, err, "store publish")
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := s.client.PSubscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, errs.Wrap(errs.KindTransient, err, "store subscribe")
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
