package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"haleoracle/pkg/platform/sentinel"
)

const redisKeyPrefix = "hale:credential:"

// deleteIfMatch removes the record only when the stored code still matches,
// so concurrent consumers race on the script rather than on two round trips.
var deleteIfMatch = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec["code"] ~= ARGV[1] then
  return -1
end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisStore is the shared-cache variant of the credential table. Redis key
// expiry mirrors the record TTL, so expired codes read as not-found here
// rather than as ErrExpired; callers treat both as a dead credential.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Issue(ctx context.Context, rec Record) error {
	rec.Subject = NormalizeSubject(rec.Subject)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.Subject, raw, TTL).Err(); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, subject string) (Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+NormalizeSubject(subject)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, sentinel.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load credential: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode credential: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Validate(ctx context.Context, subject, code string) error {
	rec, err := s.Get(ctx, subject)
	if err != nil {
		return err
	}
	if s.now().Sub(rec.IssuedAt) > TTL {
		return sentinel.ErrExpired
	}
	if rec.Code != code {
		return sentinel.ErrCodeMismatch
	}
	return nil
}

func (s *RedisStore) ValidateAndConsume(ctx context.Context, subject, code string) (Record, error) {
	rec, err := s.Get(ctx, subject)
	if err != nil {
		return Record{}, err
	}
	if s.now().Sub(rec.IssuedAt) > TTL {
		return Record{}, sentinel.ErrExpired
	}
	key := redisKeyPrefix + NormalizeSubject(subject)
	res, err := deleteIfMatch.Run(ctx, s.client, []string{key}, code).Int()
	if err != nil {
		return Record{}, fmt.Errorf("consume credential: %w", err)
	}
	switch res {
	case 1:
		return rec, nil
	case -1:
		return Record{}, sentinel.ErrCodeMismatch
	default:
		return Record{}, sentinel.ErrNotFound
	}
}

func (s *RedisStore) Consume(ctx context.Context, subject string) error {
	return s.client.Del(ctx, redisKeyPrefix+NormalizeSubject(subject)).Err()
}
