package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kycgate/pkg/requestcontext"
)

// slidingWindowScript trims the sorted set to the window, then adds the new
// member only when under the limit. Runs atomically on the server.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	return 0
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisBucketStore is a sliding window shared by every instance.
type RedisBucketStore struct {
	client *redis.Client
	prefix string
}

func NewRedisBucketStore(client *redis.Client) *RedisBucketStore {
	return &RedisBucketStore{client: client, prefix: "kyc:otp:dest:"}
}

func (s *RedisBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := requestcontext.Now(ctx)
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.Itoa(limit),
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis sliding window: %w", err)
	}
	return res == 1, nil
}

func (s *RedisBucketStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset sliding window: %w", err)
	}
	return nil
}
