package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"otad/pkg/errdefs"
)

const keyPrefix = "otad:session:"

// recordScript updates the streak atomically. KEYS[1] is the session hash;
// ARGV is the poll time, the minimum interval, and the key TTL, all in ms.
var recordScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last')
local streak = tonumber(redis.call('HGET', KEYS[1], 'streak') or '0')
local at = tonumber(ARGV[1])
if last then
  local gap = at - tonumber(last)
  if gap >= 0 and gap < tonumber(ARGV[2]) then
    streak = streak + 1
  else
    streak = 0
  end
else
  streak = 0
end
redis.call('HSET', KEYS[1], 'last', ARGV[1], 'streak', streak)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return streak
`)

// RedisTracker shares poll state across replicas through Redis hashes that
// expire once a controller has been quiet for a while.
type RedisTracker struct {
	client redis.UniversalClient
	policy Policy
	ttl    time.Duration
}

// NewRedisTracker returns a tracker storing state in client.
func NewRedisTracker(client redis.UniversalClient, p Policy) (*RedisTracker, error) {
	if client == nil {
		return nil, errors.New("session: redis client is required")
	}
	p = p.withDefaults()
	return &RedisTracker{client: client, policy: p, ttl: 2 * p.Max}, nil
}

func (r *RedisTracker) RecordPoll(ctx context.Context, controllerID string, at time.Time) error {
	err := recordScript.Run(ctx, r.client, []string{keyPrefix + controllerID},
		at.UnixMilli(), r.policy.MinInterval.Milliseconds(), r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("record poll: %w", classify(err))
	}
	return nil
}

func (r *RedisTracker) SuggestedBackoff(ctx context.Context, controllerID string) (time.Duration, error) {
	raw, err := r.client.HGet(ctx, keyPrefix+controllerID, "streak").Result()
	if errors.Is(err, redis.Nil) {
		return r.policy.Hint(0), nil
	}
	if err != nil {
		return r.policy.Hint(0), fmt.Errorf("read session: %w", classify(err))
	}
	streak, err := strconv.Atoi(raw)
	if err != nil {
		return r.policy.Hint(0), fmt.Errorf("decode streak %q: %w", raw, err)
	}
	return r.policy.Hint(streak), nil
}

func classify(err error) error {
	if errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", errdefs.ErrStorageUnavailable, err)
}
