package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Commit-if-absent and instance registration happen in one script so no
// caller can observe a winner without also being counted.
var obtainScript = redis.NewScript(`
local committed = 0
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  committed = 1
end
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return {redis.call('GET', KEYS[1]), committed}
`)

var finishScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[2])
if n <= 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
end
return n
`)

// RedisLock keeps the lock state in two Redis keys: the committed winner
// and a counter of active instances. Both expire after ttl.
type RedisLock struct {
	client redis.UniversalClient
	name   string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLock creates a Redis-backed lock. ttl bounds how long a state
// abandoned by crashed instances survives.
func NewRedisLock(client redis.UniversalClient, name string, ttl time.Duration, logger *slog.Logger) *RedisLock {
	if name == "" {
		name = "runjoin"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLock{client: client, name: name, ttl: ttl, logger: logger}
}

func (l *RedisLock) keys() []string {
	return []string{l.name + ":winner", l.name + ":instances"}
}

// ObtainIdentifier implements Lock
func (l *RedisLock) ObtainIdentifier(ctx context.Context, candidate string) (string, bool, error) {
	res, err := obtainScript.Run(ctx, l.client, l.keys(), candidate, l.ttl.Milliseconds()).Slice()
	if err != nil {
		return "", false, fmt.Errorf("%w: redis: %w", ErrUnavailable, err)
	}

	if len(res) != 2 {
		return "", false, fmt.Errorf("%w: redis: unexpected script reply %v", ErrUnavailable, res)
	}
	winner, ok := res[0].(string)
	if !ok {
		return "", false, fmt.Errorf("%w: redis: unexpected winner %v", ErrUnavailable, res[0])
	}
	committed := res[1] == int64(1)

	l.logger.Debug("identifier arbitrated", "candidate", candidate, "winner", winner, "committed", committed)
	return winner, committed, nil
}

// FinishInstance implements Lock. Instances are counted, not named, so the
// argument only appears in diagnostics.
func (l *RedisLock) FinishInstance(ctx context.Context, instance string) error {
	left, err := finishScript.Run(ctx, l.client, l.keys()).Int64()
	if err != nil {
		return fmt.Errorf("%w: redis: %w", ErrUnavailable, err)
	}

	l.logger.Debug("instance finished", "instance", instance, "remaining", max(left, 0))
	return nil
}
