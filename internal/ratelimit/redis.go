package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript adds the cost to the window counter only when the result stays
// within the ceiling, so a denied request never moves the count.
var allowScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[3])
if current + cost > tonumber(ARGV[1]) then
  return 0
end
redis.call('INCRBY', KEYS[1], cost)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// RedisStore shares windows between instances.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "realtime:rl"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Allow(ctx context.Context, class Class, identity string, rule Rule, now time.Time, n int) (bool, error) {
	idx := windowIndex(now, rule.Window)
	key := fmt.Sprintf("%s:%s:%s:%d", s.prefix, class, identity, idx)

	res, err := allowScript.Run(ctx, s.client, []string{key}, rule.Ceiling, rule.Window.Milliseconds(), n).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
