package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

const pingKeyPrefix = "modnotify:pings"

// consumeScript increments KEYS[1] only while it is below ARGV[1] and refreshes
// its TTL to ARGV[2] seconds. Returns {allowed, count}.
const consumeScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or 0)
local limit = tonumber(ARGV[1])
if current >= limit then
	return {0, current}
end
current = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return {1, current}
`

// RedisCounter keeps daily ping counters in redis. Keys expire on their own so no
// purge job is needed.
type RedisCounter struct {
	client    rueidis.Client
	retention time.Duration
}

func NewRedisClient(addr string) (rueidis.Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

func NewRedisCounter(client rueidis.Client, retention time.Duration) *RedisCounter {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisCounter{client: client, retention: retention}
}

func pingKey(guildID, day string) string {
	return pingKeyPrefix + ":" + guildID + ":" + day
}

func (c *RedisCounter) ConsumePing(ctx context.Context, guildID, day string, limit int) (bool, int, error) {
	if limit <= 0 {
		count, err := c.PingCount(ctx, guildID, day)
		return false, count, err
	}
	resp := c.client.Do(ctx, c.client.B().Eval().
		Script(consumeScript).
		Numkeys(1).
		Key(pingKey(guildID, day)).
		Arg(strconv.Itoa(limit)).
		Arg(strconv.FormatInt(int64(c.retention/time.Second), 10)).
		Build())
	if err := resp.Error(); err != nil {
		return false, 0, fmt.Errorf("consume ping: %w", err)
	}
	values, err := resp.ToArray()
	if err != nil || len(values) != 2 {
		return false, 0, fmt.Errorf("consume ping: unexpected reply: %v", err)
	}
	allowed, err := values[0].AsInt64()
	if err != nil {
		return false, 0, err
	}
	count, err := values[1].AsInt64()
	if err != nil {
		return false, 0, err
	}
	return allowed == 1, int(count), nil
}

func (c *RedisCounter) PingCount(ctx context.Context, guildID, day string) (int, error) {
	count, err := c.client.Do(ctx, c.client.B().Get().Key(pingKey(guildID, day)).Build()).AsInt64()
	if rueidis.IsRedisNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
