package pingguard

import (
	"context"
	"fmt"

	"modnotify/internal/clock"
	"modnotify/internal/moderation"
)

// Counter stores per-guild daily ping counts. ConsumePing must be atomic: it
// increments only while the count is below limit.
type Counter interface {
	ConsumePing(ctx context.Context, guildID, day string, limit int) (bool, int, error)
	PingCount(ctx context.Context, guildID, day string) (int, error)
}

type Result struct {
	Allowed bool
	Count   int
	Limit   int
}

// Guard enforces the daily @everyone/@here quota. Administrators are not exempt.
type Guard struct {
	counter Counter
	clock   clock.Clock
	limit   int
}

func NewGuard(counter Counter, clk clock.Clock, limit int) *Guard {
	if clk == nil {
		clk = clock.Real()
	}
	if limit < 0 {
		limit = 0
	}
	return &Guard{counter: counter, clock: clk, limit: limit}
}

// CheckAndConsume admits one mass mention for guildID if today's count is below
// the limit. A denied attempt leaves the counter untouched.
func (g *Guard) CheckAndConsume(ctx context.Context, guildID string) (Result, error) {
	day := moderation.DayKey(g.clock.Now())
	allowed, count, err := g.counter.ConsumePing(ctx, guildID, day, g.limit)
	if err != nil {
		return Result{}, fmt.Errorf("consume ping %s/%s: %w", guildID, day, err)
	}
	return Result{Allowed: allowed, Count: count, Limit: g.limit}, nil
}

// Status reports today's count without consuming anything.
func (g *Guard) Status(ctx context.Context, guildID string) (Result, error) {
	day := moderation.DayKey(g.clock.Now())
	count, err := g.counter.PingCount(ctx, guildID, day)
	if err != nil {
		return Result{}, err
	}
	return Result{Allowed: count < g.limit, Count: count, Limit: g.limit}, nil
}
