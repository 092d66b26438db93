package correlator

import (
	"context"
	"fmt"
	"time"

	"modnotify/internal/config"
	"modnotify/internal/moderation"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// AuditSource returns the newest entries of one audit category, newest first.
type AuditSource interface {
	AuditEntries(ctx context.Context, guildID string, category moderation.AuditCategory, limit int) ([]moderation.AuditEntry, error)
}

type Correlator struct {
	source    AuditSource
	grace     time.Duration
	freshness time.Duration
	limit     int
	logger    *zap.Logger
}

// Removal is the outcome of a member-remove correlation. Entry is nil when the
// member left on their own.
type Removal struct {
	Kind  moderation.EventKind
	Entry *moderation.AuditEntry
}

type Timeout struct {
	Kind  moderation.EventKind
	Entry *moderation.AuditEntry
	Until time.Time
}

func New(source AuditSource, cfg config.CorrelationConfig, logger *zap.Logger) *Correlator {
	limit := cfg.EntryLimit
	if limit <= 0 {
		limit = 5
	}
	grace := cfg.Grace()
	if grace < 0 {
		grace = 0
	}
	return &Correlator{
		source:    source,
		grace:     grace,
		freshness: cfg.Freshness(),
		limit:     limit,
		logger:    logger,
	}
}

// Correlate waits for the audit log to catch up, then returns the first entry of
// category that targets targetID and was created within the freshness window of
// observedAt. A nil entry with a nil error means nothing matched.
func (c *Correlator) Correlate(ctx context.Context, guildID, targetID string, category moderation.AuditCategory, observedAt time.Time) (*moderation.AuditEntry, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	entries, err := c.source.AuditEntries(ctx, guildID, category, c.limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s entries: %w", category, err)
	}
	return c.match(entries, targetID, observedAt, nil), nil
}

// ResolveRemoval decides whether a member removal was a kick, a ban or a
// voluntary leave. Both categories are queried; when both match, the later entry
// wins.
func (c *Correlator) ResolveRemoval(ctx context.Context, guildID, targetID string, observedAt time.Time) (Removal, error) {
	if err := c.wait(ctx); err != nil {
		return Removal{}, err
	}

	var kickEntries, banEntries []moderation.AuditEntry
	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		entries, err := c.source.AuditEntries(ctx, guildID, moderation.CategoryMemberKick, c.limit)
		if err != nil {
			return fmt.Errorf("fetch kick entries: %w", err)
		}
		kickEntries = entries
		return nil
	})
	p.Go(func(ctx context.Context) error {
		entries, err := c.source.AuditEntries(ctx, guildID, moderation.CategoryMemberBanAdd, c.limit)
		if err != nil {
			return fmt.Errorf("fetch ban entries: %w", err)
		}
		banEntries = entries
		return nil
	})
	err := p.Wait()

	kick := c.match(kickEntries, targetID, observedAt, nil)
	ban := c.match(banEntries, targetID, observedAt, nil)
	if err != nil {
		// a failed lookup cannot prove a voluntary leave
		if kick == nil && ban == nil {
			return Removal{}, err
		}
		c.logger.Warn("partial audit fetch", zap.String("guild_id", guildID), zap.Error(err))
	}
	switch {
	case kick != nil && ban != nil:
		if kick.CreatedAt.After(ban.CreatedAt) {
			return Removal{Kind: moderation.EventKick, Entry: kick}, nil
		}
		return Removal{Kind: moderation.EventBan, Entry: ban}, nil
	case kick != nil:
		return Removal{Kind: moderation.EventKick, Entry: kick}, nil
	case ban != nil:
		return Removal{Kind: moderation.EventBan, Entry: ban}, nil
	default:
		return Removal{Kind: moderation.EventLeave}, nil
	}
}

// ResolveTimeout finds the member update entry that set or cleared the timeout
// of targetID. It returns nil when no entry explains the change.
func (c *Correlator) ResolveTimeout(ctx context.Context, guildID, targetID string, observedAt time.Time) (*Timeout, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	entries, err := c.source.AuditEntries(ctx, guildID, moderation.CategoryMemberUpdate, c.limit)
	if err != nil {
		return nil, fmt.Errorf("fetch member update entries: %w", err)
	}
	entry := c.match(entries, targetID, observedAt, func(e moderation.AuditEntry) bool {
		_, ok := e.Change(moderation.ChangeKeyTimeout)
		return ok
	})
	if entry == nil {
		return nil, nil
	}

	change, _ := entry.Change(moderation.ChangeKeyTimeout)
	until, ok := parseTimestamp(change.NewValue)
	if ok && until.After(observedAt) {
		return &Timeout{Kind: moderation.EventTimeout, Entry: entry, Until: until}, nil
	}
	return &Timeout{Kind: moderation.EventUntimeout, Entry: entry}, nil
}

func (c *Correlator) match(entries []moderation.AuditEntry, targetID string, observedAt time.Time, keep func(moderation.AuditEntry) bool) *moderation.AuditEntry {
	for i := range entries {
		entry := entries[i]
		if entry.TargetID != targetID {
			continue
		}
		gap := entry.CreatedAt.Sub(observedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > c.freshness {
			continue
		}
		if keep != nil && !keep(entry) {
			continue
		}
		return &entry
	}
	return nil
}

func (c *Correlator) wait(ctx context.Context) error {
	if c.grace <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
