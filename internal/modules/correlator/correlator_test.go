package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modnotify/internal/config"
	"modnotify/internal/moderation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu      sync.Mutex
	entries map[moderation.AuditCategory][]moderation.AuditEntry
	errs    map[moderation.AuditCategory]error
	calls   map[moderation.AuditCategory]int
	limits  []int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		entries: make(map[moderation.AuditCategory][]moderation.AuditEntry),
		errs:    make(map[moderation.AuditCategory]error),
		calls:   make(map[moderation.AuditCategory]int),
	}
}

func (f *fakeSource) AuditEntries(_ context.Context, _ string, category moderation.AuditCategory, limit int) ([]moderation.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[category]++
	f.limits = append(f.limits, limit)
	if err := f.errs[category]; err != nil {
		return nil, err
	}
	return f.entries[category], nil
}

func testConfig() config.CorrelationConfig {
	return config.CorrelationConfig{GraceMillis: 0, FreshnessSeconds: 5, EntryLimit: 5}
}

var observed = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func kickEntry(target string, offset time.Duration) moderation.AuditEntry {
	return moderation.AuditEntry{
		ID:        "kick-" + target,
		Category:  moderation.CategoryMemberKick,
		TargetID:  target,
		Executor:  moderation.User{ID: "mod", Username: "moderator"},
		CreatedAt: observed.Add(offset),
	}
}

func banEntry(target string, offset time.Duration) moderation.AuditEntry {
	return moderation.AuditEntry{
		ID:        "ban-" + target,
		Category:  moderation.CategoryMemberBanAdd,
		TargetID:  target,
		Executor:  moderation.User{ID: "mod", Username: "moderator"},
		CreatedAt: observed.Add(offset),
		Reason:    "spam",
	}
}

func TestResolveRemovalSingleKick(t *testing.T) {
	source := newFakeSource()
	source.entries[moderation.CategoryMemberKick] = []moderation.AuditEntry{kickEntry("u1", 1200 * time.Millisecond)}
	c := New(source, testConfig(), zap.NewNop())

	removal, err := c.ResolveRemoval(context.Background(), "g1", "u1", observed)
	require.NoError(t, err)
	assert.Equal(t, moderation.EventKick, removal.Kind)
	require.NotNil(t, removal.Entry)
	assert.Equal(t, "kick-u1", removal.Entry.ID)
	assert.Equal(t, 1, source.calls[moderation.CategoryMemberKick])
	assert.Equal(t, 1, source.calls[moderation.CategoryMemberBanAdd])
	assert.Equal(t, []int{5, 5}, source.limits)
}

func TestResolveRemovalLaterEntryWins(t *testing.T) {
	source := newFakeSource()
	source.entries[moderation.CategoryMemberKick] = []moderation.AuditEntry{kickEntry("u1", time.Second)}
	source.entries[moderation.CategoryMemberBanAdd] = []moderation.AuditEntry{banEntry("u1", 2*time.Second)}
	c := New(source, testConfig(), zap.NewNop())

	removal, err := c.ResolveRemoval(context.Background(), "g1", "u1", observed)
	require.NoError(t, err)
	assert.Equal(t, moderation.EventBan, removal.Kind)
	assert.Equal(t, "spam", removal.Entry.Reason)

	source.entries[moderation.CategoryMemberKick] = []moderation.AuditEntry{kickEntry("u1", 3*time.Second)}
	removal, err = c.ResolveRemoval(context.Background(), "g1", "u1", observed)
	require.NoError(t, err)
	assert.Equal(t, moderation.EventKick, removal.Kind)
}

func TestResolveRemovalNoMatchIsLeave(t *testing.T) {
	source := newFakeSource()
	source.entries[moderation.CategoryMemberKick] = []moderation.AuditEntry{
		kickEntry("other", time.Second),
		kickEntry("u1", -time.Minute),
	}
	source.entries[moderation.CategoryMemberBanAdd] = []moderation.AuditEntry{banEntry("u1", 10 * time.Second)}
	c := New(source, testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		removal, err := c.ResolveRemoval(context.Background(), "g1", "u1", observed)
		require.NoError(t, err)
		assert.Equal(t, moderation.EventLeave, removal.Kind)
		assert.Nil(t, removal.Entry)
	}
}

func TestResolveRemovalPartialFailure(t *testing.T) {
	source := newFakeSource()
	source.entries[moderation.CategoryMemberKick] = []moderation.AuditEntry{kickEntry("u1", 0)}
	source.errs[moderation.CategoryMemberBanAdd] = errors.New("missing access")
	c := New(source, testConfig(), zap.NewNop())

	removal, err := c.ResolveRemoval(context.Background(), "g1", "u1", observed)
	require.NoError(t, err)
	assert.Equal(t, moderation.EventKick, removal.Kind)

	source.errs[moderation.CategoryMemberKick] = errors.New("missing access")
	_, err = c.ResolveRemoval(context.Background(), "g1", "u1", observed)
	assert.Error(t, err)
}

func TestResolveRemovalFailedLookupIsNotLeave(t *testing.T) {
	source := newFakeSource()
	source.entries[moderation.CategoryMemberKick] = []moderation.AuditEntry{}
	source.errs[moderation.CategoryMemberBanAdd] = errors.New("ban audit fetch failed")
	c := New(source, testConfig(), zap.NewNop())

	removal, err := c.ResolveRemoval(context.Background(), "g1", "u1", observed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ban audit fetch failed")
	assert.NotEqual(t, moderation.EventLeave, removal.Kind)
	assert.Nil(t, removal.Entry)
}

func TestCorrelateFreshnessIsSymmetric(t *testing.T) {
	source := newFakeSource()
	source.entries[moderation.CategoryMemberBanRemove] = []moderation.AuditEntry{
		{ID: "late", TargetID: "u1", CreatedAt: observed.Add(6 * time.Second)},
		{ID: "early", TargetID: "u1", CreatedAt: observed.Add(-4 * time.Second)},
	}
	c := New(source, testConfig(), zap.NewNop())

	entry, err := c.Correlate(context.Background(), "g1", "u1", moderation.CategoryMemberBanRemove, observed)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "early", entry.ID)

	entry, err = c.Correlate(context.Background(), "g1", "u2", moderation.CategoryMemberBanRemove, observed)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCorrelateHonoursCancelledGrace(t *testing.T) {
	source := newFakeSource()
	cfg := testConfig()
	cfg.GraceMillis = 60_000
	c := New(source, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Correlate(ctx, "g1", "u1", moderation.CategoryMemberKick, observed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, source.calls[moderation.CategoryMemberKick])
}

func TestResolveTimeout(t *testing.T) {
	source := newFakeSource()
	until := observed.Add(10 * time.Minute)
	source.entries[moderation.CategoryMemberUpdate] = []moderation.AuditEntry{
		{ID: "nick", TargetID: "u1", CreatedAt: observed, Changes: []moderation.AuditChange{{Key: "nick", NewValue: "x"}}},
		{ID: "timeout", TargetID: "u1", CreatedAt: observed, Changes: []moderation.AuditChange{
			{Key: moderation.ChangeKeyTimeout, NewValue: until.Format(time.RFC3339)},
		}},
	}
	c := New(source, testConfig(), zap.NewNop())

	result, err := c.ResolveTimeout(context.Background(), "g1", "u1", observed)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, moderation.EventTimeout, result.Kind)
	assert.Equal(t, "timeout", result.Entry.ID)
	assert.True(t, result.Until.Equal(until))

	source.entries[moderation.CategoryMemberUpdate] = []moderation.AuditEntry{
		{ID: "clear", TargetID: "u1", CreatedAt: observed, Changes: []moderation.AuditChange{
			{Key: moderation.ChangeKeyTimeout, OldValue: until.Format(time.RFC3339)},
		}},
	}
	result, err = c.ResolveTimeout(context.Background(), "g1", "u1", observed)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, moderation.EventUntimeout, result.Kind)

	source.entries[moderation.CategoryMemberUpdate] = nil
	result, err = c.ResolveTimeout(context.Background(), "g1", "u1", observed)
	require.NoError(t, err)
	assert.Nil(t, result)
}
