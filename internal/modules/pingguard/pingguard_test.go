package pingguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"modnotify/internal/clock"
	"modnotify/internal/config"
	"modnotify/internal/moderation"
	"modnotify/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) AfterFunc(time.Duration, func()) clock.Timer {
	panic("not used")
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type call struct {
	op        string
	channelID string
	messageID string
	userID    string
	text      string
}

type fakeDiscord struct {
	mu    sync.Mutex
	calls []call
	next  int
}

func (f *fakeDiscord) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeDiscord) nextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("sent-%d", f.next)
}

func (f *fakeDiscord) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.record(call{op: "delete", channelID: channelID, messageID: messageID})
	return nil
}

func (f *fakeDiscord) SendDM(_ context.Context, userID, text string) (moderation.SentMessage, error) {
	id := f.nextID()
	f.record(call{op: "dm", userID: userID, text: text, messageID: id})
	return moderation.SentMessage{ChannelID: "dm-" + userID, MessageID: id}, nil
}

func (f *fakeDiscord) SendChannelMessage(_ context.Context, channelID, text string) (moderation.SentMessage, error) {
	id := f.nextID()
	f.record(call{op: "post", channelID: channelID, text: text, messageID: id})
	return moderation.SentMessage{ChannelID: channelID, MessageID: id}, nil
}

func (f *fakeDiscord) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	f.record(call{op: "react", channelID: channelID, messageID: messageID, text: emoji})
	return nil
}

func (f *fakeDiscord) EditMessage(_ context.Context, channelID, messageID, text string) error {
	f.record(call{op: "edit", channelID: channelID, messageID: messageID, text: text})
	return nil
}

func (f *fakeDiscord) ops(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type staticReviewers map[string]string

func (s staticReviewers) Recipient(_ context.Context, guildID string) string { return s[guildID] }

type nopRecorder struct{}

func (nopRecorder) Log(context.Context, string, string, string, string, string) {}

type fixture struct {
	store    *storage.Store
	discord  *fakeDiscord
	clock    *fixedClock
	guard    *Guard
	workflow *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())

	clk := &fixedClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	discord := &fakeDiscord{}
	cfg := config.DefaultConfig().PingLimit
	return &fixture{
		store:    store,
		discord:  discord,
		clock:    clk,
		guard:    NewGuard(store, clk, cfg.DailyLimit),
		workflow: NewWorkflow(discord, store, staticReviewers{"G": "R"}, nopRecorder{}, cfg, clk, zap.NewNop()),
	}
}

func (f *fixture) block(t *testing.T, messageID string) string {
	t.Helper()
	before := len(f.discord.ops("dm"))
	require.NoError(t, f.workflow.Block(context.Background(), BlockedMessage{
		GuildID:   "G",
		GuildName: "Guild",
		ChannelID: "C",
		MessageID: messageID,
		Author:    moderation.User{ID: "U", Username: "user"},
		Content:   "@everyone party at 8",
		Count:     5,
		Limit:     5,
	}))
	dms := f.discord.ops("dm")
	require.Len(t, dms, before+2)
	request := dms[len(dms)-1]
	require.Equal(t, "R", request.userID)
	return request.messageID
}

func TestGuardQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		result, err := f.guard.CheckAndConsume(ctx, "G")
		require.NoError(t, err)
		assert.Equal(t, Result{Allowed: true, Count: i, Limit: 5}, result)
	}
	result, err := f.guard.CheckAndConsume(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, Result{Allowed: false, Count: 5, Limit: 5}, result)

	status, err := f.guard.Status(ctx, "G")
	require.NoError(t, err)
	assert.Equal(t, 5, status.Count)

	f.clock.Advance(24 * time.Hour)
	result, err = f.guard.CheckAndConsume(ctx, "G")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Count)
}

func TestBlockedPingApprovedScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approvalID := f.block(t, "orig")

	deletes := f.discord.ops("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, call{op: "delete", channelID: "C", messageID: "orig"}, deletes[0])

	dms := f.discord.ops("dm")
	assert.Equal(t, "U", dms[0].userID)
	assert.Contains(t, dms[0].text, "daily limit of 5")
	assert.Contains(t, dms[1].text, "@everyone party at 8")

	reactions := f.discord.ops("react")
	require.Len(t, reactions, 2)
	assert.Equal(t, "✅", reactions[0].text)
	assert.Equal(t, "❌", reactions[1].text)
	assert.Equal(t, approvalID, reactions[0].messageID)

	pending, err := f.store.GetPendingApproval(ctx, approvalID)
	require.NoError(t, err)
	assert.Equal(t, "U", pending.RequesterUserID)
	assert.Equal(t, "dm-R", pending.ApprovalChannelID)

	outcome, err := f.workflow.HandleReaction(ctx, Reaction{ChannelID: "dm-R", MessageID: approvalID, UserID: "R", Emoji: "✅"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, outcome)

	posts := f.discord.ops("post")
	require.Len(t, posts, 1)
	assert.Equal(t, "C", posts[0].channelID)
	assert.Equal(t, "[Approved override] @everyone party at 8", posts[0].text)

	dms = f.discord.ops("dm")
	require.Len(t, dms, 3)
	assert.Equal(t, "U", dms[2].userID)
	assert.Contains(t, dms[2].text, "approved")

	edits := f.discord.ops("edit")
	require.Len(t, edits, 1)
	assert.True(t, strings.HasPrefix(edits[0].text, "✅ **Approved**"))

	_, err = f.store.GetPendingApproval(ctx, approvalID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSecondReactionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approvalID := f.block(t, "orig")

	outcome, err := f.workflow.HandleReaction(ctx, Reaction{MessageID: approvalID, UserID: "R", Emoji: "✅"})
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, outcome)

	for _, emoji := range []string{"✅", "❌"} {
		outcome, err = f.workflow.HandleReaction(ctx, Reaction{MessageID: approvalID, UserID: "R", Emoji: emoji})
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)
	}
	assert.Len(t, f.discord.ops("post"), 1)
	assert.Len(t, f.discord.ops("dm"), 3)
	assert.Len(t, f.discord.ops("edit"), 1)
}

func TestOnlyReviewerDecides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	approvalID := f.block(t, "orig")

	outcome, err := f.workflow.HandleReaction(ctx, Reaction{MessageID: approvalID, UserID: "someone", Emoji: "✅"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	outcome, err = f.workflow.HandleReaction(ctx, Reaction{MessageID: approvalID, UserID: "R", Emoji: "👍"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	_, err = f.store.GetPendingApproval(ctx, approvalID)
	require.NoError(t, err)

	outcome, err = f.workflow.HandleReaction(ctx, Reaction{MessageID: approvalID, UserID: "R", Emoji: "❌"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, outcome)
	assert.Empty(t, f.discord.ops("post"))
	edits := f.discord.ops("edit")
	require.Len(t, edits, 1)
	assert.True(t, strings.HasPrefix(edits[0].text, "❌ **Denied**"))
}

func TestConcurrentRequestsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.block(t, "a")
	second := f.block(t, "b")
	require.NotEqual(t, first, second)

	outcome, err := f.workflow.HandleReaction(ctx, Reaction{MessageID: second, UserID: "R", Emoji: "❌"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, outcome)

	_, err = f.store.GetPendingApproval(ctx, first)
	assert.NoError(t, err)
}

func TestExpireStaleAutoDenies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.block(t, "old")
	f.clock.Advance(23 * time.Hour)
	fresh := f.block(t, "fresh")
	f.clock.Advance(2 * time.Hour)

	closed, err := f.workflow.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	_, err = f.store.GetPendingApproval(ctx, old)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = f.store.GetPendingApproval(ctx, fresh)
	assert.NoError(t, err)

	edits := f.discord.ops("edit")
	require.Len(t, edits, 1)
	assert.Equal(t, old, edits[0].messageID)
	assert.Contains(t, edits[0].text, "Expired")

	outcome, err := f.workflow.HandleReaction(ctx, Reaction{MessageID: old, UserID: "R", Emoji: "✅"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestBlockWithoutReviewer(t *testing.T) {
	f := newFixture(t)
	f.workflow.reviewers = staticReviewers{}

	err := f.workflow.Block(context.Background(), BlockedMessage{GuildID: "G", ChannelID: "C", MessageID: "m", Author: moderation.User{ID: "U"}})
	assert.ErrorIs(t, err, ErrNoReviewer)
	assert.Len(t, f.discord.ops("delete"), 1)
	assert.Len(t, f.discord.ops("dm"), 1)
}

func TestPreview(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, Preview(short))

	long := strings.Repeat("é", 600)
	got := Preview(long)
	assert.Equal(t, 501, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
