package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"modnotify/internal/config"
	"modnotify/internal/moderation"
	"modnotify/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentDM struct {
	userID string
	text   string
}

type fakeMessenger struct {
	sent []sentDM
	err  error
}

func (f *fakeMessenger) SendDM(_ context.Context, userID, text string) (moderation.SentMessage, error) {
	if f.err != nil {
		return moderation.SentMessage{}, f.err
	}
	f.sent = append(f.sent, sentDM{userID: userID, text: text})
	return moderation.SentMessage{ChannelID: "dm-" + userID, MessageID: fmt.Sprintf("msg-%d", len(f.sent))}, nil
}

type fakeConfigs struct {
	configs map[string]storage.GuildConfig
	err     error
}

func (f *fakeConfigs) GetGuildConfig(_ context.Context, guildID string) (storage.GuildConfig, error) {
	if f.err != nil {
		return storage.GuildConfig{}, f.err
	}
	cfg, ok := f.configs[guildID]
	if !ok {
		return storage.GuildConfig{GuildID: guildID}, nil
	}
	return cfg, nil
}

type recordedLog struct {
	level, guildID, userID, event string
}

type fakeRecorder struct {
	logs []recordedLog
}

func (f *fakeRecorder) Log(_ context.Context, level, guildID, userID, event, _ string) {
	f.logs = append(f.logs, recordedLog{level: level, guildID: guildID, userID: userID, event: event})
}

func newDispatcher(messenger *fakeMessenger, configs *fakeConfigs, defaultRecipient string) (*Dispatcher, *fakeRecorder) {
	cfg := config.DefaultConfig()
	cfg.DefaultRecipientUserID = defaultRecipient
	recorder := &fakeRecorder{}
	return New(messenger, configs, recorder, cfg, zap.NewNop()), recorder
}

var (
	occurred = time.Date(2024, 5, 1, 12, 0, 1, 200_000_000, time.UTC)
	target   = moderation.User{ID: "111", Username: "victim", Discriminator: "0001"}
	human    = moderation.User{ID: "222", Username: "moderator"}
	mee6     = moderation.User{ID: "333", Username: "MEE6", Bot: true}
)

func TestHumanKickScenario(t *testing.T) {
	messenger := &fakeMessenger{}
	configs := &fakeConfigs{configs: map[string]storage.GuildConfig{"G": {GuildID: "G", DMRecipientUserID: "R"}}}
	d, recorder := newDispatcher(messenger, configs, "fallback")

	err := d.DispatchEvent(context.Background(), moderation.Event{
		Kind:       moderation.EventKick,
		GuildID:    "G",
		GuildName:  "Guild",
		Target:     target,
		Executor:   &human,
		OccurredAt: occurred,
	})
	require.NoError(t, err)
	require.Len(t, messenger.sent, 1)

	dm := messenger.sent[0]
	assert.Equal(t, "R", dm.userID)
	assert.Contains(t, dm.text, "victim#0001")
	assert.Contains(t, dm.text, "**Executor (Human):**")
	assert.Contains(t, dm.text, "moderator")
	assert.Contains(t, dm.text, "Wednesday, May 1, 2024 at 12:00:01 PM UTC")
	assert.Contains(t, dm.text, fmt.Sprintf("Unix: %d", occurred.Unix()))
	assert.NotContains(t, dm.text, "Possible Human Moderator")
	assert.NotContains(t, dm.text, "Display Name")

	require.Len(t, recorder.logs, 1)
	assert.Equal(t, recordedLog{level: "INFO", guildID: "G", userID: "111", event: "kick"}, recorder.logs[0])
}

func TestModerationBotScenarioShowsUnverifiedCandidate(t *testing.T) {
	text := RenderEvent(moderation.Event{
		Kind:                    moderation.EventBan,
		GuildID:                 "G",
		GuildName:               "Guild",
		Target:                  target,
		Executor:                &mee6,
		ExecutorIsBot:           true,
		ExecutorIsModerationBot: true,
		OccurredAt:              occurred,
		Reason:                  "raiding",
		Attribution: moderation.Attribution{
			Confidence: moderation.ConfidenceLow,
			Candidate:  moderation.User{ID: "444", Username: "X"},
		},
	})

	assert.True(t, strings.HasPrefix(text, "🔨 **Member Banned from Guild**"))
	assert.Contains(t, text, "**Executor (Bot):**")
	assert.Contains(t, text, "• Type: Moderation Bot")
	assert.Contains(t, text, "This ban was executed by a moderation bot")
	assert.Contains(t, text, "• raiding")
	assert.Contains(t, text, "**Possible Human Moderator (unverified):**\n• X (444)")
	assert.Contains(t, text, "Confidence: low")
}

func TestRenderShowsDisplayName(t *testing.T) {
	named := target
	named.GlobalName = "Victim Person"
	text := RenderEvent(moderation.Event{Kind: moderation.EventKick, GuildID: "G", Target: named, OccurredAt: occurred})
	assert.Contains(t, text, "• Username: victim#0001\n• Display Name: Victim Person\n• User ID: 111")
}

func TestRenderTimeoutAndUnknownExecutor(t *testing.T) {
	until := occurred.Add(time.Hour)
	text := RenderEvent(moderation.Event{
		Kind:         moderation.EventTimeout,
		GuildID:      "G",
		Target:       target,
		OccurredAt:   occurred,
		TimeoutUntil: until,
	})
	assert.Contains(t, text, "Member Timed Out in G")
	assert.Contains(t, text, "Unknown (no matching audit log entry)")
	assert.Contains(t, text, "**Timeout Ends:**")
	assert.Contains(t, text, fmt.Sprintf("Unix: %d", until.Unix()))
}

func TestRecipientFallbackChain(t *testing.T) {
	messenger := &fakeMessenger{}
	configs := &fakeConfigs{configs: map[string]storage.GuildConfig{}}

	d, _ := newDispatcher(messenger, configs, "default")
	require.NoError(t, d.Dispatch(context.Background(), "G", "hello"))
	assert.Equal(t, "default", messenger.sent[0].userID)

	configs.err = errors.New("db locked")
	require.NoError(t, d.Dispatch(context.Background(), "G", "hello"))
	assert.Equal(t, "default", messenger.sent[1].userID)

	configs.err = nil
	none, recorder := newDispatcher(messenger, configs, "")
	err := none.Dispatch(context.Background(), "G", "hello")
	assert.ErrorIs(t, err, ErrNoRecipient)
	assert.Len(t, messenger.sent, 2)
	assert.Empty(t, recorder.logs)
}

func TestDeliveryFailureIsReturnedNotRetried(t *testing.T) {
	messenger := &fakeMessenger{err: fmt.Errorf("send: %w", moderation.ErrDMClosed)}
	configs := &fakeConfigs{configs: map[string]storage.GuildConfig{"G": {DMRecipientUserID: "R"}}}
	d, recorder := newDispatcher(messenger, configs, "")

	err := d.Dispatch(context.Background(), "G", "hello")
	assert.ErrorIs(t, err, moderation.ErrDMClosed)
	require.Len(t, recorder.logs, 1)
	assert.Equal(t, "WARN", recorder.logs[0].level)
}

func TestLeaveAndWelcomeTemplates(t *testing.T) {
	messenger := &fakeMessenger{}
	configs := &fakeConfigs{configs: map[string]storage.GuildConfig{
		"G": {DMRecipientUserID: "R", WelcomeTemplate: "Hi {user} ({userId}), welcome to {server}! #{memberCount}"},
	}}
	d, _ := newDispatcher(messenger, configs, "")
	member := moderation.User{ID: "555", Username: "newbie"}

	require.NoError(t, d.Welcome(context.Background(), "G", "Guild", member, 42))
	require.NoError(t, d.NotifyLeave(context.Background(), "G", "Guild", member, 41))

	require.Len(t, messenger.sent, 2)
	assert.Equal(t, sentDM{userID: "555", text: "Hi <@555> (555), welcome to Guild! #42"}, messenger.sent[0])
	assert.Equal(t, sentDM{userID: "R", text: "newbie (555) left Guild."}, messenger.sent[1])
}

func TestRenderTemplateLeavesUnknownPlaceholders(t *testing.T) {
	got := RenderTemplate("{username} {unknown} {memberCount}", TemplateVars{User: moderation.User{Username: "a"}, MemberCount: 3})
	assert.Equal(t, "a {unknown} 3", got)
}
