package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"modnotify/internal/moderation"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restError(code int) error {
	return &discordgo.RESTError{
		Response:     &http.Response{Status: "403 Forbidden", StatusCode: http.StatusForbidden},
		ResponseBody: []byte(`{"code":0}`),
		Message:      &discordgo.APIErrorMessage{Code: code, Message: "test"},
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(restError(50007)), moderation.ErrDMClosed)
	assert.ErrorIs(t, classify(restError(50278)), moderation.ErrDMClosed)
	assert.ErrorIs(t, classify(restError(50013)), moderation.ErrMissingPermission)
	assert.ErrorIs(t, classify(restError(50001)), moderation.ErrMissingPermission)

	other := classify(restError(10008))
	assert.False(t, errors.Is(other, moderation.ErrDMClosed))
	var restErr *discordgo.RESTError
	assert.True(t, errors.As(classify(restError(50007)), &restErr))

	plain := fmt.Errorf("boom")
	assert.Equal(t, plain, classify(plain))
}

func snowflakeAt(ts time.Time) string {
	ms := ts.UnixMilli() - 1420070400000
	return fmt.Sprint(ms << 22)
}

func TestConvertAuditLog(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	key := discordgo.AuditLogChangeKey("communication_disabled_until")
	logs := &discordgo.GuildAuditLog{
		Users: []*discordgo.User{{ID: "mod", Username: "MEE6", Bot: true}},
		AuditLogEntries: []*discordgo.AuditLogEntry{
			nil,
			{
				ID:       snowflakeAt(created),
				TargetID: "victim",
				UserID:   "mod",
				Reason:   "spam",
				Changes: []*discordgo.AuditLogChange{
					{Key: &key, NewValue: "2024-05-01T13:00:00+00:00"},
					{Key: nil},
				},
			},
			{ID: snowflakeAt(created), TargetID: "other", UserID: "ghost"},
		},
	}

	entries := convertAuditLog(logs, moderation.CategoryMemberUpdate)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "victim", first.TargetID)
	assert.Equal(t, moderation.CategoryMemberUpdate, first.Category)
	assert.True(t, first.Executor.Bot)
	assert.Equal(t, "MEE6", first.Executor.Username)
	assert.True(t, first.CreatedAt.Equal(created), "got %s", first.CreatedAt)
	change, ok := first.Change(moderation.ChangeKeyTimeout)
	require.True(t, ok)
	assert.Equal(t, "2024-05-01T13:00:00+00:00", change.NewValue)
	assert.Equal(t, "", change.OldValue)

	assert.Equal(t, moderation.User{ID: "ghost"}, entries[1].Executor)
	assert.Nil(t, convertAuditLog(nil, moderation.CategoryMemberKick))
}

func TestGuildPermissions(t *testing.T) {
	guild := &discordgo.Guild{
		ID:      "g",
		OwnerID: "owner",
		Roles: []*discordgo.Role{
			{ID: "g", Permissions: discordgo.PermissionSendMessages},
			{ID: "mods", Permissions: discordgo.PermissionViewAuditLogs},
			{ID: "admins", Permissions: discordgo.PermissionAdministrator},
		},
	}
	member := &discordgo.Member{User: &discordgo.User{ID: "m"}, Roles: []string{"mods"}}
	perms := GuildPermissions(guild, member)
	assert.True(t, hasCapability(perms, moderation.CapViewAuditLog))
	assert.True(t, hasCapability(perms, moderation.CapSendMessages))
	assert.False(t, hasCapability(perms, moderation.CapManageMessages))
	assert.False(t, hasCapability(GuildPermissions(guild, member), moderation.CapAdministrator))

	admin := &discordgo.Member{User: &discordgo.User{ID: "a"}, Roles: []string{"admins"}}
	assert.True(t, hasCapability(GuildPermissions(guild, admin), moderation.CapAdministrator))
	assert.True(t, hasCapability(GuildPermissions(guild, admin), moderation.CapManageMessages))

	owner := &discordgo.Member{User: &discordgo.User{ID: "owner"}}
	assert.True(t, hasCapability(GuildPermissions(guild, owner), moderation.CapAdministrator))

	assert.Zero(t, GuildPermissions(nil, member))
	assert.False(t, hasCapability(discordgo.PermissionAll, moderation.Capability(99)))
}

func TestToMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := ToMessage(&discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Author:    &discordgo.User{ID: "bot", Username: "Dyno", Bot: true},
		Timestamp: ts,
		Content:   "kicked",
		Mentions:  []*discordgo.User{{ID: "x", Username: "x"}, nil},
	})
	assert.Equal(t, "bot", msg.Author.ID)
	assert.True(t, msg.Author.Bot)
	assert.Equal(t, ts, msg.CreatedAt)
	require.Len(t, msg.Mentions, 1)
	assert.Equal(t, "x", msg.Mentions[0].ID)
}
