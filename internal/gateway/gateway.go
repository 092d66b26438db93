package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"modnotify/internal/moderation"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Discord REST error codes the bot reacts to.
const (
	codeMissingAccess      = 50001
	codeCannotDMUser       = 50007
	codeMissingPermissions = 50013
	codeNoMutualGuilds     = 50278
)

const memberPageSize = 1000

// Session adapts a discordgo session to the collaborator interfaces used by the
// modules.
type Session struct {
	s      *discordgo.Session
	logger *zap.Logger
}

func New(s *discordgo.Session, logger *zap.Logger) *Session {
	return &Session{s: s, logger: logger}
}

func (g *Session) botID() string {
	if g.s.State != nil && g.s.State.User != nil {
		return g.s.State.User.ID
	}
	return ""
}

func auditAction(category moderation.AuditCategory) (discordgo.AuditLogAction, bool) {
	switch category {
	case moderation.CategoryMemberKick:
		return discordgo.AuditLogActionMemberKick, true
	case moderation.CategoryMemberBanAdd:
		return discordgo.AuditLogActionMemberBanAdd, true
	case moderation.CategoryMemberBanRemove:
		return discordgo.AuditLogActionMemberBanRemove, true
	case moderation.CategoryMemberUpdate:
		return discordgo.AuditLogActionMemberUpdate, true
	default:
		return 0, false
	}
}

func (g *Session) AuditEntries(ctx context.Context, guildID string, category moderation.AuditCategory, limit int) ([]moderation.AuditEntry, error) {
	action, ok := auditAction(category)
	if !ok {
		return nil, fmt.Errorf("unsupported audit category %d", category)
	}
	logs, err := g.s.GuildAuditLog(guildID, "", "", int(action), limit, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return convertAuditLog(logs, category), nil
}

func convertAuditLog(logs *discordgo.GuildAuditLog, category moderation.AuditCategory) []moderation.AuditEntry {
	if logs == nil {
		return nil
	}
	users := make(map[string]*discordgo.User, len(logs.Users))
	for _, user := range logs.Users {
		if user != nil {
			users[user.ID] = user
		}
	}

	entries := make([]moderation.AuditEntry, 0, len(logs.AuditLogEntries))
	for _, raw := range logs.AuditLogEntries {
		if raw == nil {
			continue
		}
		entry := moderation.AuditEntry{
			ID:       raw.ID,
			Category: category,
			TargetID: raw.TargetID,
			Executor: moderation.User{ID: raw.UserID},
			Reason:   raw.Reason,
		}
		if created, err := discordgo.SnowflakeTimestamp(raw.ID); err == nil {
			entry.CreatedAt = created
		}
		if user := users[raw.UserID]; user != nil {
			entry.Executor = ToUser(user)
		}
		for _, change := range raw.Changes {
			if change == nil || change.Key == nil {
				continue
			}
			entry.Changes = append(entry.Changes, moderation.AuditChange{
				Key:      string(*change.Key),
				OldValue: changeValue(change.OldValue),
				NewValue: changeValue(change.NewValue),
			})
		}
		entries = append(entries, entry)
	}
	return entries
}

func changeValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// ReadableTextChannels lists the guild's text and announcement channels where the
// bot can read history, ordered by position.
func (g *Session) ReadableTextChannels(ctx context.Context, guildID string) ([]string, error) {
	var channels []*discordgo.Channel
	if guild, err := g.s.State.Guild(guildID); err == nil && len(guild.Channels) > 0 {
		channels = guild.Channels
	} else {
		channels, err = g.s.GuildChannels(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(err)
		}
	}

	sorted := append([]*discordgo.Channel(nil), channels...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	botID := g.botID()
	const need = discordgo.PermissionViewChannel | discordgo.PermissionReadMessageHistory
	var out []string
	for _, channel := range sorted {
		if channel == nil {
			continue
		}
		if channel.Type != discordgo.ChannelTypeGuildText && channel.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		if botID != "" {
			perms, err := g.s.UserChannelPermissions(botID, channel.ID, discordgo.WithContext(ctx))
			if err != nil || perms&need != need {
				continue
			}
		}
		out = append(out, channel.ID)
	}
	return out, nil
}

func (g *Session) RecentMessages(ctx context.Context, channelID string, limit int) ([]moderation.Message, error) {
	raw, err := g.s.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	messages := make([]moderation.Message, 0, len(raw))
	for _, msg := range raw {
		if msg == nil || msg.Author == nil {
			continue
		}
		messages = append(messages, ToMessage(msg))
	}
	return messages, nil
}

func (g *Session) Member(ctx context.Context, guildID, userID string) (moderation.User, error) {
	if member, err := g.s.State.Member(guildID, userID); err == nil && member != nil && member.User != nil {
		return ToUser(member.User), nil
	}
	member, err := g.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return moderation.User{}, classify(err)
	}
	if member == nil || member.User == nil {
		return moderation.User{}, moderation.ErrNotFound
	}
	return ToUser(member.User), nil
}

func (g *Session) SendDM(ctx context.Context, userID, text string) (moderation.SentMessage, error) {
	channel, err := g.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return moderation.SentMessage{}, classify(err)
	}
	msg, err := g.s.ChannelMessageSend(channel.ID, text, discordgo.WithContext(ctx))
	if err != nil {
		return moderation.SentMessage{}, classify(err)
	}
	return moderation.SentMessage{ChannelID: channel.ID, MessageID: msg.ID}, nil
}

func (g *Session) SendChannelMessage(ctx context.Context, channelID, text string) (moderation.SentMessage, error) {
	msg, err := g.s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return moderation.SentMessage{}, classify(err)
	}
	return moderation.SentMessage{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (g *Session) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return classify(g.s.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)))
}

func (g *Session) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	_, err := g.s.ChannelMessageEdit(channelID, messageID, text, discordgo.WithContext(ctx))
	return classify(err)
}

func (g *Session) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return classify(g.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

// Presence reads the cached presence of userID from any guild the bot shares
// with them. Users missing from the cache are reported offline.
func (g *Session) Presence(_ context.Context, userID string) (moderation.PresenceStatus, error) {
	if g.s.State == nil {
		return moderation.StatusOffline, moderation.ErrNotFound
	}
	for _, guild := range g.s.State.Guilds {
		presence, err := g.s.State.Presence(guild.ID, userID)
		if err == nil && presence != nil {
			return moderation.PresenceStatus(presence.Status), nil
		}
	}
	return moderation.StatusOffline, moderation.ErrNotFound
}

// Guild returns the cached guild, falling back to a REST fetch.
func (g *Session) Guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	if guild, err := g.s.State.Guild(guildID); err == nil && guild != nil {
		return guild, nil
	}
	guild, err := g.s.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return guild, nil
}

func (g *Session) GuildInfo(ctx context.Context, guildID string) (moderation.Guild, error) {
	guild, err := g.Guild(ctx, guildID)
	if err != nil {
		return moderation.Guild{ID: guildID}, err
	}
	return moderation.Guild{ID: guild.ID, Name: guild.Name, MemberCount: guild.MemberCount}, nil
}

// MemberIDs pages through the guild member list and returns every human member.
func (g *Session) MemberIDs(ctx context.Context, guildID string) ([]string, error) {
	var ids []string
	after := ""
	for {
		page, err := g.s.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return ids, classify(err)
		}
		for _, member := range page {
			if member == nil || member.User == nil {
				continue
			}
			after = member.User.ID
			if !member.User.Bot {
				ids = append(ids, member.User.ID)
			}
		}
		if len(page) < memberPageSize {
			return ids, nil
		}
	}
}

func (g *Session) guildMember(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	if member, err := g.s.State.Member(guildID, userID); err == nil && member != nil {
		return member, nil
	}
	member, err := g.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return member, nil
}

// HasPermission reports whether the bot holds capability at guild level.
func (g *Session) HasPermission(ctx context.Context, guildID string, capability moderation.Capability) (bool, error) {
	return g.UserHasPermission(ctx, guildID, g.botID(), capability)
}

func (g *Session) UserHasPermission(ctx context.Context, guildID, userID string, capability moderation.Capability) (bool, error) {
	guild, err := g.Guild(ctx, guildID)
	if err != nil {
		return false, err
	}
	member, err := g.guildMember(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	return hasCapability(GuildPermissions(guild, member), capability), nil
}

// RequirePermission returns moderation.ErrMissingPermission when the bot lacks
// capability.
func (g *Session) RequirePermission(ctx context.Context, guildID string, capability moderation.Capability) error {
	ok, err := g.HasPermission(ctx, guildID, capability)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", moderation.ErrMissingPermission, capability)
	}
	return nil
}

// GuildPermissions folds the @everyone role and the member's roles. The owner
// holds every permission.
func GuildPermissions(guild *discordgo.Guild, member *discordgo.Member) int64 {
	if guild == nil || member == nil {
		return 0
	}
	if member.User != nil && member.User.ID == guild.OwnerID {
		return discordgo.PermissionAll
	}
	perms := int64(0)
	roleMap := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		if role == nil {
			continue
		}
		roleMap[role.ID] = role
		if role.ID == guild.ID {
			perms |= role.Permissions
		}
	}
	for _, roleID := range member.Roles {
		if role := roleMap[roleID]; role != nil {
			perms |= role.Permissions
		}
	}
	if perms&discordgo.PermissionAdministrator != 0 {
		return discordgo.PermissionAll
	}
	return perms
}

func hasCapability(perms int64, capability moderation.Capability) bool {
	var bit int64
	switch capability {
	case moderation.CapViewAuditLog:
		bit = discordgo.PermissionViewAuditLogs
	case moderation.CapReadMessageHistory:
		bit = discordgo.PermissionReadMessageHistory
	case moderation.CapSendMessages:
		bit = discordgo.PermissionSendMessages
	case moderation.CapManageMessages:
		bit = discordgo.PermissionManageMessages
	case moderation.CapAdministrator:
		bit = discordgo.PermissionAdministrator
	default:
		return false
	}
	return perms&bit == bit
}

func ToUser(user *discordgo.User) moderation.User {
	if user == nil {
		return moderation.User{}
	}
	return moderation.User{
		ID:            user.ID,
		Username:      user.Username,
		GlobalName:    user.GlobalName,
		Discriminator: user.Discriminator,
		Bot:           user.Bot,
	}
}

func ToMessage(msg *discordgo.Message) moderation.Message {
	out := moderation.Message{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		Author:    ToUser(msg.Author),
		CreatedAt: msg.Timestamp,
		Content:   msg.Content,
	}
	for _, user := range msg.Mentions {
		if user != nil {
			out.Mentions = append(out.Mentions, ToUser(user))
		}
	}
	return out
}

// classify maps Discord REST failures onto the moderation error sentinels while
// keeping the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Message == nil {
		return err
	}
	switch restErr.Message.Code {
	case codeCannotDMUser, codeNoMutualGuilds:
		return fmt.Errorf("%w: %w", moderation.ErrDMClosed, err)
	case codeMissingPermissions, codeMissingAccess:
		return fmt.Errorf("%w: %w", moderation.ErrMissingPermission, err)
	default:
		return err
	}
}
