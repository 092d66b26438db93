package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"modnotify/internal/gateway"
	"modnotify/internal/moderation"
	"modnotify/internal/modules/dispatch"
	"modnotify/internal/modules/pingguard"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type incomingMessage struct {
	GuildID         string
	ChannelID       string
	MessageID       string
	Author          moderation.User
	Content         string
	MentionEveryone bool
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready",
		zap.String("user", event.User.Username),
		zap.Int("guilds", len(event.Guilds)),
		zap.Strings("moderation_bots", b.registry.Names()),
	)
}

func (b *Bot) onGuildMemberRemove(_ *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.Member == nil || event.Member.User == nil || event.GuildID == "" {
		return
	}
	observedAt := b.clock.Now()
	ctx, cancel, logger := b.handlerContext("member_remove", event.GuildID)
	defer cancel()
	defer b.recoverEvent(logger)
	b.handleRemoval(ctx, logger, event.GuildID, gateway.ToUser(event.Member.User), observedAt)
}

func (b *Bot) onGuildBanAdd(_ *discordgo.Session, event *discordgo.GuildBanAdd) {
	if event.User == nil || event.GuildID == "" {
		return
	}
	observedAt := b.clock.Now()
	ctx, cancel, logger := b.handlerContext("ban_add", event.GuildID)
	defer cancel()
	defer b.recoverEvent(logger)
	b.handleBan(ctx, logger, event.GuildID, gateway.ToUser(event.User), observedAt)
}

func (b *Bot) onGuildBanRemove(_ *discordgo.Session, event *discordgo.GuildBanRemove) {
	if event.User == nil || event.GuildID == "" {
		return
	}
	observedAt := b.clock.Now()
	ctx, cancel, logger := b.handlerContext("ban_remove", event.GuildID)
	defer cancel()
	defer b.recoverEvent(logger)
	b.handleUnban(ctx, logger, event.GuildID, gateway.ToUser(event.User), observedAt)
}

func (b *Bot) onGuildMemberUpdate(_ *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	if event.Member == nil || event.Member.User == nil || event.GuildID == "" {
		return
	}
	if !timeoutChanged(event.BeforeUpdate, event.Member) {
		return
	}
	observedAt := b.clock.Now()
	ctx, cancel, logger := b.handlerContext("member_update", event.GuildID)
	defer cancel()
	defer b.recoverEvent(logger)
	b.handleTimeoutChange(ctx, logger, event.GuildID, gateway.ToUser(event.Member.User), observedAt)
}

func (b *Bot) onGuildMemberAdd(_ *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.Member == nil || event.Member.User == nil || event.GuildID == "" || event.Member.User.Bot {
		return
	}
	ctx, cancel, logger := b.handlerContext("member_add", event.GuildID)
	defer cancel()
	defer b.recoverEvent(logger)
	b.handleJoin(ctx, logger, event.GuildID, gateway.ToUser(event.Member.User))
}

func (b *Bot) onMessageCreate(_ *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	ctx, cancel, logger := b.handlerContext("message_create", msg.GuildID)
	defer cancel()
	defer b.recoverEvent(logger)
	b.handleMessage(ctx, logger, incomingMessage{
		GuildID:         msg.GuildID,
		ChannelID:       msg.ChannelID,
		MessageID:       msg.ID,
		Author:          gateway.ToUser(msg.Author),
		Content:         msg.Content,
		MentionEveryone: msg.MentionEveryone,
	})
}

func (b *Bot) onMessageReactionAdd(_ *discordgo.Session, event *discordgo.MessageReactionAdd) {
	if event.MessageReaction == nil || event.UserID == "" || event.UserID == b.selfID() {
		return
	}
	ctx, cancel, logger := b.handlerContext("reaction_add", event.GuildID)
	defer cancel()
	defer b.recoverEvent(logger)
	b.handleReaction(ctx, logger, pingguard.Reaction{
		ChannelID: event.ChannelID,
		MessageID: event.MessageID,
		UserID:    event.UserID,
		Emoji:     event.Emoji.Name,
	})
}

// timeoutChanged reports whether a member update touched the timeout field.
// Without a cached previous state only a present timeout counts.
func timeoutChanged(before, after *discordgo.Member) bool {
	if after == nil {
		return false
	}
	if before == nil {
		return after.CommunicationDisabledUntil != nil
	}
	prev, next := before.CommunicationDisabledUntil, after.CommunicationDisabledUntil
	if prev == nil || next == nil {
		return prev != next
	}
	return !prev.Equal(*next)
}

func (b *Bot) handleRemoval(ctx context.Context, logger *zap.Logger, guildID string, target moderation.User, observedAt time.Time) {
	if target.ID == b.selfID() {
		return
	}
	logger = logger.With(zap.String("user_id", target.ID))
	if err := b.api.RequirePermission(ctx, guildID, moderation.CapViewAuditLog); err != nil {
		logger.Warn("audit log unavailable, removal skipped", zap.Error(err))
		return
	}

	removal, err := b.correlator.ResolveRemoval(ctx, guildID, target.ID, observedAt)
	if err != nil {
		logger.Warn("removal correlation failed", zap.Error(err))
		return
	}
	guild := b.guildInfo(ctx, logger, guildID)

	if removal.Entry == nil {
		logger.Info("member left voluntarily")
		b.logDelivery(logger, b.dispatcher.NotifyLeave(ctx, guildID, guild.Name, target, guild.MemberCount))
		return
	}
	if removal.Kind == moderation.EventBan && !b.recent.claim(banKey(guildID, target.ID), b.clock.Now(), removal.Entry != nil) {
		logger.Debug("ban already reported")
		return
	}
	b.report(ctx, logger, b.buildEvent(ctx, logger, removal.Kind, guild, target, removal.Entry, observedAt))
}

func (b *Bot) handleBan(ctx context.Context, logger *zap.Logger, guildID string, target moderation.User, observedAt time.Time) {
	logger = logger.With(zap.String("user_id", target.ID))
	if err := b.api.RequirePermission(ctx, guildID, moderation.CapViewAuditLog); err != nil {
		logger.Warn("audit log unavailable, ban skipped", zap.Error(err))
		return
	}
	entry, err := b.correlator.Correlate(ctx, guildID, target.ID, moderation.CategoryMemberBanAdd, observedAt)
	if err != nil {
		logger.Warn("ban correlation failed", zap.Error(err))
		return
	}
	if entry == nil {
		// the audit log can lag the gateway; look once more before reporting
		// an unknown executor
		entry, err = b.correlator.Correlate(ctx, guildID, target.ID, moderation.CategoryMemberBanAdd, observedAt)
		if err != nil {
			logger.Warn("ban correlation failed", zap.Error(err))
			return
		}
	}
	if !b.recent.claim(banKey(guildID, target.ID), b.clock.Now(), entry != nil) {
		logger.Debug("ban already reported")
		return
	}
	guild := b.guildInfo(ctx, logger, guildID)
	b.report(ctx, logger, b.buildEvent(ctx, logger, moderation.EventBan, guild, target, entry, observedAt))
}

func (b *Bot) handleUnban(ctx context.Context, logger *zap.Logger, guildID string, target moderation.User, observedAt time.Time) {
	logger = logger.With(zap.String("user_id", target.ID))
	if err := b.api.RequirePermission(ctx, guildID, moderation.CapViewAuditLog); err != nil {
		logger.Warn("audit log unavailable, unban skipped", zap.Error(err))
		return
	}
	entry, err := b.correlator.Correlate(ctx, guildID, target.ID, moderation.CategoryMemberBanRemove, observedAt)
	if err != nil {
		logger.Warn("unban correlation failed", zap.Error(err))
		return
	}
	guild := b.guildInfo(ctx, logger, guildID)
	b.report(ctx, logger, b.buildEvent(ctx, logger, moderation.EventUnban, guild, target, entry, observedAt))
}

func (b *Bot) handleTimeoutChange(ctx context.Context, logger *zap.Logger, guildID string, target moderation.User, observedAt time.Time) {
	logger = logger.With(zap.String("user_id", target.ID))
	if err := b.api.RequirePermission(ctx, guildID, moderation.CapViewAuditLog); err != nil {
		logger.Warn("audit log unavailable, timeout skipped", zap.Error(err))
		return
	}
	timeout, err := b.correlator.ResolveTimeout(ctx, guildID, target.ID, observedAt)
	if err != nil {
		logger.Warn("timeout correlation failed", zap.Error(err))
		return
	}
	if timeout == nil {
		logger.Debug("no audit entry explains the timeout change")
		return
	}
	guild := b.guildInfo(ctx, logger, guildID)
	event := b.buildEvent(ctx, logger, timeout.Kind, guild, target, timeout.Entry, observedAt)
	event.TimeoutUntil = timeout.Until
	b.report(ctx, logger, event)
}

func (b *Bot) handleJoin(ctx context.Context, logger *zap.Logger, guildID string, member moderation.User) {
	guild := b.guildInfo(ctx, logger, guildID)
	if err := b.dispatcher.Welcome(ctx, guildID, guild.Name, member, guild.MemberCount); err != nil {
		logger.Debug("welcome not delivered", zap.String("user_id", member.ID), zap.Error(err))
	}
}

func (b *Bot) handleMessage(ctx context.Context, logger *zap.Logger, msg incomingMessage) {
	if b.wakeup.HandleMessage(ctx, msg.ChannelID, msg.Author.ID, msg.Content) {
		logger.Info("wake-up acknowledged", zap.String("user_id", msg.Author.ID))
		return
	}
	if msg.GuildID == "" {
		return
	}
	if strings.HasPrefix(msg.Content, commandPrefix) {
		b.handleCommand(ctx, logger, msg)
		return
	}
	if msg.MentionEveryone {
		b.handleMassMention(ctx, logger, msg)
	}
}

func (b *Bot) handleMassMention(ctx context.Context, logger *zap.Logger, msg incomingMessage) {
	logger = logger.With(zap.String("user_id", msg.Author.ID))
	result, err := b.guard.CheckAndConsume(ctx, msg.GuildID)
	if err != nil {
		logger.Warn("ping quota unavailable, message left in place", zap.Error(err))
		return
	}
	if result.Allowed {
		logger.Debug("mass mention allowed", zap.Int("count", result.Count), zap.Int("limit", result.Limit))
		return
	}

	guild := b.guildInfo(ctx, logger, msg.GuildID)
	err = b.workflow.Block(ctx, pingguard.BlockedMessage{
		GuildID:   msg.GuildID,
		GuildName: guild.Name,
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
		Author:    msg.Author,
		Content:   msg.Content,
		Count:     result.Count,
		Limit:     result.Limit,
	})
	if err != nil {
		logger.Warn("mass mention blocked without approval request", zap.Error(err))
	}
}

func (b *Bot) handleReaction(ctx context.Context, logger *zap.Logger, reaction pingguard.Reaction) {
	outcome, err := b.workflow.HandleReaction(ctx, reaction)
	if err != nil {
		logger.Warn("approval reaction failed", zap.String("message_id", reaction.MessageID), zap.Error(err))
		return
	}
	if outcome != pingguard.OutcomeIgnored {
		logger.Info("approval resolved", zap.String("message_id", reaction.MessageID), zap.Stringer("outcome", outcome))
	}
}

// buildEvent turns a correlated audit entry into a moderation event. A nil entry
// yields an event with an unknown executor.
func (b *Bot) buildEvent(ctx context.Context, logger *zap.Logger, kind moderation.EventKind, guild moderation.Guild, target moderation.User, entry *moderation.AuditEntry, observedAt time.Time) moderation.Event {
	event := moderation.Event{
		Kind:       kind,
		GuildID:    guild.ID,
		GuildName:  guild.Name,
		Target:     target,
		OccurredAt: observedAt,
	}
	if entry == nil {
		return event
	}
	event.OccurredAt = entry.CreatedAt
	event.Reason = entry.Reason
	if entry.Executor.ID == "" {
		return event
	}

	executor := entry.Executor
	event.Executor = &executor
	class := b.registry.Classify(executor)
	event.ExecutorIsBot = class.IsBot
	event.ExecutorIsModerationBot = class.IsKnownModerationBot
	if !class.IsKnownModerationBot {
		return event
	}

	ok, err := b.api.HasPermission(ctx, guild.ID, moderation.CapReadMessageHistory)
	if err != nil || !ok {
		logger.Info("message history unavailable, human search skipped", zap.Error(err))
		return event
	}
	event.Attribution = b.resolver.FindHuman(ctx, guild.ID, executor, target, entry.CreatedAt, kind)
	return event
}

func (b *Bot) report(ctx context.Context, logger *zap.Logger, event moderation.Event) {
	fields := []zap.Field{zap.String("kind", string(event.Kind))}
	if event.Executor != nil {
		fields = append(fields, zap.String("executor_id", event.Executor.ID), zap.Bool("executor_bot", event.ExecutorIsBot))
	}
	if event.Attribution.Found() {
		fields = append(fields, zap.String("candidate_id", event.Attribution.Candidate.ID))
	}
	logger.Info("moderation action observed", fields...)
	b.logDelivery(logger, b.dispatcher.DispatchEvent(ctx, event))
}

// logDelivery only adds context; the dispatcher already logged the failure.
func (b *Bot) logDelivery(logger *zap.Logger, err error) {
	if err != nil && !errors.Is(err, dispatch.ErrNoRecipient) {
		logger.Debug("notification not delivered", zap.Error(err))
	}
}

func (b *Bot) guildInfo(ctx context.Context, logger *zap.Logger, guildID string) moderation.Guild {
	guild, err := b.api.GuildInfo(ctx, guildID)
	if err != nil {
		logger.Debug("guild lookup failed", zap.Error(err))
		return moderation.Guild{ID: guildID}
	}
	if guild.ID == "" {
		guild.ID = guildID
	}
	return guild
}

func banKey(guildID, userID string) string {
	return guildID + ":" + userID
}
