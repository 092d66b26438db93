package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"modnotify/internal/analytics"
	"modnotify/internal/moderation"
	"modnotify/internal/modules/audit"
	"modnotify/internal/modules/dispatch"
	"modnotify/internal/modules/wakeup"

	"go.uber.org/zap"
)

const commandPrefix = "!"

const helpText = "**modnotify commands**\n" +
	"`!setdm <userId>` send moderation alerts for this server to a user\n" +
	"`!setmessage <template>` set the welcome DM\n" +
	"`!setleavemessage <template>` set the leave notification\n" +
	"`!checkperms` show the permissions the bot needs\n" +
	"`!startwakeup` / `!stopwakeup` control the wake-up session\n" +
	"`!dmallusers <text>` DM every member of this server\n" +
	"`!report [day|week]` summarize recent notifications\n" +
	"`!pingstatus` show today's @everyone/@here usage\n" +
	"Templates support {user} {username} {userId} {server} {memberCount}."

var checkedCapabilities = []moderation.Capability{
	moderation.CapViewAuditLog,
	moderation.CapReadMessageHistory,
	moderation.CapSendMessages,
	moderation.CapManageMessages,
	moderation.CapAdministrator,
}

func parseCommand(content string) (string, string) {
	body := strings.TrimPrefix(content, commandPrefix)
	name, args, _ := strings.Cut(strings.TrimSpace(body), " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func (b *Bot) handleCommand(ctx context.Context, logger *zap.Logger, msg incomingMessage) {
	name, args := parseCommand(msg.Content)
	logger = logger.With(zap.String("command", name), zap.String("user_id", msg.Author.ID))

	switch name {
	case "help":
		b.reply(ctx, logger, msg.ChannelID, helpText)
		return
	case "pingstatus":
		b.commandPingStatus(ctx, logger, msg)
		return
	case "setdm", "setmessage", "setleavemessage", "checkperms", "startwakeup", "stopwakeup", "dmallusers", "report":
	default:
		return
	}

	if !b.isAdmin(ctx, logger, msg.GuildID, msg.Author.ID) {
		b.reply(ctx, logger, msg.ChannelID, "❌ You need Administrator permission to use this command.")
		return
	}

	switch name {
	case "setdm":
		b.commandSetDM(ctx, logger, msg, args)
	case "setmessage":
		b.commandSetTemplate(ctx, logger, msg, args, false)
	case "setleavemessage":
		b.commandSetTemplate(ctx, logger, msg, args, true)
	case "checkperms":
		b.commandCheckPerms(ctx, logger, msg)
	case "startwakeup":
		b.commandStartWakeup(ctx, logger, msg)
	case "stopwakeup":
		if b.wakeup.Stop(ctx) {
			b.reply(ctx, logger, msg.ChannelID, fmt.Sprintf("🛑 Wake-up session stopped after %d messages.", b.wakeup.Snapshot().MessageCount))
		} else {
			b.reply(ctx, logger, msg.ChannelID, "No wake-up session is running.")
		}
	case "dmallusers":
		b.commandDMAll(ctx, logger, msg, args)
	case "report":
		b.commandReport(ctx, logger, msg, args)
	}
}

// isAdmin accepts the guild owner, Administrator holders and the configured
// default admin.
func (b *Bot) isAdmin(ctx context.Context, logger *zap.Logger, guildID, userID string) bool {
	if userID != "" && userID == b.cfg.DefaultAdminUserID {
		return true
	}
	ok, err := b.api.UserHasPermission(ctx, guildID, userID, moderation.CapAdministrator)
	if err != nil {
		logger.Warn("admin check failed", zap.Error(err))
		return false
	}
	return ok
}

func (b *Bot) commandSetDM(ctx context.Context, logger *zap.Logger, msg incomingMessage, args string) {
	userID := parseUserID(args)
	if userID == "" {
		b.reply(ctx, logger, msg.ChannelID, "Usage: `!setdm <userId>`")
		return
	}
	if err := b.store.SetDMRecipient(ctx, msg.GuildID, userID); err != nil {
		logger.Error("save recipient failed", zap.Error(err))
		b.reply(ctx, logger, msg.ChannelID, "❌ Could not save the recipient, try again later.")
		return
	}
	b.audit.Log(ctx, audit.LevelInfo, msg.GuildID, msg.Author.ID, "config_recipient", "recipient="+userID)

	guild := b.guildInfo(ctx, logger, msg.GuildID)
	welcome := fmt.Sprintf("📬 You will now receive moderation alerts for **%s**.", guild.Name)
	if err := b.dispatcher.Dispatch(ctx, msg.GuildID, welcome); err != nil {
		b.reply(ctx, logger, msg.ChannelID, fmt.Sprintf("⚠️ Alerts will be sent to <@%s>, but they could not be reached by DM. Ask them to allow DMs from server members.", userID))
		return
	}
	b.reply(ctx, logger, msg.ChannelID, fmt.Sprintf("✅ Moderation alerts for this server will be sent to <@%s>.", userID))
}

func (b *Bot) commandSetTemplate(ctx context.Context, logger *zap.Logger, msg incomingMessage, template string, leave bool) {
	usage, label, save := "!setmessage <template>", "Welcome", b.store.SetWelcomeTemplate
	if leave {
		usage, label, save = "!setleavemessage <template>", "Leave", b.store.SetLeaveTemplate
	}
	if template == "" {
		b.reply(ctx, logger, msg.ChannelID, fmt.Sprintf("Usage: `%s`", usage))
		return
	}
	if err := save(ctx, msg.GuildID, template); err != nil {
		logger.Error("save template failed", zap.Error(err))
		b.reply(ctx, logger, msg.ChannelID, "❌ Could not save the message, try again later.")
		return
	}
	b.audit.Log(ctx, audit.LevelInfo, msg.GuildID, msg.Author.ID, "config_"+strings.ToLower(label), "template updated")

	guild := b.guildInfo(ctx, logger, msg.GuildID)
	preview := dispatch.RenderTemplate(template, dispatch.TemplateVars{User: msg.Author, Server: guild.Name, MemberCount: guild.MemberCount})
	b.reply(ctx, logger, msg.ChannelID, fmt.Sprintf("✅ %s message updated. Preview:\n%s", label, preview))
}

func (b *Bot) commandCheckPerms(ctx context.Context, logger *zap.Logger, msg incomingMessage) {
	var sb strings.Builder
	sb.WriteString("🔍 **Bot permissions in this server**\n")
	for _, capability := range checkedCapabilities {
		ok, err := b.api.HasPermission(ctx, msg.GuildID, capability)
		mark := "✅"
		switch {
		case err != nil:
			mark = "⚠️"
		case !ok:
			mark = "❌"
		}
		fmt.Fprintf(&sb, "%s %s\n", mark, capability)
	}
	if recipient := b.dispatcher.Recipient(ctx, msg.GuildID); recipient != "" {
		fmt.Fprintf(&sb, "📬 Alerts go to <@%s>", recipient)
	} else {
		sb.WriteString("📭 No alert recipient configured, use `!setdm <userId>`")
	}
	b.reply(ctx, logger, msg.ChannelID, sb.String())
}

func (b *Bot) commandStartWakeup(ctx context.Context, logger *zap.Logger, msg incomingMessage) {
	err := b.wakeup.Start(ctx)
	switch {
	case errors.Is(err, wakeup.ErrNotConfigured):
		b.reply(ctx, logger, msg.ChannelID, "❌ No wake-up target is configured.")
	case errors.Is(err, wakeup.ErrAlreadyActive):
		b.reply(ctx, logger, msg.ChannelID, "A wake-up session is already running.")
	case err != nil:
		logger.Warn("wake-up start failed", zap.Error(err))
		b.reply(ctx, logger, msg.ChannelID, "❌ Could not start the wake-up session.")
	default:
		b.reply(ctx, logger, msg.ChannelID, fmt.Sprintf("⏰ Wake-up session started for <@%s>.", b.cfg.Wakeup.TargetUserID))
	}
}

// commandDMAll runs the broadcast in the background so the gateway handler
// returns immediately. The summary is posted when it finishes.
func (b *Bot) commandDMAll(ctx context.Context, logger *zap.Logger, msg incomingMessage, text string) {
	if text == "" {
		b.reply(ctx, logger, msg.ChannelID, "Usage: `!dmallusers <text>`")
		return
	}
	members, err := b.api.MemberIDs(ctx, msg.GuildID)
	if err != nil {
		logger.Warn("member list failed", zap.Error(err))
		b.reply(ctx, logger, msg.ChannelID, "❌ Could not list the members of this server.")
		return
	}
	b.reply(ctx, logger, msg.ChannelID, fmt.Sprintf("📨 Sending your message to %d members...", len(members)))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		runCtx := b.runCtx
		status, err := b.broadcast.Run(runCtx, msg.GuildID, members, text)
		if err != nil {
			logger.Warn("broadcast interrupted", zap.Error(err))
		}
		b.audit.Log(runCtx, audit.LevelInfo, msg.GuildID, msg.Author.ID, "broadcast",
			fmt.Sprintf("job=%s sent=%d failed=%d", status.ID, status.Sent, status.Failed))
		b.reply(runCtx, logger, msg.ChannelID, fmt.Sprintf("✅ Broadcast finished: %d sent, %d failed.", status.Sent, status.Failed))
	}()
}

func (b *Bot) commandReport(ctx context.Context, logger *zap.Logger, msg incomingMessage, period string) {
	report, err := b.analytics.Report(ctx, msg.GuildID, analytics.PeriodStart(b.clock.Now(), period))
	if err != nil {
		logger.Warn("report failed", zap.Error(err))
		b.reply(ctx, logger, msg.ChannelID, "❌ Could not build the report.")
		return
	}
	b.reply(ctx, logger, msg.ChannelID, analytics.Format(report))
}

func (b *Bot) commandPingStatus(ctx context.Context, logger *zap.Logger, msg incomingMessage) {
	status, err := b.guard.Status(ctx, msg.GuildID)
	if err != nil {
		logger.Warn("ping status failed", zap.Error(err))
		b.reply(ctx, logger, msg.ChannelID, "❌ Could not read today's ping count.")
		return
	}
	b.reply(ctx, logger, msg.ChannelID, fmt.Sprintf("📣 Mass pings today: %d/%d", status.Count, status.Limit))
}

func (b *Bot) reply(ctx context.Context, logger *zap.Logger, channelID, text string) {
	if _, err := b.api.SendChannelMessage(ctx, channelID, text); err != nil {
		logger.Warn("command reply failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// parseUserID accepts a raw id or a mention.
func parseUserID(arg string) string {
	arg = strings.TrimSpace(arg)
	arg = strings.TrimPrefix(arg, "<@")
	arg = strings.TrimPrefix(arg, "!")
	arg = strings.TrimSuffix(arg, ">")
	if len(arg) < 17 || len(arg) > 20 {
		return ""
	}
	for _, r := range arg {
		if !unicode.IsDigit(r) {
			return ""
		}
	}
	return arg
}
