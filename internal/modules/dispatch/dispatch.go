package dispatch

import (
	"context"
	"errors"
	"fmt"

	"modnotify/internal/config"
	"modnotify/internal/moderation"
	"modnotify/internal/modules/audit"
	"modnotify/internal/storage"

	"go.uber.org/zap"
)

var ErrNoRecipient = errors.New("no notification recipient configured")

type Messenger interface {
	SendDM(ctx context.Context, userID, text string) (moderation.SentMessage, error)
}

type GuildConfigs interface {
	GetGuildConfig(ctx context.Context, guildID string) (storage.GuildConfig, error)
}

type Recorder interface {
	Log(ctx context.Context, level, guildID, userID, event, details string)
}

// Dispatcher delivers alerts to the recipient configured for a guild. Delivery
// failures are logged and returned but never retried.
type Dispatcher struct {
	messenger        Messenger
	configs          GuildConfigs
	recorder         Recorder
	defaultRecipient string
	defaultWelcome   string
	defaultLeave     string
	logger           *zap.Logger
}

func New(messenger Messenger, configs GuildConfigs, recorder Recorder, cfg config.Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		messenger:        messenger,
		configs:          configs,
		recorder:         recorder,
		defaultRecipient: cfg.DefaultRecipientUserID,
		defaultWelcome:   cfg.DefaultWelcomeTemplate,
		defaultLeave:     cfg.DefaultLeaveTemplate,
		logger:           logger,
	}
}

// guildConfig never fails: a store error is logged and the empty config is used
// so the process defaults apply.
func (d *Dispatcher) guildConfig(ctx context.Context, guildID string) storage.GuildConfig {
	cfg, err := d.configs.GetGuildConfig(ctx, guildID)
	if err != nil {
		d.logger.Warn("guild config unavailable, using defaults", zap.String("guild_id", guildID), zap.Error(err))
		return storage.GuildConfig{GuildID: guildID}
	}
	return cfg
}

// Recipient resolves who receives alerts for guildID: the guild's configured
// user, then the process default, then nobody.
func (d *Dispatcher) Recipient(ctx context.Context, guildID string) string {
	if cfg := d.guildConfig(ctx, guildID); cfg.DMRecipientUserID != "" {
		return cfg.DMRecipientUserID
	}
	return d.defaultRecipient
}

func (d *Dispatcher) Dispatch(ctx context.Context, guildID, text string) error {
	return d.deliver(ctx, guildID, "notification", "", text)
}

func (d *Dispatcher) DispatchEvent(ctx context.Context, event moderation.Event) error {
	return d.deliver(ctx, event.GuildID, string(event.Kind), event.Target.ID, RenderEvent(event))
}

// NotifyLeave sends the leave template for a member who left on their own.
func (d *Dispatcher) NotifyLeave(ctx context.Context, guildID, guildName string, user moderation.User, memberCount int) error {
	template := d.guildConfig(ctx, guildID).LeaveTemplate
	if template == "" {
		template = d.defaultLeave
	}
	text := RenderTemplate(template, TemplateVars{User: user, Server: guildName, MemberCount: memberCount})
	return d.deliver(ctx, guildID, string(moderation.EventLeave), user.ID, text)
}

// Welcome sends the welcome template to the member who just joined.
func (d *Dispatcher) Welcome(ctx context.Context, guildID, guildName string, member moderation.User, memberCount int) error {
	template := d.guildConfig(ctx, guildID).WelcomeTemplate
	if template == "" {
		template = d.defaultWelcome
	}
	if template == "" {
		return nil
	}
	text := RenderTemplate(template, TemplateVars{User: member, Server: guildName, MemberCount: memberCount})
	if _, err := d.messenger.SendDM(ctx, member.ID, text); err != nil {
		d.logDeliveryFailure(guildID, member.ID, err)
		return fmt.Errorf("welcome %s: %w", member.ID, err)
	}
	d.recorder.Log(ctx, audit.LevelInfo, guildID, member.ID, string(moderation.EventJoin), "welcome sent")
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, guildID, event, subjectID, text string) error {
	recipient := d.Recipient(ctx, guildID)
	if recipient == "" {
		d.logger.Info("no recipient configured, alert dropped", zap.String("guild_id", guildID), zap.String("event", event))
		return ErrNoRecipient
	}

	if _, err := d.messenger.SendDM(ctx, recipient, text); err != nil {
		d.logDeliveryFailure(guildID, recipient, err)
		d.recorder.Log(ctx, audit.LevelWarn, guildID, subjectID, event, "delivery failed: "+err.Error())
		return fmt.Errorf("deliver to %s: %w", recipient, err)
	}
	d.recorder.Log(ctx, audit.LevelInfo, guildID, subjectID, event, "delivered to "+recipient)
	return nil
}

func (d *Dispatcher) logDeliveryFailure(guildID, userID string, err error) {
	if errors.Is(err, moderation.ErrDMClosed) {
		d.logger.Warn("direct message refused, recipient has DMs disabled or shares no server with the bot",
			zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
		return
	}
	d.logger.Warn("direct message failed", zap.String("guild_id", guildID), zap.String("user_id", userID), zap.Error(err))
}
