package audit

import (
	"context"
	"time"

	"modnotify/internal/storage"

	"go.uber.org/zap"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
)

// Sink persists notification history rows.
type Sink interface {
	AddAuditLog(ctx context.Context, log storage.AuditLog) error
}

// Logger records every alert the bot delivered, both in the store and in the
// structured log.
type Logger struct {
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewLogger(sink Sink, logger *zap.Logger) *Logger {
	return &Logger{sink: sink, logger: logger, now: time.Now}
}

func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) {
	entry := storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: l.now(),
	}
	if l.sink != nil {
		if err := l.sink.AddAuditLog(ctx, entry); err != nil {
			l.logger.Warn("audit persist failed", zap.String("guild_id", guildID), zap.String("event", event), zap.Error(err))
		}
	}
	fields := []zap.Field{zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("event", event), zap.String("details", details)}
	if level == LevelWarn {
		l.logger.Warn("notification history", fields...)
		return
	}
	l.logger.Info("notification history", fields...)
}
