package executor

import (
	"context"
	"regexp"
	"strings"
	"time"

	"modnotify/internal/config"
	"modnotify/internal/moderation"

	"go.uber.org/zap"
)

// ChannelSource exposes the guild channels and message history the resolver
// searches.
type ChannelSource interface {
	ReadableTextChannels(ctx context.Context, guildID string) ([]string, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]moderation.Message, error)
	Member(ctx context.Context, guildID, userID string) (moderation.User, error)
}

var moderatorPattern = regexp.MustCompile(`(?i)(?:by|from)\s+<?@?!?(\d{17,19})>?`)

// Resolver looks through recent bot messages for the moderator who asked a
// moderation bot to act. Results are guesses and are labelled as such.
type Resolver struct {
	source  ChannelSource
	window  time.Duration
	perChan int
	logger  *zap.Logger
}

func NewResolver(source ChannelSource, cfg config.HumanSearchConfig, logger *zap.Logger) *Resolver {
	perChan := cfg.MessagesPerChannel
	if perChan <= 0 {
		perChan = 10
	}
	return &Resolver{
		source:  source,
		window:  cfg.Window(),
		perChan: perChan,
		logger:  logger,
	}
}

// FindHuman returns the first candidate found across the readable text channels
// in enumeration order. Channels that cannot be read are skipped.
func (r *Resolver) FindHuman(ctx context.Context, guildID string, bot, target moderation.User, at time.Time, action moderation.EventKind) moderation.Attribution {
	channels, err := r.source.ReadableTextChannels(ctx, guildID)
	if err != nil {
		r.logger.Debug("human search: list channels failed", zap.String("guild_id", guildID), zap.Error(err))
		return moderation.Attribution{}
	}

	keywords := actionKeywords(action)
	for _, channelID := range channels {
		if ctx.Err() != nil {
			return moderation.Attribution{}
		}
		messages, err := r.source.RecentMessages(ctx, channelID, r.perChan)
		if err != nil {
			r.logger.Debug("human search: skip channel", zap.String("channel_id", channelID), zap.Error(err))
			continue
		}
		msg, ok := r.firstRelevant(messages, bot, target, at, keywords)
		if !ok {
			continue
		}
		if candidate, ok := r.candidateFrom(ctx, guildID, msg, bot, target); ok {
			return moderation.Attribution{
				Confidence: moderation.ConfidenceLow,
				Candidate:  candidate,
				ChannelID:  channelID,
				MessageID:  msg.ID,
			}
		}
	}
	return moderation.Attribution{}
}

func (r *Resolver) firstRelevant(messages []moderation.Message, bot, target moderation.User, at time.Time, keywords []string) (moderation.Message, bool) {
	for _, msg := range messages {
		if msg.Author.ID != bot.ID {
			continue
		}
		gap := msg.CreatedAt.Sub(at)
		if gap < 0 {
			gap = -gap
		}
		if gap > r.window {
			continue
		}
		if referencesTarget(msg.Content, target, keywords) {
			return msg, true
		}
	}
	return moderation.Message{}, false
}

func (r *Resolver) candidateFrom(ctx context.Context, guildID string, msg moderation.Message, bot, target moderation.User) (moderation.User, bool) {
	for _, mention := range msg.Mentions {
		if mention.ID != target.ID && mention.ID != bot.ID {
			return mention, true
		}
	}

	match := moderatorPattern.FindStringSubmatch(msg.Content)
	if len(match) < 2 {
		return moderation.User{}, false
	}
	id := match[1]
	if id == target.ID || id == bot.ID {
		return moderation.User{}, false
	}
	member, err := r.source.Member(ctx, guildID, id)
	if err != nil {
		r.logger.Debug("human search: member lookup failed", zap.String("user_id", id), zap.Error(err))
		return moderation.User{}, false
	}
	return member, true
}

func referencesTarget(content string, target moderation.User, keywords []string) bool {
	if target.ID != "" && strings.Contains(content, target.ID) {
		return true
	}
	if tag := target.Tag(); tag != "" && strings.Contains(content, tag) {
		return true
	}
	lower := strings.ToLower(content)
	for _, keyword := range keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func actionKeywords(action moderation.EventKind) []string {
	switch action {
	case moderation.EventKick:
		return []string{"kicked"}
	case moderation.EventBan:
		return []string{"banned"}
	case moderation.EventUnban:
		return []string{"unbanned"}
	case moderation.EventTimeout:
		return []string{"timed out", "timeout", "muted"}
	case moderation.EventUntimeout:
		return []string{"timeout removed", "unmuted"}
	default:
		return []string{"kicked", "banned"}
	}
}
