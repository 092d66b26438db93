package pingguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modnotify/internal/clock"
	"modnotify/internal/config"
	"modnotify/internal/moderation"
	"modnotify/internal/modules/audit"
	"modnotify/internal/storage"

	"go.uber.org/zap"
)

const (
	approvedPrefix = "[Approved override] "
	previewRunes   = 500
)

var ErrNoReviewer = errors.New("no reviewer configured")

// Discord is the slice of the gateway the approval workflow talks to.
type Discord interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	SendDM(ctx context.Context, userID, text string) (moderation.SentMessage, error)
	SendChannelMessage(ctx context.Context, channelID, text string) (moderation.SentMessage, error)
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	EditMessage(ctx context.Context, channelID, messageID, text string) error
}

type Approvals interface {
	CreatePendingApproval(ctx context.Context, p storage.PendingApproval) error
	GetPendingApproval(ctx context.Context, messageID string) (storage.PendingApproval, error)
	TakePendingApproval(ctx context.Context, messageID string) (storage.PendingApproval, error)
	ListExpiredApprovals(ctx context.Context, before time.Time) ([]storage.PendingApproval, error)
}

// Reviewers resolves the user allowed to decide on a guild's requests.
type Reviewers interface {
	Recipient(ctx context.Context, guildID string) string
}

type Recorder interface {
	Log(ctx context.Context, level, guildID, userID, event, details string)
}

type BlockedMessage struct {
	GuildID   string
	GuildName string
	ChannelID string
	MessageID string
	Author    moderation.User
	Content   string
	Count     int
	Limit     int
}

type Reaction struct {
	ChannelID string
	MessageID string
	UserID    string
	Emoji     string
}

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeApproved
	OutcomeDenied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeDenied:
		return "denied"
	default:
		return "ignored"
	}
}

// Workflow runs the approval exchange for blocked mass mentions. A pending
// request is persisted under the id of the approval message and removed by the
// first decision, so a second reaction finds nothing.
type Workflow struct {
	discord   Discord
	approvals Approvals
	reviewers Reviewers
	recorder  Recorder
	clock     clock.Clock
	approve   string
	deny      string
	ttl       time.Duration
	logger    *zap.Logger
}

func NewWorkflow(discord Discord, approvals Approvals, reviewers Reviewers, recorder Recorder, cfg config.PingLimitConfig, clk clock.Clock, logger *zap.Logger) *Workflow {
	if clk == nil {
		clk = clock.Real()
	}
	approve, deny := cfg.ApproveEmoji, cfg.DenyEmoji
	if approve == "" {
		approve = "✅"
	}
	if deny == "" {
		deny = "❌"
	}
	return &Workflow{
		discord:   discord,
		approvals: approvals,
		reviewers: reviewers,
		recorder:  recorder,
		clock:     clk,
		approve:   approve,
		deny:      deny,
		ttl:       cfg.ApprovalTTL(),
		logger:    logger,
	}
}

// Block removes a mass mention that exceeded the quota and asks the reviewer
// whether to let it through.
func (w *Workflow) Block(ctx context.Context, msg BlockedMessage) error {
	logger := w.logger.With(zap.String("guild_id", msg.GuildID), zap.String("user_id", msg.Author.ID))

	if err := w.discord.DeleteMessage(ctx, msg.ChannelID, msg.MessageID); err != nil {
		logger.Warn("delete blocked message failed", zap.Error(err))
	}

	notice := fmt.Sprintf("🚫 Your message in **%s** was removed: the daily limit of %d @everyone/@here pings has been reached. A moderator has been asked to review it.",
		guildLabel(msg), msg.Limit)
	if _, err := w.discord.SendDM(ctx, msg.Author.ID, notice); err != nil {
		logger.Warn("blocked notice not delivered", zap.Error(err))
	}

	reviewer := w.reviewers.Recipient(ctx, msg.GuildID)
	if reviewer == "" {
		logger.Info("no reviewer configured, blocked ping dropped")
		return ErrNoReviewer
	}

	request, err := w.discord.SendDM(ctx, reviewer, w.renderRequest(msg))
	if err != nil {
		return fmt.Errorf("send approval request: %w", err)
	}

	pending := storage.PendingApproval{
		MessageID:         request.MessageID,
		ApprovalChannelID: request.ChannelID,
		GuildID:           msg.GuildID,
		RequesterUserID:   msg.Author.ID,
		ChannelID:         msg.ChannelID,
		OriginalContent:   msg.Content,
		CreatedAt:         w.clock.Now(),
	}
	if err := w.approvals.CreatePendingApproval(ctx, pending); err != nil {
		return fmt.Errorf("persist pending approval: %w", err)
	}

	for _, emoji := range []string{w.approve, w.deny} {
		if err := w.discord.AddReaction(ctx, request.ChannelID, request.MessageID, emoji); err != nil {
			logger.Warn("add approval reaction failed", zap.String("emoji", emoji), zap.Error(err))
		}
	}

	w.recorder.Log(ctx, audit.LevelWarn, msg.GuildID, msg.Author.ID, "ping_blocked",
		fmt.Sprintf("count=%d limit=%d approval=%s", msg.Count, msg.Limit, request.MessageID))
	return nil
}

// HandleReaction applies a reviewer's decision. Reactions from anyone else, on
// unknown messages or with other emoji are ignored.
func (w *Workflow) HandleReaction(ctx context.Context, reaction Reaction) (Outcome, error) {
	var outcome Outcome
	switch reaction.Emoji {
	case w.approve:
		outcome = OutcomeApproved
	case w.deny:
		outcome = OutcomeDenied
	default:
		return OutcomeIgnored, nil
	}

	pending, err := w.approvals.GetPendingApproval(ctx, reaction.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("load pending approval: %w", err)
	}
	if reviewer := w.reviewers.Recipient(ctx, pending.GuildID); reviewer == "" || reviewer != reaction.UserID {
		return OutcomeIgnored, nil
	}

	pending, err = w.approvals.TakePendingApproval(ctx, reaction.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("take pending approval: %w", err)
	}

	logger := w.logger.With(zap.String("guild_id", pending.GuildID), zap.String("approval_id", pending.MessageID))
	switch outcome {
	case OutcomeApproved:
		if _, err := w.discord.SendChannelMessage(ctx, pending.ChannelID, approvedPrefix+pending.OriginalContent); err != nil {
			logger.Warn("repost approved message failed", zap.Error(err))
		}
		w.notifyRequester(ctx, logger, pending, fmt.Sprintf("✅ Your ping in <#%s> was approved and reposted.", pending.ChannelID))
		w.markResolved(ctx, logger, pending, fmt.Sprintf("✅ **Approved** by <@%s>", reaction.UserID))
	case OutcomeDenied:
		w.notifyRequester(ctx, logger, pending, fmt.Sprintf("❌ Your ping in <#%s> was denied by a moderator.", pending.ChannelID))
		w.markResolved(ctx, logger, pending, fmt.Sprintf("❌ **Denied** by <@%s>", reaction.UserID))
	}

	w.recorder.Log(ctx, audit.LevelInfo, pending.GuildID, pending.RequesterUserID, "ping_"+outcome.String(), "reviewer="+reaction.UserID)
	return outcome, nil
}

// ExpireStale auto-denies requests older than the approval TTL and returns how
// many were closed.
func (w *Workflow) ExpireStale(ctx context.Context) (int, error) {
	cutoff := w.clock.Now().Add(-w.ttl)
	expired, err := w.approvals.ListExpiredApprovals(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired approvals: %w", err)
	}

	closed := 0
	for _, candidate := range expired {
		pending, err := w.approvals.TakePendingApproval(ctx, candidate.MessageID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return closed, fmt.Errorf("take expired approval: %w", err)
		}
		logger := w.logger.With(zap.String("guild_id", pending.GuildID), zap.String("approval_id", pending.MessageID))
		w.notifyRequester(ctx, logger, pending, fmt.Sprintf("⌛ Your ping in <#%s> was not reviewed in time and has been denied.", pending.ChannelID))
		w.markResolved(ctx, logger, pending, "⌛ **Expired**, automatically denied")
		w.recorder.Log(ctx, audit.LevelInfo, pending.GuildID, pending.RequesterUserID, "ping_expired", "")
		closed++
	}
	return closed, nil
}

func (w *Workflow) notifyRequester(ctx context.Context, logger *zap.Logger, pending storage.PendingApproval, text string) {
	if _, err := w.discord.SendDM(ctx, pending.RequesterUserID, text); err != nil {
		logger.Warn("requester notification failed", zap.String("user_id", pending.RequesterUserID), zap.Error(err))
	}
}

func (w *Workflow) markResolved(ctx context.Context, logger *zap.Logger, pending storage.PendingApproval, status string) {
	text := status + "\n\n" + renderOriginal(pending.RequesterUserID, pending.ChannelID, pending.OriginalContent)
	if err := w.discord.EditMessage(ctx, pending.ApprovalChannelID, pending.MessageID, text); err != nil {
		logger.Warn("edit approval message failed", zap.Error(err))
	}
}

func (w *Workflow) renderRequest(msg BlockedMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛑 **Ping approval needed in %s**\n\n", guildLabel(msg))
	fmt.Fprintf(&b, "Today's limit of %d @everyone/@here pings is used up.\n", msg.Limit)
	fmt.Fprintf(&b, "React %s to approve and repost, %s to deny. Unanswered requests are denied after %s.\n\n", w.approve, w.deny, w.ttl)
	b.WriteString(renderOriginal(msg.Author.ID, msg.ChannelID, msg.Content))
	return b.String()
}

func renderOriginal(authorID, channelID, content string) string {
	return fmt.Sprintf("**From:** <@%s> in <#%s>\n**Message:**\n>>> %s", authorID, channelID, Preview(content))
}

// Preview cuts content to at most 500 runes.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes]) + "…"
}

func guildLabel(msg BlockedMessage) string {
	if msg.GuildName != "" {
		return msg.GuildName
	}
	return msg.GuildID
}
