package wakeup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modnotify/internal/clock"
	"modnotify/internal/config"
	"modnotify/internal/moderation"

	"go.uber.org/zap"
)

const documentKey = "wakeup_session"

var (
	ErrNotConfigured = errors.New("wake-up target not configured")
	ErrAlreadyActive = errors.New("wake-up session already active")
)

type Discord interface {
	SendDM(ctx context.Context, userID, text string) (moderation.SentMessage, error)
	Presence(ctx context.Context, userID string) (moderation.PresenceStatus, error)
}

type Documents interface {
	LoadDocument(ctx context.Context, key string, v any) (bool, error)
	SaveDocument(ctx context.Context, key string, v any) error
}

// Session is the persisted state. Active is stored for inspection only; a
// restarted process always comes back inactive.
type Session struct {
	Active       bool `json:"isActive"`
	MessageCount int  `json:"messageCount"`
}

// Controller repeatedly DMs one user until they acknowledge in a chosen channel.
// Each tick re-arms the next one only after it completes; Stop prevents further
// ticks but lets an in-flight delivery finish.
type Controller struct {
	mu         sync.Mutex
	saveMu     sync.Mutex
	discord    Discord
	docs       Documents
	clock      clock.Clock
	cfg        config.WakeupConfig
	logger     *zap.Logger
	session    Session
	timer      clock.Timer
	generation int
	wasOffline bool
}

func NewController(discord Discord, docs Documents, cfg config.WakeupConfig, clk clock.Clock, logger *zap.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.EscalateEvery <= 0 {
		cfg.EscalateEvery = 10
	}
	if cfg.AckPhrase == "" {
		cfg.AckPhrase = "i'm awake"
	}
	return &Controller{discord: discord, docs: docs, clock: clk, cfg: cfg, logger: logger}
}

// Restore loads the persisted message count. The session is not resumed.
func (c *Controller) Restore(ctx context.Context) error {
	var stored Session
	found, err := c.docs.LoadDocument(ctx, documentKey, &stored)
	if err != nil {
		return fmt.Errorf("load wake-up session: %w", err)
	}
	if !found {
		return nil
	}
	c.mu.Lock()
	c.session = Session{MessageCount: stored.MessageCount}
	c.mu.Unlock()
	if stored.Active {
		c.logger.Info("wake-up session was active before restart, not resuming", zap.Int("message_count", stored.MessageCount))
	}
	return nil
}

func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) Start(ctx context.Context) error {
	if c.cfg.TargetUserID == "" {
		return ErrNotConfigured
	}
	c.mu.Lock()
	if c.session.Active {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.session.Active = true
	c.wasOffline = false
	c.generation++
	gen := c.generation
	c.timer = c.clock.AfterFunc(0, func() { c.tick(gen) })
	c.mu.Unlock()

	c.persist(ctx)
	c.logger.Info("wake-up session started", zap.String("user_id", c.cfg.TargetUserID))
	return nil
}

// Stop ends the session. It returns false when nothing was running.
func (c *Controller) Stop(ctx context.Context) bool {
	c.mu.Lock()
	if !c.session.Active {
		c.mu.Unlock()
		return false
	}
	c.session.Active = false
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	count := c.session.MessageCount
	c.mu.Unlock()

	c.persist(ctx)
	c.logger.Info("wake-up session stopped", zap.Int("message_count", count))
	return true
}

// HandleMessage stops the session when the target posts the acknowledgement
// phrase in the acknowledgement channel. It reports whether it did.
func (c *Controller) HandleMessage(ctx context.Context, channelID, authorID, content string) bool {
	if authorID == "" || authorID != c.cfg.TargetUserID {
		return false
	}
	if c.cfg.AckChannelID != "" && channelID != c.cfg.AckChannelID {
		return false
	}
	if !strings.Contains(strings.ToLower(content), strings.ToLower(c.cfg.AckPhrase)) {
		return false
	}
	if !c.Stop(ctx) {
		return false
	}
	if _, err := c.discord.SendDM(ctx, c.cfg.TargetUserID, "✅ Acknowledged, wake-up messages stopped. Good morning!"); err != nil {
		c.logger.Warn("wake-up confirmation failed", zap.Error(err))
	}
	return true
}

func (c *Controller) tick(gen int) {
	ctx := context.Background()

	c.mu.Lock()
	if !c.session.Active || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	status, err := c.discord.Presence(ctx, c.cfg.TargetUserID)
	if err != nil {
		c.logger.Debug("wake-up presence unknown, treating as offline", zap.Error(err))
		status = moderation.StatusOffline
	}

	if !status.Active() {
		c.mu.Lock()
		c.wasOffline = true
		c.mu.Unlock()
		c.rearm(gen)
		return
	}

	c.mu.Lock()
	c.session.MessageCount++
	count := c.session.MessageCount
	escalate := c.wasOffline || count%c.cfg.EscalateEvery == 0
	c.wasOffline = false
	c.mu.Unlock()

	if _, err := c.discord.SendDM(ctx, c.cfg.TargetUserID, c.render(count, escalate)); err != nil {
		c.logger.Warn("wake-up message failed", zap.Int("message_count", count), zap.Error(err))
	}
	c.persist(ctx)
	c.rearm(gen)
}

func (c *Controller) rearm(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session.Active || gen != c.generation {
		return
	}
	c.timer = c.clock.AfterFunc(c.cfg.Interval(), func() { c.tick(gen) })
}

func (c *Controller) render(count int, escalate bool) string {
	where := ""
	if c.cfg.AckChannelID != "" {
		where = fmt.Sprintf(" in <#%s>", c.cfg.AckChannelID)
	}
	if escalate {
		return fmt.Sprintf("<@%s> 🚨 WAKE UP!!! 🚨 (#%d) SAY \"%s\"%s TO MAKE IT STOP",
			c.cfg.TargetUserID, count, strings.ToUpper(c.cfg.AckPhrase), where)
	}
	return fmt.Sprintf("⏰ Wake up! (#%d) Say \"%s\"%s to stop these messages.", count, c.cfg.AckPhrase, where)
}

// persist saves the state current at write time. Saves are serialized so a
// tick finishing after Stop cannot overwrite the stopped state.
func (c *Controller) persist(ctx context.Context) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	snapshot := c.session
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.docs.SaveDocument(ctx, documentKey, snapshot); err != nil {
		c.logger.Warn("persist wake-up session failed", zap.Error(err))
	}
}
