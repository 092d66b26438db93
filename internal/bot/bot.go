package bot

import (
	"context"
	"sync"
	"time"

	"modnotify/internal/analytics"
	"modnotify/internal/clock"
	"modnotify/internal/config"
	"modnotify/internal/gateway"
	"modnotify/internal/maintenance"
	"modnotify/internal/moderation"
	"modnotify/internal/modules/audit"
	"modnotify/internal/modules/broadcast"
	"modnotify/internal/modules/correlator"
	"modnotify/internal/modules/dispatch"
	"modnotify/internal/modules/executor"
	"modnotify/internal/modules/pingguard"
	"modnotify/internal/modules/wakeup"
	"modnotify/internal/storage"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const handlerTimeout = 45 * time.Second

// guildAPI is the part of the gateway the handlers and commands call directly.
type guildAPI interface {
	RequirePermission(ctx context.Context, guildID string, capability moderation.Capability) error
	HasPermission(ctx context.Context, guildID string, capability moderation.Capability) (bool, error)
	UserHasPermission(ctx context.Context, guildID, userID string, capability moderation.Capability) (bool, error)
	GuildInfo(ctx context.Context, guildID string) (moderation.Guild, error)
	MemberIDs(ctx context.Context, guildID string) ([]string, error)
	SendChannelMessage(ctx context.Context, channelID, text string) (moderation.SentMessage, error)
}

// port is everything the bot needs from Discord. gateway.Session implements it.
type port interface {
	guildAPI
	correlator.AuditSource
	executor.ChannelSource
	pingguard.Discord
	wakeup.Discord
}

type Bot struct {
	cfg         config.Config
	logger      *zap.Logger
	store       *storage.Store
	session     *discordgo.Session
	api         guildAPI
	clock       clock.Clock
	audit       *audit.Logger
	analytics   *analytics.Service
	correlator  *correlator.Correlator
	registry    *executor.Registry
	resolver    *executor.Resolver
	dispatcher  *dispatch.Dispatcher
	guard       *pingguard.Guard
	workflow    *pingguard.Workflow
	wakeup      *wakeup.Controller
	broadcast   *broadcast.Service
	maintenance *maintenance.Service
	recent      *claims
	selfID      func() string

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, counter pingguard.Counter, auditLogger *audit.Logger, analyticsEngine *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsMessageContent
	session.StateEnabled = true

	b := newBot(cfg, logger, store, counter, gateway.New(session, logger), auditLogger, analyticsEngine, clock.Real())
	b.session = session
	b.selfID = func() string {
		if session.State != nil && session.State.User != nil {
			return session.State.User.ID
		}
		return ""
	}
	return b, nil
}

func newBot(cfg config.Config, logger *zap.Logger, store *storage.Store, counter pingguard.Counter, discord port, auditLogger *audit.Logger, analyticsEngine *analytics.Service, clk clock.Clock) *Bot {
	if counter == nil {
		counter = store
	}
	dispatcher := dispatch.New(discord, store, auditLogger, cfg, logger)
	workflow := pingguard.NewWorkflow(discord, store, dispatcher, auditLogger, cfg.PingLimit, clk, logger)

	// Redis keys expire on their own; only the SQL counter table needs purging.
	var purger maintenance.PingPurger
	if _, ok := counter.(*storage.Store); ok {
		purger = store
	}

	return &Bot{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		api:        discord,
		clock:      clk,
		audit:      auditLogger,
		analytics:  analyticsEngine,
		correlator: correlator.New(discord, cfg.Correlation, logger),
		registry:   executor.NewRegistry(cfg.ModerationBots),
		resolver:   executor.NewResolver(discord, cfg.HumanSearch, logger),
		dispatcher: dispatcher,
		guard:      pingguard.NewGuard(counter, clk, cfg.PingLimit.DailyLimit),
		workflow:   workflow,
		wakeup:     wakeup.NewController(discord, store, cfg.Wakeup, clk, logger),
		broadcast:  broadcast.New(discord, cfg.BroadcastRatePerSec, logger),
		maintenance: maintenance.New(workflow, store, purger, maintenance.Config{
			PingRetentionDays:    cfg.PingLimit.CounterRetentionDays,
			HistoryRetentionDays: cfg.RetentionDays,
		}, clk, logger),
		recent: newClaims(2 * cfg.Correlation.Freshness()),
		selfID: func() string { return "" },
		runCtx: context.Background(),
	}
}

func (b *Bot) Start(ctx context.Context) error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onGuildBanRemove)
	b.session.AddHandler(b.onGuildMemberUpdate)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onMessageReactionAdd)

	if err := b.session.Open(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.runCtx, b.cancel = runCtx, cancel

	if err := b.wakeup.Restore(runCtx); err != nil {
		b.logger.Warn("wake-up state unavailable", zap.Error(err))
	}
	if err := b.maintenance.Start(runCtx); err != nil {
		return err
	}
	if path := b.cfg.ModerationBotsFile; path != "" {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			err := config.WatchModerationBots(runCtx, path, b.logger, func(names []string) {
				b.registry.Reload(names)
				b.logger.Info("moderation bot list reloaded", zap.Strings("names", b.registry.Names()))
			})
			if err != nil {
				b.logger.Warn("moderation bot watcher stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

func (b *Bot) Close(ctx context.Context) {
	b.maintenance.Stop()
	b.wakeup.Stop(ctx)
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if b.session != nil {
		_ = b.session.Close()
	}
}

// handlerContext bounds one gateway event and tags its log lines.
func (b *Bot) handlerContext(event, guildID string) (context.Context, context.CancelFunc, *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	logger := b.logger.With(
		zap.String("event_id", uuid.NewString()),
		zap.String("event", event),
		zap.String("guild_id", guildID),
	)
	return ctx, cancel, logger
}

// recoverEvent drops an event whose handler panicked.
func (b *Bot) recoverEvent(logger *zap.Logger) {
	if r := recover(); r != nil {
		logger.Error("handler panic, event dropped", zap.Any("panic", r), zap.Stack("stack"))
	}
}

// claims remembers recently reported (guild, user) actions so the ban and
// member-remove events of one ban produce a single alert. An unattributed
// report can still be followed by one that names the executor.
type claims struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]claim
}

type claim struct {
	at         time.Time
	attributed bool
}

func newClaims(ttl time.Duration) *claims {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &claims{ttl: ttl, seen: make(map[string]claim)}
}

// claim returns true for the first caller within ttl, and for the first
// attributed caller after an unattributed one.
func (c *claims) claim(key string, now time.Time, attributed bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, prev := range c.seen {
		if now.Sub(prev.at) > c.ttl {
			delete(c.seen, k)
		}
	}
	if prev, ok := c.seen[key]; ok && now.Sub(prev.at) <= c.ttl {
		if prev.attributed || !attributed {
			return false
		}
	}
	c.seen[key] = claim{at: now, attributed: attributed}
	return true
}
