package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"modnotify/internal/clock"
	"modnotify/internal/moderation"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 2 * time.Minute

type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Retention is implemented by the store. A nil PingPurger is allowed when ping
// counters live in redis and expire on their own.
type Retention interface {
	CleanupAuditLogs(ctx context.Context, before time.Time) (int64, error)
}

type PingPurger interface {
	PurgePingCounters(ctx context.Context, beforeDay string) (int64, error)
}

type Config struct {
	PingRetentionDays    int
	HistoryRetentionDays int
}

type Service struct {
	mu        sync.Mutex
	cron      *cron.Cron
	expirer   Expirer
	retention Retention
	pings     PingPurger
	clock     clock.Clock
	cfg       Config
	logger    *zap.Logger
}

func New(expirer Expirer, retention Retention, pings PingPurger, cfg Config, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.PingRetentionDays <= 0 {
		cfg.PingRetentionDays = 7
	}
	if cfg.HistoryRetentionDays <= 0 {
		cfg.HistoryRetentionDays = 30
	}
	return &Service{expirer: expirer, retention: retention, pings: pings, clock: clk, cfg: cfg, logger: logger}
}

// Start schedules the hourly approval expiry and the daily retention sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("@hourly", func() { s.run(ctx, "expire_approvals", s.RunHourly) }); err != nil {
		return err
	}
	if _, err := c.AddFunc("@daily", func() { s.run(ctx, "retention", s.RunDaily) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("maintenance scheduled")
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("maintenance stopped")
}

func (s *Service) run(ctx context.Context, name string, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.Warn("maintenance job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Debug("maintenance job done", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

func (s *Service) RunHourly(ctx context.Context) error {
	if s.expirer == nil {
		return nil
	}
	closed, err := s.expirer.ExpireStale(ctx)
	if closed > 0 {
		s.logger.Info("expired pending approvals", zap.Int("count", closed))
	}
	return err
}

// RunDaily drops ping counters and notification history past their retention.
func (s *Service) RunDaily(ctx context.Context) error {
	now := s.clock.Now()
	var errs []error

	if s.pings != nil {
		beforeDay := moderation.DayKey(now.AddDate(0, 0, -s.cfg.PingRetentionDays))
		removed, err := s.pings.PurgePingCounters(ctx, beforeDay)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge ping counters: %w", err))
		} else if removed > 0 {
			s.logger.Info("purged ping counters", zap.Int64("count", removed), zap.String("before", beforeDay))
		}
	}

	if s.retention != nil {
		removed, err := s.retention.CleanupAuditLogs(ctx, now.AddDate(0, 0, -s.cfg.HistoryRetentionDays))
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup notification history: %w", err))
		} else if removed > 0 {
			s.logger.Info("cleaned notification history", zap.Int64("count", removed))
		}
	}
	return errors.Join(errs...)
}
