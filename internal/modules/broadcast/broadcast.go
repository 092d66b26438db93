package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"modnotify/internal/moderation"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrEmptyMessage = errors.New("broadcast message is empty")

type Sender interface {
	SendDM(ctx context.Context, userID, text string) (moderation.SentMessage, error)
}

type Status struct {
	ID        string
	GuildID   string
	Total     int
	Sent      int
	Failed    int
	StartedAt time.Time
	DoneAt    time.Time
}

type Service struct {
	sender  Sender
	limiter *rate.Limiter
	logger  *zap.Logger

	mu   sync.Mutex
	last map[string]Status
}

func New(sender Sender, ratePerSec int, logger *zap.Logger) *Service {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Service{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		logger:  logger,
		last:    make(map[string]Status),
	}
}

// Run DMs every target once, paced by the shared limiter. Failures are counted and
// skipped. It returns early only when ctx is cancelled.
func (s *Service) Run(ctx context.Context, guildID string, targets []string, text string) (Status, error) {
	if text == "" {
		return Status{}, ErrEmptyMessage
	}
	status := Status{ID: uuid.NewString(), GuildID: guildID, Total: len(targets), StartedAt: time.Now()}
	log := s.logger.With(zap.String("job", status.ID), zap.String("guild_id", guildID))
	log.Info("broadcast started", zap.Int("total", status.Total))

	var err error
	for _, userID := range targets {
		if err = s.limiter.Wait(ctx); err != nil {
			break
		}
		if _, sendErr := s.sender.SendDM(ctx, userID, text); sendErr != nil {
			status.Failed++
			log.Debug("broadcast send failed", zap.String("user_id", userID), zap.Error(sendErr))
			continue
		}
		status.Sent++
	}
	status.DoneAt = time.Now()

	s.mu.Lock()
	s.last[guildID] = status
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Int("sent", status.Sent),
		zap.Int("failed", status.Failed),
		zap.Duration("took", status.DoneAt.Sub(status.StartedAt)),
	}
	if status.Failed > 0 || err != nil {
		log.Warn("broadcast finished with failures", append(fields, zap.Error(err))...)
	} else {
		log.Info("broadcast finished", fields...)
	}
	return status, err
}

func (s *Service) Last(guildID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.last[guildID]
	return st, ok
}
