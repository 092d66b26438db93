package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"modnotify/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memorySink struct {
	logs []storage.AuditLog
	err  error
}

func (m *memorySink) AddAuditLog(_ context.Context, log storage.AuditLog) error {
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, log)
	return nil
}

func TestLogPersistsEntry(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger(sink, zap.NewNop())
	fixed := time.Unix(1700000000, 0)
	logger.now = func() time.Time { return fixed }

	logger.Log(context.Background(), LevelInfo, "g1", "u1", "kick", "executor=m1")

	require.Len(t, sink.logs, 1)
	assert.Equal(t, storage.AuditLog{
		GuildID:   "g1",
		UserID:    "u1",
		Level:     LevelInfo,
		Event:     "kick",
		Details:   "executor=m1",
		CreatedAt: fixed,
	}, sink.logs[0])
}

func TestLogSurvivesSinkFailure(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	logger := NewLogger(sink, zap.NewNop())

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), LevelWarn, "g1", "", "delivery_failed", "")
	})

	nilSink := NewLogger(nil, zap.NewNop())
	assert.NotPanics(t, func() {
		nilSink.Log(context.Background(), LevelInfo, "g1", "", "x", "")
	})
}
