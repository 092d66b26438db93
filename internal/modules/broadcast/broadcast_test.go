package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"modnotify/internal/moderation"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	closed map[string]bool
}

func (f *fakeSender) SendDM(_ context.Context, userID, _ string) (moderation.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[userID] {
		return moderation.SentMessage{}, errors.New("dm closed")
	}
	f.sent = append(f.sent, userID)
	return moderation.SentMessage{ChannelID: "dm-" + userID, MessageID: "m"}, nil
}

func TestRunCountsFailures(t *testing.T) {
	sender := &fakeSender{closed: map[string]bool{"u2": true}}
	svc := New(sender, 100, zap.NewNop())

	status, err := svc.Run(context.Background(), "g1", []string{"u1", "u2", "u3"}, "hello")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 2, status.Sent)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, []string{"u1", "u3"}, sender.sent)
	_, parseErr := uuid.Parse(status.ID)
	assert.NoError(t, parseErr)

	last, ok := svc.Last("g1")
	require.True(t, ok)
	assert.Equal(t, status.ID, last.ID)
}

func TestRunStopsOnCancel(t *testing.T) {
	sender := &fakeSender{}
	svc := New(sender, 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := svc.Run(ctx, "g1", []string{"u1", "u2"}, "hello")
	require.Error(t, err)
	assert.Zero(t, status.Sent)
}

func TestRunRejectsEmptyText(t *testing.T) {
	svc := New(&fakeSender{}, 0, zap.NewNop())
	_, err := svc.Run(context.Background(), "g1", []string{"u1"}, "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}
