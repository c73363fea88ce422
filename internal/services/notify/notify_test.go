package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/middleware"
	"github.com/tg-spybot-go/internal/models"
	"github.com/tg-spybot-go/internal/platform"
)

type fakeSender struct {
	calls    int
	failures int
	err      error
	sent     []string
	dest     int64
}

func (f *fakeSender) Send(ctx context.Context, destination int64, text string) error {
	f.calls++
	f.dest = destination
	if f.calls <= f.failures {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func newTestDispatcher(sender platform.Sender) *Dispatcher {
	cfg := &config.Config{}
	cfg.Bot.AdminUserID = 99
	cfg.Notify.MaxRetries = 2
	cfg.Notify.RetryBackoff = time.Millisecond

	return NewDispatcher(cfg, sender, middleware.NewMetrics(), logrus.New())
}

func TestDeliverFirstAttempt(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	require.NoError(t, d.Deliver(context.Background(), "hello"))
	assert.Equal(t, 1, sender.calls)
	assert.EqualValues(t, 99, sender.dest)
}

func TestDeliverRetriesTransientThenSucceeds(t *testing.T) {
	sender := &fakeSender{failures: 2, err: errors.New("connection reset")}
	d := newTestDispatcher(sender)

	require.NoError(t, d.Deliver(context.Background(), "hello"))
	assert.Equal(t, 3, sender.calls)
}

func TestDeliverStopsOnPermanentError(t *testing.T) {
	sender := &fakeSender{failures: 10, err: &platform.PermanentError{Err: errors.New("chat not found")}}
	d := newTestDispatcher(sender)

	err := d.Deliver(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, 1, sender.calls)
}

func TestDeliverExhaustsRetries(t *testing.T) {
	sender := &fakeSender{failures: 10, err: errors.New("timeout")}
	d := newTestDispatcher(sender)

	err := d.Deliver(context.Background(), "hello")
	require.Error(t, err)
	// initial attempt + 2 retries
	assert.Equal(t, 3, sender.calls)
}

func TestNotifyChatIDOverridesAdmin(t *testing.T) {
	sender := &fakeSender{}
	cfg := &config.Config{}
	cfg.Bot.AdminUserID = 99
	cfg.Notify.ChatID = -100123
	cfg.Notify.MaxRetries = 1
	cfg.Notify.RetryBackoff = time.Millisecond

	d := NewDispatcher(cfg, sender, middleware.NewMetrics(), logrus.New())
	require.NoError(t, d.Deliver(context.Background(), "hello"))
	assert.EqualValues(t, -100123, sender.dest)
}

func TestNotifyMatchFormatting(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	rec := &models.MatchRecord{
		ChatID:          "cryptonews",
		ChatTitle:       "Crypto News",
		MessageID:       42,
		MatchedKeywords: []string{"bitcoin", "eth"},
		Excerpt:         "bitcoin and eth are up",
		FoundAt:         time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
	}

	require.NoError(t, d.NotifyMatch(context.Background(), rec))
	require.Len(t, sender.sent, 1)

	got := sender.sent[0]
	assert.Contains(t, got, "Crypto News")
	assert.Contains(t, got, "https://t.me/cryptonews")
	assert.Contains(t, got, "bitcoin, eth")
	assert.Contains(t, got, "01.06.2024 12:30:00")
	assert.Contains(t, got, "<pre>")
	assert.NotContains(t, got, "**")
}

func TestNotifyMatchFallsBackToChatID(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	rec := &models.MatchRecord{ChatID: "cryptonews", FoundAt: time.Now()}
	require.NoError(t, d.NotifyMatch(context.Background(), rec))
	require.Len(t, sender.sent, 1)
	assert.True(t, strings.Contains(sender.sent[0], "cryptonews"))
}
