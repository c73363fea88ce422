package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/middleware"
	"github.com/tg-spybot-go/internal/models"
	"github.com/tg-spybot-go/internal/platform"
	"github.com/tg-spybot-go/pkg/markdown"
)

// Dispatcher delivers keyword matches and operational alerts to the
// administrator. Transient send failures are retried a bounded number of
// times with linear backoff; permanent failures are logged and dropped — the
// match itself is already persisted, only the live alert is lost.
type Dispatcher struct {
	sender       platform.Sender
	destination  int64
	maxRetries   int
	retryBackoff time.Duration
	metrics      *middleware.Metrics
	logger       *logrus.Logger
}

func NewDispatcher(cfg *config.Config, sender platform.Sender, metrics *middleware.Metrics, logger *logrus.Logger) *Dispatcher {
	destination := cfg.Notify.ChatID
	if destination == 0 {
		destination = cfg.Bot.AdminUserID
	}

	return &Dispatcher{
		sender:       sender,
		destination:  destination,
		maxRetries:   cfg.Notify.MaxRetries,
		retryBackoff: cfg.Notify.RetryBackoff,
		metrics:      metrics,
		logger:       logger,
	}
}

// NotifyMatch delivers a keyword match to the administrator.
func (d *Dispatcher) NotifyMatch(ctx context.Context, rec *models.MatchRecord) error {
	return d.Deliver(ctx, formatMatch(rec))
}

// Alert delivers an operational notice (cooldown entered, chat disabled).
// Best effort: the caller never blocks on the outcome beyond the bounded
// retries.
func (d *Dispatcher) Alert(ctx context.Context, text string) {
	if err := d.Deliver(ctx, markdown.ToTelegramHTML("⚠️ "+text)); err != nil {
		d.logger.WithError(err).Warn("Operational alert not delivered")
	}
}

// Deliver sends pre-rendered HTML to the notification destination, retrying
// transient failures.
func (d *Dispatcher) Deliver(ctx context.Context, text string) error {
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * d.retryBackoff):
			}
		}

		err := d.sender.Send(ctx, d.destination, text)
		if err == nil {
			d.metrics.RecordDelivery("success")
			return nil
		}
		lastErr = err

		if !platform.IsTransient(err) {
			d.logger.WithError(err).Error("Notification delivery failed permanently")
			d.metrics.RecordDelivery("permanent_failure")
			return err
		}

		d.logger.WithError(err).WithField("attempt", attempt+1).Warn("Notification delivery failed, will retry")
	}

	d.metrics.RecordDelivery("exhausted")
	return fmt.Errorf("delivery failed after %d retries: %w", d.maxRetries, lastErr)
}

// formatMatch renders a match record the way the operator sees it: markdown
// composed here, converted to Telegram HTML for the wire.
func formatMatch(rec *models.MatchRecord) string {
	title := rec.ChatTitle
	if title == "" {
		title = rec.ChatID
	}

	var b strings.Builder
	b.WriteString("🔔 **Keyword match**\n\n")
	fmt.Fprintf(&b, "📢 **Chat:** %s\n", title)
	fmt.Fprintf(&b, "🆔 **Link:** https://t.me/%s\n", rec.ChatID)
	fmt.Fprintf(&b, "✉️ **Message:**\n```\n%s\n```\n", rec.Excerpt)
	fmt.Fprintf(&b, "🔍 **Keywords:** %s\n", strings.Join(rec.MatchedKeywords, ", "))
	fmt.Fprintf(&b, "⏰ **Time:** %s", rec.FoundAt.Format("02.01.2006 15:04:05"))

	return markdown.ToTelegramHTML(b.String())
}
