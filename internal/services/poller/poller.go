// Package poller implements the scan loop: on every tick it snapshots the
// enabled chats, asks the rate budget for permission per chat, fetches new
// messages, runs them through the keyword matcher and persists matches and
// cursors back to storage.
package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/middleware"
	"github.com/tg-spybot-go/internal/models"
	"github.com/tg-spybot-go/internal/platform"
	"github.com/tg-spybot-go/internal/services/budget"
	"github.com/tg-spybot-go/internal/services/matcher"
	"github.com/tg-spybot-go/internal/services/notify"
	"github.com/tg-spybot-go/internal/services/storage"
	"github.com/tg-spybot-go/pkg/logger"
)

const excerptLimit = 300

// Poller drives the per-chat scan state machine. It is the only writer of
// chat cursors; the control surface owns keywords and enable flags.
type Poller struct {
	cfg        *config.WatchConfig
	storage    *storage.Manager
	fetcher    platform.Fetcher
	budget     *budget.Tracker
	dispatcher *notify.Dispatcher
	metrics    *middleware.Metrics
	logger     *logrus.Logger

	mu           sync.Mutex
	floodAlerted bool
}

func New(
	cfg *config.WatchConfig,
	storageManager *storage.Manager,
	fetcher platform.Fetcher,
	tracker *budget.Tracker,
	dispatcher *notify.Dispatcher,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Poller {
	return &Poller{
		cfg:        cfg,
		storage:    storageManager,
		fetcher:    fetcher,
		budget:     tracker,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run executes the tick loop until ctx is cancelled. The in-flight tick is
// allowed to finish; cursors are only ever written after a completed fetch
// whose matches were persisted, so an interrupted tick loses nothing.
func (p *Poller) Run(ctx context.Context) {
	p.logger.WithField("interval", p.cfg.CheckInterval).Info("Poll scheduler started")

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poll scheduler stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick scans all enabled chats once, budget permitting.
func (p *Poller) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		p.metrics.RecordTickDuration(time.Since(start))
	}()

	if remaining := p.budget.InCooldown(); remaining > 0 {
		p.logger.WithField("remaining", remaining).Debug("In flood cooldown, skipping tick")
		return
	}
	p.setFloodAlerted(false)

	chats, keywords, err := p.snapshot(ctx)
	if err != nil {
		p.logger.WithError(err).Error("Failed to snapshot watch state")
		return
	}
	p.metrics.SetActiveChats(float64(len(chats)))

	if len(chats) == 0 {
		return
	}

	// Bounded worker pool; MAX_CHATS is enforced at add time, so the
	// snapshot is already within the per-tick cap.
	workers := p.cfg.Workers
	if workers > len(chats) {
		workers = len(chats)
	}

	jobs := make(chan models.WatchedChat)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chat := range jobs {
				p.processChat(ctx, chat, keywords)
			}
		}()
	}

	for _, chat := range chats {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- chat:
		}
	}
	close(jobs)
	wg.Wait()
}

// snapshot reads the enabled-chat registry and keyword set once per tick.
// The snapshot is used for the whole tick: a chat removed mid-tick is
// processed once more and gone from the next snapshot.
func (p *Poller) snapshot(ctx context.Context) ([]models.WatchedChat, []string, error) {
	all, err := p.storage.ListChats(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list chats: %w", err)
	}

	chats := all[:0:0]
	for _, c := range all {
		if c.Enabled {
			chats = append(chats, c)
		}
	}

	// Older watches first: a deliberate fairness policy when budget is
	// scarce, not an accident of map iteration.
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].AddedAt.Before(chats[j].AddedAt)
	})

	if len(chats) > p.cfg.MaxChats {
		chats = chats[:p.cfg.MaxChats]
	}

	keywords, err := p.storage.GetKeywords(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("get keywords: %w", err)
	}

	return chats, keywords, nil
}

// processChat runs one chat through acquire -> fetch -> match -> persist.
// The cursor is only advanced after the fetch completed and every match from
// it has been persisted; any failure leaves the cursor untouched for a
// retry on the next eligible tick.
func (p *Poller) processChat(ctx context.Context, chat models.WatchedChat, keywords []string) {
	log := logger.WithChat(p.logger, chat.ChatID)

	allowed, wait := p.budget.TryAcquire()
	if !allowed {
		p.metrics.RecordBudgetDenial()
		log.WithField("wait", wait).Debug("Budget denied, deferring chat to next tick")
		return
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	messages, newCursor, err := p.fetcher.Fetch(fctx, chat.ChatID, chat.Cursor)
	if err != nil {
		p.handleFetchError(ctx, chat, err, log)
		return
	}

	p.budget.RecordSuccess()
	p.metrics.RecordFetch("success")

	if len(messages) > 0 {
		p.metrics.RecordMessagesScanned(len(messages))
		if err := p.storage.IncrementStat(ctx, models.StatMessagesScanned, int64(len(messages))); err != nil {
			log.WithError(err).Warn("Failed to update scan stats")
		}
	}

	for _, msg := range messages {
		found := matcher.Match(msg.Text, keywords)
		if len(found) == 0 {
			continue
		}

		rec := &models.MatchRecord{
			ChatID:          chat.ChatID,
			ChatTitle:       chat.Title,
			MessageID:       msg.MessageID,
			MatchedKeywords: found,
			Excerpt:         truncate(msg.Text, excerptLimit),
			FoundAt:         msg.Date,
		}

		created, err := p.storage.RecordMatch(ctx, rec)
		if err != nil {
			// Matches must be persisted before the cursor moves;
			// bail out and re-scan this span next tick.
			log.WithError(err).Error("Failed to persist match, keeping cursor")
			return
		}
		if !created {
			continue
		}

		p.metrics.RecordMatchFound(chat.ChatID)
		if err := p.storage.IncrementStat(ctx, models.StatMatchesFound, 1); err != nil {
			log.WithError(err).Warn("Failed to update match stats")
		}
		if err := p.storage.IncrementStat(ctx, "messages_from_"+chat.ChatID, 1); err != nil {
			log.WithError(err).Warn("Failed to update per-chat stats")
		}

		if err := p.dispatcher.NotifyMatch(ctx, rec); err != nil {
			// The record is persisted; only the live alert was lost.
			log.WithError(err).Warn("Match notification not delivered")
		}
	}

	if newCursor > chat.Cursor {
		// Field-scoped write: a /removechat landing mid-fetch must not be
		// undone by this snapshot's stale enabled flag.
		if err := p.storage.AdvanceCursor(ctx, chat.ChatID, newCursor); err != nil {
			log.WithError(err).Error("Failed to advance cursor")
		}
	}
}

func (p *Poller) handleFetchError(ctx context.Context, chat models.WatchedChat, err error, log *logrus.Entry) {
	if fe, ok := platform.AsFlood(err); ok {
		p.metrics.RecordFetch("flood")
		p.metrics.RecordFloodWait()
		p.budget.RecordFloodSignal(fe.RetryAfter)
		if serr := p.storage.IncrementStat(ctx, models.StatFloodWaits, 1); serr != nil {
			log.WithError(serr).Warn("Failed to update flood stats")
		}
		p.alertCooldownOnce(ctx)
		return
	}

	if platform.IsPermanent(err) {
		p.metrics.RecordFetch("permanent")
		log.WithError(err).Error("Permanent fetch failure, disabling chat")

		if serr := p.storage.SetChatEnabled(ctx, chat.ChatID, false); serr != nil {
			log.WithError(serr).Error("Failed to disable chat")
		}
		p.dispatcher.Alert(ctx, fmt.Sprintf("Watch for %s disabled: %v", chat.ChatID, err))
		return
	}

	// Transient, including fetch timeouts. Cursor untouched.
	p.metrics.RecordFetch("transient")
	log.WithError(err).Warn("Transient fetch failure")
}

// alertCooldownOnce sends a single operational alert per cooldown, however
// many chats hit the flood signal in the same tick.
func (p *Poller) alertCooldownOnce(ctx context.Context) {
	p.mu.Lock()
	if p.floodAlerted {
		p.mu.Unlock()
		return
	}
	p.floodAlerted = true
	p.mu.Unlock()

	remaining := p.budget.InCooldown()
	p.dispatcher.Alert(ctx, fmt.Sprintf("Flood control: scanning paused for %s", remaining.Round(time.Second)))
}

func (p *Poller) setFloodAlerted(v bool) {
	p.mu.Lock()
	p.floodAlerted = v
	p.mu.Unlock()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
