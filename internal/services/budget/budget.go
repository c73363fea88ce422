package budget

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/config"
)

// Tracker is the single arbiter of "may I call the platform now". Every
// component that talks to the platform asks it first; centralizing the budget
// keeps N pollers from individually staying under the limit while
// collectively blowing through it.
//
// The window is a fixed counter that resets when it elapses, matching the
// platform's coarse flood signals. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	limit       int
	window      time.Duration
	floodFloor  time.Duration
	windowStart time.Time
	requests    int
	cooldownEnd time.Time

	logger *logrus.Logger
	now    func() time.Time
}

func NewTracker(cfg *config.WatchConfig, logger *logrus.Logger) *Tracker {
	return &Tracker{
		limit:      cfg.APIRateLimit,
		window:     cfg.RateWindow,
		floodFloor: cfg.FloodWaitThreshold,
		logger:     logger,
		now:        time.Now,
	}
}

// TryAcquire reports whether a platform request may be issued now. When
// denied it returns how long the caller should wait before asking again.
// Acquiring does not consume budget; call RecordSuccess once the request has
// actually been issued.
func (t *Tracker) TryAcquire() (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	if now.Before(t.cooldownEnd) {
		return false, t.cooldownEnd.Sub(now)
	}

	t.rollWindowLocked(now)

	if t.requests >= t.limit {
		return false, t.windowStart.Add(t.window).Sub(now)
	}

	return true, 0
}

// RecordSuccess counts one issued platform request against the window.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollWindowLocked(t.now())
	t.requests++
}

// RecordFloodSignal enters cooldown for at least the configured floor, so a
// chain of small flood signals cannot be shrugged off as noise.
func (t *Tracker) RecordFloodSignal(retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wait := retryAfter
	if wait < t.floodFloor {
		wait = t.floodFloor
	}

	end := t.now().Add(wait)
	if end.After(t.cooldownEnd) {
		t.cooldownEnd = end
	}

	t.logger.WithFields(logrus.Fields{
		"retry_after": retryAfter,
		"cooldown":    wait,
	}).Warn("Flood signal recorded, entering cooldown")
}

// InCooldown returns the remaining cooldown, zero when none is active.
func (t *Tracker) InCooldown() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if remaining := t.cooldownEnd.Sub(t.now()); remaining > 0 {
		return remaining
	}
	return 0
}

func (t *Tracker) rollWindowLocked(now time.Time) {
	if t.windowStart.IsZero() || now.Sub(t.windowStart) >= t.window {
		t.windowStart = now
		t.requests = 0
	}
}
