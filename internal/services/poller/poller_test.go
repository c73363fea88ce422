package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/middleware"
	"github.com/tg-spybot-go/internal/models"
	"github.com/tg-spybot-go/internal/platform"
	"github.com/tg-spybot-go/internal/services/budget"
	"github.com/tg-spybot-go/internal/services/notify"
	"github.com/tg-spybot-go/internal/services/storage"
)

type fetchResult struct {
	messages []models.Message
	cursor   int64
	err      error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]fetchResult
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: make(map[string]fetchResult),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) set(chatID string, r fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[chatID] = r
}

func (f *fakeFetcher) Fetch(ctx context.Context, chatID string, sinceCursor int64) ([]models.Message, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[chatID]++
	r, ok := f.results[chatID]
	if !ok {
		return nil, sinceCursor, nil
	}
	if r.err != nil {
		return nil, 0, r.err
	}
	return r.messages, r.cursor, nil
}

func (f *fakeFetcher) fetchCount(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[chatID]
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(ctx context.Context, destination int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type harness struct {
	poller     *Poller
	storage    *storage.Manager
	fetcher    *fakeFetcher
	sender     *recordingSender
	tracker    *budget.Tracker
	dispatcher *notify.Dispatcher
	metrics    *middleware.Metrics
	cfg        *config.Config
	log        *logrus.Logger
}

func newHarness(t *testing.T, watch config.WatchConfig) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{Watch: watch}
	cfg.Storage.Type = "memory"
	cfg.Storage.Memory.CleanupInterval = time.Minute
	cfg.Bot.AdminUserID = 99
	cfg.Notify.MaxRetries = 1
	cfg.Notify.RetryBackoff = time.Millisecond

	store, err := storage.NewManager(cfg, log)
	require.NoError(t, err)

	fetcher := newFakeFetcher()
	sender := &recordingSender{}
	tracker := budget.NewTracker(&cfg.Watch, log)
	metrics := middleware.NewMetrics()
	dispatcher := notify.NewDispatcher(cfg, sender, metrics, log)

	return &harness{
		poller:     New(&cfg.Watch, store, fetcher, tracker, dispatcher, metrics, log),
		storage:    store,
		fetcher:    fetcher,
		sender:     sender,
		tracker:    tracker,
		dispatcher: dispatcher,
		metrics:    metrics,
		cfg:        cfg,
		log:        log,
	}
}

func defaultWatch() config.WatchConfig {
	return config.WatchConfig{
		CheckInterval:      time.Minute,
		MaxChats:           15,
		APIRateLimit:       100,
		RateWindow:         time.Minute,
		FloodWaitThreshold: 300 * time.Second,
		FetchTimeout:       time.Second,
		Workers:            2,
	}
}

func addChat(t *testing.T, h *harness, chatID string, cursor int64, addedAt time.Time) {
	t.Helper()
	require.NoError(t, h.storage.SaveChat(context.Background(), &models.WatchedChat{
		ChatID:  chatID,
		Title:   chatID,
		Cursor:  cursor,
		Enabled: true,
		AddedAt: addedAt,
	}))
}

func TestTickMatchPersistedNotifiedCursorAdvanced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "cryptonews", 10, time.Now())
	require.NoError(t, h.storage.SetKeywords(ctx, []string{"bitcoin"}))

	h.fetcher.set("cryptonews", fetchResult{
		messages: []models.Message{
			{ChatID: "cryptonews", MessageID: 11, Text: "nothing here", Date: time.Now()},
			{ChatID: "cryptonews", MessageID: 12, Text: "Bitcoin is pumping", Date: time.Now()},
		},
		cursor: 12,
	})

	h.poller.Tick(ctx)

	chat, err := h.storage.GetChat(ctx, "cryptonews")
	require.NoError(t, err)
	assert.EqualValues(t, 12, chat.Cursor)

	recent, err := h.storage.RecentMatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.EqualValues(t, 12, recent[0].MessageID)
	assert.Equal(t, []string{"bitcoin"}, recent[0].MatchedKeywords)

	assert.Equal(t, 1, h.sender.count())

	stats, err := h.storage.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats[models.StatMessagesScanned])
	assert.EqualValues(t, 1, stats[models.StatMatchesFound])
}

func TestTickNoMessagesCursorUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "cryptonews", 7, time.Now())
	require.NoError(t, h.storage.SetKeywords(ctx, []string{"bitcoin"}))

	h.poller.Tick(ctx)

	chat, err := h.storage.GetChat(ctx, "cryptonews")
	require.NoError(t, err)
	assert.EqualValues(t, 7, chat.Cursor)
	assert.Zero(t, h.sender.count())
}

func TestTickFloodEntersCooldownAndPausesScanning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "cryptonews", 0, time.Now())
	h.fetcher.set("cryptonews", fetchResult{err: &platform.FloodError{RetryAfter: 10 * time.Second}})

	h.poller.Tick(ctx)

	// Short platform signal is raised to the configured floor.
	assert.GreaterOrEqual(t, h.tracker.InCooldown(), 299*time.Second)

	// One operational alert for the cooldown.
	assert.Equal(t, 1, h.sender.count())

	// The next tick fetches nothing while the cooldown holds.
	before := h.fetcher.fetchCount("cryptonews")
	h.poller.Tick(ctx)
	assert.Equal(t, before, h.fetcher.fetchCount("cryptonews"))

	stats, err := h.storage.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[models.StatFloodWaits])
}

func TestTickPermanentErrorDisablesChat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "deadchat", 0, time.Now())
	h.fetcher.set("deadchat", fetchResult{err: &platform.PermanentError{Err: errors.New("chat not found")}})

	h.poller.Tick(ctx)

	chat, err := h.storage.GetChat(ctx, "deadchat")
	require.NoError(t, err)
	assert.False(t, chat.Enabled)

	// Disable alert delivered.
	assert.Equal(t, 1, h.sender.count())

	// Disabled chats drop out of the next snapshot.
	before := h.fetcher.fetchCount("deadchat")
	h.poller.Tick(ctx)
	assert.Equal(t, before, h.fetcher.fetchCount("deadchat"))
}

func TestTickTransientErrorKeepsChatAndCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "flaky", 5, time.Now())
	h.fetcher.set("flaky", fetchResult{err: errors.New("timeout")})

	h.poller.Tick(ctx)

	chat, err := h.storage.GetChat(ctx, "flaky")
	require.NoError(t, err)
	assert.True(t, chat.Enabled)
	assert.EqualValues(t, 5, chat.Cursor)
	assert.Zero(t, h.sender.count())

	// Retried on the next tick.
	h.poller.Tick(ctx)
	assert.Equal(t, 2, h.fetcher.fetchCount("flaky"))
}

func TestTickReplayedMessageNotifiedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "cryptonews", 0, time.Now())
	require.NoError(t, h.storage.SetKeywords(ctx, []string{"bitcoin"}))

	h.fetcher.set("cryptonews", fetchResult{
		messages: []models.Message{{ChatID: "cryptonews", MessageID: 5, Text: "bitcoin news", Date: time.Now()}},
		cursor:   5,
	})

	h.poller.Tick(ctx)
	// Same span replayed, as after a crash before the cursor write landed.
	h.poller.Tick(ctx)

	recent, err := h.storage.RecentMatches(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.Equal(t, 1, h.sender.count())
}

func TestTickCapsChatsOldestFirst(t *testing.T) {
	ctx := context.Background()
	watch := defaultWatch()
	watch.MaxChats = 2
	h := newHarness(t, watch)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	addChat(t, h, "oldest", 0, base)
	addChat(t, h, "middle", 0, base.Add(time.Hour))
	addChat(t, h, "newest", 0, base.Add(2*time.Hour))

	h.poller.Tick(ctx)

	assert.Equal(t, 1, h.fetcher.fetchCount("oldest"))
	assert.Equal(t, 1, h.fetcher.fetchCount("middle"))
	assert.Zero(t, h.fetcher.fetchCount("newest"))
}

func TestTickEmptyKeywordSetScansWithoutMatching(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "cryptonews", 0, time.Now())
	h.fetcher.set("cryptonews", fetchResult{
		messages: []models.Message{{ChatID: "cryptonews", MessageID: 3, Text: "bitcoin", Date: time.Now()}},
		cursor:   3,
	})

	h.poller.Tick(ctx)

	// Cursor advances, but with no keywords nothing matches.
	chat, err := h.storage.GetChat(ctx, "cryptonews")
	require.NoError(t, err)
	assert.EqualValues(t, 3, chat.Cursor)
	assert.Zero(t, h.sender.count())
}

// gatedFetcher parks every Fetch until released, so a test can interleave
// control-surface writes with an in-flight fetch.
type gatedFetcher struct {
	inner   *fakeFetcher
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) Fetch(ctx context.Context, chatID string, sinceCursor int64) ([]models.Message, int64, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Fetch(ctx, chatID, sinceCursor)
}

func TestMidTickRemovalNotResurrectedByCursorWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "target", 0, time.Now())
	h.fetcher.set("target", fetchResult{
		messages: []models.Message{{ChatID: "target", MessageID: 5, Text: "hello", Date: time.Now()}},
		cursor:   5,
	})

	gated := &gatedFetcher{
		inner:   h.fetcher,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	p := New(&h.cfg.Watch, h.storage, gated, h.tracker, h.dispatcher, h.metrics, h.log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Tick(ctx)
	}()

	// The fetch for "target" is in flight; the operator removes the chat,
	// exactly as /removechat does.
	<-gated.entered
	require.NoError(t, h.storage.SetChatEnabled(ctx, "target", false))
	close(gated.release)
	<-done

	// The tick's post-fetch writes must not undo the removal...
	chat, err := h.storage.GetChat(ctx, "target")
	require.NoError(t, err)
	assert.False(t, chat.Enabled)
	// ...while the cursor advance for the completed fetch still lands.
	assert.EqualValues(t, 5, chat.Cursor)

	// Absent from the very next tick's snapshot.
	before := h.fetcher.fetchCount("target")
	h.poller.Tick(ctx)
	assert.Equal(t, before, h.fetcher.fetchCount("target"))
}

func TestPermanentErrorDisableKeepsCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultWatch())

	addChat(t, h, "deadchat", 17, time.Now())
	h.fetcher.set("deadchat", fetchResult{err: &platform.PermanentError{Err: errors.New("chat not found")}})

	h.poller.Tick(ctx)

	chat, err := h.storage.GetChat(ctx, "deadchat")
	require.NoError(t, err)
	assert.False(t, chat.Enabled)
	assert.EqualValues(t, 17, chat.Cursor)
}

func TestTruncateRuneSafe(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 300))

	long := ""
	for i := 0; i < 150; i++ {
		long += "ид"
	}
	out := truncate(long, 100)
	assert.Equal(t, 103, len([]rune(out)))
	assert.Equal(t, "...", out[len(out)-3:])
}
