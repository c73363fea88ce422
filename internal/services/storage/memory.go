package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/models"
)

// MemoryStorage implements storage using in-memory caches. Used for tests and
// redis-less runs; state does not survive a restart.
type MemoryStorage struct {
	chats    *cache.Cache
	matches  *cache.Cache
	sessions *cache.Cache
	logger   *logrus.Logger

	mu       sync.Mutex
	keywords []string
	recent   []models.MatchRecord
	stats    map[string]int64
}

func NewMemoryStorage(cfg *config.Config, logger *logrus.Logger) *MemoryStorage {
	cleanup := cfg.Storage.Memory.CleanupInterval
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	return &MemoryStorage{
		chats:    cache.New(cache.NoExpiration, cache.NoExpiration),
		matches:  cache.New(matchTTL, cleanup),
		sessions: cache.New(cache.NoExpiration, cleanup),
		logger:   logger,
		stats:    make(map[string]int64),
	}
}

func (m *MemoryStorage) GetChat(ctx context.Context, chatID string) (*models.WatchedChat, error) {
	if val, found := m.chats.Get(chatID); found {
		chat := val.(models.WatchedChat)
		return &chat, nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveChat(ctx context.Context, chat *models.WatchedChat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats.Set(chat.ChatID, *chat, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) AdvanceCursor(ctx context.Context, chatID string, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, found := m.chats.Get(chatID)
	if !found {
		return nil
	}
	chat := val.(models.WatchedChat)
	if cursor <= chat.Cursor {
		return nil
	}
	chat.Cursor = cursor
	m.chats.Set(chatID, chat, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) SetChatEnabled(ctx context.Context, chatID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, found := m.chats.Get(chatID)
	if !found {
		return nil
	}
	chat := val.(models.WatchedChat)
	chat.Enabled = enabled
	m.chats.Set(chatID, chat, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) ListChats(ctx context.Context) ([]models.WatchedChat, error) {
	items := m.chats.Items()
	chats := make([]models.WatchedChat, 0, len(items))
	for _, item := range items {
		chats = append(chats, item.Object.(models.WatchedChat))
	}
	return chats, nil
}

func (m *MemoryStorage) GetKeywords(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.keywords))
	copy(out, m.keywords)
	return out, nil
}

func (m *MemoryStorage) SetKeywords(ctx context.Context, keywords []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords = make([]string, len(keywords))
	copy(m.keywords, keywords)
	return nil
}

func (m *MemoryStorage) RecordMatch(ctx context.Context, rec *models.MatchRecord) (bool, error) {
	key := fmt.Sprintf("%s:%d", rec.ChatID, rec.MessageID)
	if err := m.matches.Add(key, *rec, matchTTL); err != nil {
		// Already recorded.
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append([]models.MatchRecord{*rec}, m.recent...)
	if len(m.recent) > recentMatchesCap {
		m.recent = m.recent[:recentMatchesCap]
	}
	return true, nil
}

func (m *MemoryStorage) RecentMatches(ctx context.Context, limit int) ([]models.MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]models.MatchRecord, limit)
	copy(out, m.recent[:limit])
	return out, nil
}

func (m *MemoryStorage) IncrementStat(ctx context.Context, name string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[name] += delta
	return nil
}

func (m *MemoryStorage) GetStats(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStorage) GetSession(ctx context.Context, userID int64) (*models.Session, error) {
	if val, found := m.sessions.Get(sessionKey(userID)); found {
		session := val.(models.Session)
		return &session, nil
	}
	return nil, nil
}

func (m *MemoryStorage) SaveSession(ctx context.Context, session *models.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return m.DeleteSession(ctx, session.UserID)
	}
	m.sessions.Set(sessionKey(session.UserID), *session, ttl)
	return nil
}

func (m *MemoryStorage) DeleteSession(ctx context.Context, userID int64) error {
	m.sessions.Delete(sessionKey(userID))
	return nil
}
