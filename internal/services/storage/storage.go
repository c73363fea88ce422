package storage

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/models"
)

// Storage is the single source of truth for everything shared between the
// scheduler and the control surface. All operations are atomic per key; the
// single-writer discipline (scheduler owns cursors, control surface owns
// keywords and enable flags) removes the need for anything stronger.
type Storage interface {
	// Chat registry operations. SaveChat writes the whole record and is for
	// creation only; the two writers mutate their own field through
	// AdvanceCursor (scheduler) and SetChatEnabled (control surface) so a
	// stale snapshot held by one can never clobber the other's field.
	GetChat(ctx context.Context, chatID string) (*models.WatchedChat, error)
	SaveChat(ctx context.Context, chat *models.WatchedChat) error
	ListChats(ctx context.Context) ([]models.WatchedChat, error)

	// AdvanceCursor moves the chat cursor strictly forward; a cursor at or
	// behind the stored one is a no-op, as is an unknown chat.
	AdvanceCursor(ctx context.Context, chatID string, cursor int64) error

	// SetChatEnabled flips only the enabled flag, leaving the cursor and the
	// rest of the record untouched. Unknown chats are a no-op.
	SetChatEnabled(ctx context.Context, chatID string, enabled bool) error

	// Keyword operations. SetKeywords is a full replace.
	GetKeywords(ctx context.Context) ([]string, error)
	SetKeywords(ctx context.Context, keywords []string) error

	// Match record operations. RecordMatch returns false when the
	// (chatID, messageID) pair was already recorded.
	RecordMatch(ctx context.Context, rec *models.MatchRecord) (bool, error)
	RecentMatches(ctx context.Context, limit int) ([]models.MatchRecord, error)

	// Stats operations
	IncrementStat(ctx context.Context, name string, delta int64) error
	GetStats(ctx context.Context) (map[string]int64, error)

	// Control-surface session operations
	GetSession(ctx context.Context, userID int64) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, userID int64) error
}

// Manager manages different storage backends
type Manager struct {
	storage     Storage
	logger      *logrus.Logger
	redisClient *redis.Client
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{logger: logger}

	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		manager.storage = redisStorage
		manager.redisClient = redisStorage.client
	case "memory":
		manager.storage = NewMemoryStorage(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return manager, nil
}

// Delegate methods to underlying storage
func (m *Manager) GetChat(ctx context.Context, chatID string) (*models.WatchedChat, error) {
	return m.storage.GetChat(ctx, chatID)
}

func (m *Manager) SaveChat(ctx context.Context, chat *models.WatchedChat) error {
	return m.storage.SaveChat(ctx, chat)
}

func (m *Manager) ListChats(ctx context.Context) ([]models.WatchedChat, error) {
	return m.storage.ListChats(ctx)
}

func (m *Manager) AdvanceCursor(ctx context.Context, chatID string, cursor int64) error {
	return m.storage.AdvanceCursor(ctx, chatID, cursor)
}

func (m *Manager) SetChatEnabled(ctx context.Context, chatID string, enabled bool) error {
	return m.storage.SetChatEnabled(ctx, chatID, enabled)
}

func (m *Manager) GetKeywords(ctx context.Context) ([]string, error) {
	return m.storage.GetKeywords(ctx)
}

func (m *Manager) SetKeywords(ctx context.Context, keywords []string) error {
	return m.storage.SetKeywords(ctx, keywords)
}

func (m *Manager) RecordMatch(ctx context.Context, rec *models.MatchRecord) (bool, error) {
	return m.storage.RecordMatch(ctx, rec)
}

func (m *Manager) RecentMatches(ctx context.Context, limit int) ([]models.MatchRecord, error) {
	return m.storage.RecentMatches(ctx, limit)
}

func (m *Manager) IncrementStat(ctx context.Context, name string, delta int64) error {
	return m.storage.IncrementStat(ctx, name, delta)
}

func (m *Manager) GetStats(ctx context.Context) (map[string]int64, error) {
	return m.storage.GetStats(ctx)
}

func (m *Manager) GetSession(ctx context.Context, userID int64) (*models.Session, error) {
	return m.storage.GetSession(ctx, userID)
}

func (m *Manager) SaveSession(ctx context.Context, session *models.Session) error {
	return m.storage.SaveSession(ctx, session)
}

func (m *Manager) DeleteSession(ctx context.Context, userID int64) error {
	return m.storage.DeleteSession(ctx, userID)
}

// GetRedisClient returns the Redis client if available
func (m *Manager) GetRedisClient() *redis.Client {
	return m.redisClient
}
