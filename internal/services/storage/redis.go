package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/models"
)

const (
	chatKeyPrefix    = "watch:chat:"
	chatIndexKey     = "watch:chats"
	keywordsKey      = "watch:keywords"
	matchKeyPrefix   = "watch:match:"
	recentMatchesKey = "watch:matches:recent"
	statsKey         = "watch:stats"
	sessionKeyPrefix = "watch:session:"

	// Match dedupe markers mirror the retention of the records themselves.
	matchTTL = 30 * 24 * time.Hour

	recentMatchesCap = 100
)

// RedisStorage implements storage using Redis
type RedisStorage struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.Config, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		logger: logger,
	}, nil
}

// Chat records are hashes, not JSON blobs: the scheduler and the control
// surface each own one field (cursor and enabled respectively), and a hash
// field write cannot clobber the other writer's field the way re-setting a
// whole serialized record would.
func (r *RedisStorage) GetChat(ctx context.Context, chatID string) (*models.WatchedChat, error) {
	vals, err := r.client.HGetAll(ctx, chatKeyPrefix+chatID).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}

	chat := models.WatchedChat{
		ChatID:  chatID,
		Title:   vals["title"],
		Enabled: vals["enabled"] == "1",
	}
	if n, err := strconv.ParseInt(vals["cursor"], 10, 64); err == nil {
		chat.Cursor = n
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["added_at"]); err == nil {
		chat.AddedAt = ts
	}

	return &chat, nil
}

func (r *RedisStorage) SaveChat(ctx context.Context, chat *models.WatchedChat) error {
	err := r.client.HSet(ctx, chatKeyPrefix+chat.ChatID, map[string]interface{}{
		"title":    chat.Title,
		"cursor":   chat.Cursor,
		"enabled":  boolField(chat.Enabled),
		"added_at": chat.AddedAt.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return err
	}
	return r.client.SAdd(ctx, chatIndexKey, chat.ChatID).Err()
}

func (r *RedisStorage) AdvanceCursor(ctx context.Context, chatID string, cursor int64) error {
	key := chatKeyPrefix + chatID

	// Forward-only. The scheduler is the sole cursor writer and never
	// processes one chat concurrently, so read-compare-write on this single
	// field does not race.
	current, err := r.client.HGet(ctx, key, "cursor").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if prev, err := strconv.ParseInt(current, 10, 64); err == nil && cursor <= prev {
		return nil
	}

	return r.client.HSet(ctx, key, "cursor", cursor).Err()
}

func (r *RedisStorage) SetChatEnabled(ctx context.Context, chatID string, enabled bool) error {
	key := chatKeyPrefix + chatID

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}

	return r.client.HSet(ctx, key, "enabled", boolField(enabled)).Err()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (r *RedisStorage) ListChats(ctx context.Context) ([]models.WatchedChat, error) {
	ids, err := r.client.SMembers(ctx, chatIndexKey).Result()
	if err != nil {
		return nil, err
	}

	chats := make([]models.WatchedChat, 0, len(ids))
	for _, id := range ids {
		chat, err := r.GetChat(ctx, id)
		if err != nil {
			return nil, err
		}
		if chat == nil {
			// Index entry without a record; drop it.
			r.client.SRem(ctx, chatIndexKey, id)
			continue
		}
		chats = append(chats, *chat)
	}

	return chats, nil
}

func (r *RedisStorage) GetKeywords(ctx context.Context) ([]string, error) {
	data, err := r.client.Get(ctx, keywordsKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keywords []string
	if err := json.Unmarshal([]byte(data), &keywords); err != nil {
		return nil, err
	}

	return keywords, nil
}

func (r *RedisStorage) SetKeywords(ctx context.Context, keywords []string) error {
	data, err := json.Marshal(keywords)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, keywordsKey, data, 0).Err()
}

func (r *RedisStorage) RecordMatch(ctx context.Context, rec *models.MatchRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	// SETNX on the (chat, message) key is the dedupe point: a replayed
	// cursor position finds the marker and records nothing.
	dedupeKey := fmt.Sprintf("%s%s:%d", matchKeyPrefix, rec.ChatID, rec.MessageID)
	created, err := r.client.SetNX(ctx, dedupeKey, data, matchTTL).Result()
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	pipe := r.client.Pipeline()
	pipe.LPush(ctx, recentMatchesKey, data)
	pipe.LTrim(ctx, recentMatchesKey, 0, recentMatchesCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WithError(err).Warn("Failed to update recent matches list")
	}

	return true, nil
}

func (r *RedisStorage) RecentMatches(ctx context.Context, limit int) ([]models.MatchRecord, error) {
	if limit <= 0 || limit > recentMatchesCap {
		limit = recentMatchesCap
	}

	rows, err := r.client.LRange(ctx, recentMatchesKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	matches := make([]models.MatchRecord, 0, len(rows))
	for _, row := range rows {
		var rec models.MatchRecord
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			continue
		}
		matches = append(matches, rec)
	}

	return matches, nil
}

func (r *RedisStorage) IncrementStat(ctx context.Context, name string, delta int64) error {
	return r.client.HIncrBy(ctx, statsKey, name, delta).Err()
}

func (r *RedisStorage) GetStats(ctx context.Context) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, err
	}

	stats := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		stats[k] = n
	}

	return stats, nil
}

func (r *RedisStorage) GetSession(ctx context.Context, userID int64) (*models.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}

	return &session, nil
}

func (r *RedisStorage) SaveSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return r.DeleteSession(ctx, session.UserID)
	}
	return r.client.Set(ctx, sessionKey(session.UserID), data, ttl).Err()
}

func (r *RedisStorage) DeleteSession(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, sessionKey(userID)).Err()
}

func sessionKey(userID int64) string {
	return fmt.Sprintf("%s%d", sessionKeyPrefix, userID)
}
