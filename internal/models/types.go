package models

import (
	"time"
)

// WatchedChat is one entry in the chat registry. Identity is ChatID.
// A removed chat is disabled, not deleted, so its cursor survives a re-add.
type WatchedChat struct {
	ChatID  string    `json:"chat_id"`
	Title   string    `json:"title,omitempty"`
	Cursor  int64     `json:"cursor"`
	Enabled bool      `json:"enabled"`
	AddedAt time.Time `json:"added_at"`
}

// Message is a single fetched platform message.
type Message struct {
	ChatID    string
	MessageID int64
	Text      string
	Date      time.Time
}

// MatchRecord is an append-only record of a keyword hit.
// Deduplicated by (ChatID, MessageID).
type MatchRecord struct {
	ChatID          string    `json:"chat_id"`
	ChatTitle       string    `json:"chat_title,omitempty"`
	MessageID       int64     `json:"message_id"`
	MatchedKeywords []string  `json:"matched_keywords"`
	Excerpt         string    `json:"excerpt"`
	FoundAt         time.Time `json:"found_at"`
}

// Stats holds the aggregate monotonic counters shown by /status.
type Stats struct {
	MessagesScanned int64 `json:"messages_scanned"`
	MatchesFound    int64 `json:"matches_found"`
	FloodWaits      int64 `json:"flood_waits"`
	ChatsActive     int64 `json:"chats_active"`
}

// Stat field names as stored in the stats hash.
const (
	StatMessagesScanned = "messages_scanned"
	StatMatchesFound    = "matches_found"
	StatFloodWaits      = "flood_waits"
)

// Session is an authorized control-surface session. A session is created by a
// successful /login and checked before every mutating command and /status.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
