package platform

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/models"
)

// feedCapacity bounds the per-chat buffer between polls. Chats busier than
// this within one poll interval lose the oldest entries.
const feedCapacity = 500

// TelegramClient adapts the Bot API to the Sender and Fetcher contracts.
// Watched-chat messages arrive on the bot's update stream (the bot is a member
// of every watched chat); the client buffers them per chat and serves them
// since-cursor, so a Fetch never re-reads the wire.
type TelegramClient struct {
	bot    *tgbotapi.BotAPI
	logger *logrus.Logger

	mu   sync.Mutex
	feed map[string][]models.Message
}

func NewTelegramClient(bot *tgbotapi.BotAPI, logger *logrus.Logger) *TelegramClient {
	return &TelegramClient{
		bot:    bot,
		logger: logger,
		feed:   make(map[string][]models.Message),
	}
}

// Ingest records a watched-chat post from the update stream. Returns true if
// the update carried a buffered message. Chats without a public username are
// skipped: the watch registry is keyed by username, so their posts could
// never be served to any watch.
func (c *TelegramClient) Ingest(update *tgbotapi.Update) bool {
	msg := update.ChannelPost
	if msg == nil {
		msg = update.Message
	}
	if msg == nil || msg.Text == "" {
		return false
	}

	chatID := chatRefOf(msg.Chat)
	if chatID == "" {
		return false
	}
	entry := models.Message{
		ChatID:    chatID,
		MessageID: int64(msg.MessageID),
		Text:      msg.Text,
		Date:      time.Unix(int64(msg.Date), 0),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf := append(c.feed[chatID], entry)
	if len(buf) > feedCapacity {
		buf = buf[len(buf)-feedCapacity:]
	}
	c.feed[chatID] = buf
	return true
}

// Fetch returns buffered messages newer than sinceCursor in ascending ID
// order. Entries at or below the cursor are pruned: once the caller has
// persisted a cursor they are never served again.
func (c *TelegramClient) Fetch(ctx context.Context, chatID string, sinceCursor int64) ([]models.Message, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, sinceCursor, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var fresh []models.Message
	for _, m := range c.feed[chatID] {
		if m.MessageID > sinceCursor {
			fresh = append(fresh, m)
		}
	}
	c.feed[chatID] = fresh

	if len(fresh) == 0 {
		return nil, sinceCursor, nil
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].MessageID < fresh[j].MessageID })
	out := make([]models.Message, len(fresh))
	copy(out, fresh)
	return out, out[len(out)-1].MessageID, nil
}

// Send delivers HTML-formatted text to the destination chat.
func (c *TelegramClient) Send(ctx context.Context, destination int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(destination, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := c.bot.Send(msg); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Resolve validates that a chat reference exists and is reachable, returning
// its title. Used by the control surface before registering a watch.
func (c *TelegramClient) Resolve(ctx context.Context, chatID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	chat, err := c.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{SuperGroupUsername: "@" + chatID},
	})
	if err != nil {
		return "", ClassifyError(err)
	}
	return chat.Title, nil
}

// ClassifyError maps Bot API failures onto the flood/permanent/transient
// taxonomy. A retry-after response parameter is a flood signal; 4xx responses
// will not recover on retry; everything else is treated as transient.
func ClassifyError(err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		if tgErr.RetryAfter > 0 {
			return &FloodError{RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second}
		}
		if tgErr.Code >= 400 && tgErr.Code < 500 && tgErr.Code != 429 {
			return &PermanentError{Err: err}
		}
	}
	return err
}

var chatRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`t\.me/([a-zA-Z0-9_]+)`),
	regexp.MustCompile(`telegram\.me/([a-zA-Z0-9_]+)`),
	regexp.MustCompile(`^@([a-zA-Z0-9_]+)$`),
}

// NormalizeChatRef extracts a bare chat username from the forms an operator
// pastes: @name, t.me/name, telegram.me/name or the name itself. Returns ""
// when nothing usable is found.
func NormalizeChatRef(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, p := range chatRefPatterns {
		if m := p.FindStringSubmatch(ref); m != nil {
			return strings.ToLower(m[1])
		}
	}
	if ref != "" && !strings.ContainsAny(ref, "/@ ") {
		return strings.ToLower(ref)
	}
	return ""
}

func chatRefOf(chat *tgbotapi.Chat) string {
	if chat == nil || chat.UserName == "" {
		return ""
	}
	return strings.ToLower(chat.UserName)
}
