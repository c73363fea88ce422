package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/i18n"
	"github.com/tg-spybot-go/internal/middleware"
	"github.com/tg-spybot-go/internal/models"
	"github.com/tg-spybot-go/internal/platform"
	"github.com/tg-spybot-go/internal/services/budget"
	"github.com/tg-spybot-go/internal/services/matcher"
	"github.com/tg-spybot-go/internal/services/storage"
)

// BotAPI is the subset of the Bot API client the handler needs.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// ChatResolver validates a chat reference against the platform before it is
// added to the watch list.
type ChatResolver interface {
	Resolve(ctx context.Context, chatID string) (string, error)
}

// CommandHandler is the control surface: authenticated operator commands that
// mutate the watch registry and keyword set while the scheduler keeps
// running. Every mutation is written to storage before the acknowledgement,
// so the scheduler's next snapshot is guaranteed to see it.
type CommandHandler struct {
	bot         BotAPI
	config      *config.Config
	storage     *storage.Manager
	resolver    ChatResolver
	budget      *budget.Tracker
	rateLimiter middleware.RateLimiter
	localizer   *i18n.Localizer
	metrics     *middleware.Metrics
	logger      *logrus.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(
	bot BotAPI,
	cfg *config.Config,
	storageManager *storage.Manager,
	resolver ChatResolver,
	tracker *budget.Tracker,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *CommandHandler {
	return &CommandHandler{
		bot:         bot,
		config:      cfg,
		storage:     storageManager,
		resolver:    resolver,
		budget:      tracker,
		rateLimiter: rateLimiter,
		localizer:   localizer,
		metrics:     metrics,
		logger:      logger,
	}
}

// HandleCommand processes one operator command.
func (h *CommandHandler) HandleCommand(ctx context.Context, message *tgbotapi.Message) error {
	chatID := message.Chat.ID
	userID := message.From.ID
	command := message.Command()
	args := strings.TrimSpace(message.CommandArguments())
	lang := h.language(message)

	// Single-operator bot: anyone else is turned away outright.
	if userID != h.config.Bot.AdminUserID {
		h.logger.WithField("user_id", userID).Warn("Command from non-admin user refused")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgAccessDenied, nil))
	}

	if !h.rateLimiter.Allow(userID) {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgRateLimited, nil))
	}

	h.metrics.RecordCommandExecuted(command)

	switch command {
	case "start":
		return h.handleStart(ctx, chatID, userID, lang)
	case "help":
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgHelp, nil))
	case "login":
		return h.handleLogin(ctx, message, args, lang)
	case "logout":
		return h.handleLogout(ctx, chatID, userID, lang)
	}

	// Everything below mutates or exposes configuration; an unauthenticated
	// caller is refused entirely, /status included.
	if !h.authorized(ctx, userID) {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgUnauthorized, nil))
	}

	switch command {
	case "addchat":
		return h.handleAddChat(ctx, chatID, args, lang)
	case "removechat":
		return h.handleRemoveChat(ctx, chatID, args, lang)
	case "listchats":
		return h.handleListChats(ctx, chatID, lang)
	case "keywords":
		return h.handleKeywords(ctx, chatID, lang)
	case "setkeywords":
		return h.handleSetKeywords(ctx, chatID, args, lang)
	case "status":
		return h.handleStatus(ctx, chatID, lang)
	default:
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgUnknownCommand, nil))
	}
}

func (h *CommandHandler) handleStart(ctx context.Context, chatID, userID int64, lang string) error {
	if h.authorized(ctx, userID) {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgHelp, nil))
	}
	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgWelcome, nil))
}

func (h *CommandHandler) handleLogin(ctx context.Context, message *tgbotapi.Message, password, lang string) error {
	chatID := message.Chat.ID
	userID := message.From.ID

	// Whatever the outcome, get the password out of the chat history.
	defer func() {
		if _, err := h.bot.Request(tgbotapi.NewDeleteMessage(chatID, message.MessageID)); err != nil {
			h.logger.WithError(err).Debug("Could not delete login message")
		}
	}()

	if password == "" {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgLoginPrompt, nil))
	}

	if password != h.config.Bot.Password {
		h.logger.WithField("user_id", userID).Warn("Failed login attempt")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgLoginFailed, nil))
	}

	now := time.Now()
	session := &models.Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(h.config.Bot.SessionTTL),
	}
	if err := h.storage.SaveSession(ctx, session); err != nil {
		h.logger.WithError(err).Error("Failed to save session")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	h.logger.WithField("user_id", userID).Info("Operator authorized")
	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgLoginSuccess, nil))
}

func (h *CommandHandler) handleLogout(ctx context.Context, chatID, userID int64, lang string) error {
	if err := h.storage.DeleteSession(ctx, userID); err != nil {
		h.logger.WithError(err).Error("Failed to delete session")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}
	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgLogoutDone, nil))
}

func (h *CommandHandler) handleAddChat(ctx context.Context, chatID int64, arg, lang string) error {
	ref := platform.NormalizeChatRef(arg)
	if ref == "" {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatAddUsage, nil))
	}

	enabled, err := h.enabledChats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list chats")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	// Beyond the cap the scheduler would silently starve chats, so the add
	// is rejected here instead.
	if len(enabled) >= h.config.Watch.MaxChats {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatLimitReached, map[string]interface{}{
			"Max": h.config.Watch.MaxChats,
		}))
	}

	existing, err := h.storage.GetChat(ctx, ref)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read chat")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	var chat *models.WatchedChat
	if existing != nil {
		// Re-enable flips only the flag: the old cursor stays where the
		// scheduler left it, so nothing already seen is re-reported.
		chat = existing
		chat.Enabled = true
		if err := h.storage.SetChatEnabled(ctx, ref, true); err != nil {
			h.logger.WithError(err).Error("Failed to re-enable chat")
			return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
		}
	} else {
		title, err := h.resolveChat(ctx, ref)
		if err != nil {
			return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatInvalid, map[string]interface{}{
				"Reason": err.Error(),
			}))
		}
		chat = &models.WatchedChat{
			ChatID:  ref,
			Title:   title,
			Enabled: true,
			AddedAt: time.Now(),
		}
		if err := h.storage.SaveChat(ctx, chat); err != nil {
			h.logger.WithError(err).Error("Failed to save chat")
			return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
		}
	}

	h.logger.WithField("chat", ref).Info("Chat added to watch list")
	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatAdded, map[string]interface{}{
		"Chat":  displayName(chat),
		"Count": len(enabled) + 1,
		"Max":   h.config.Watch.MaxChats,
	}))
}

// resolveChat validates the reference against the platform, going through
// the shared rate budget like every other platform call. When the budget is
// exhausted the chat is registered unresolved; the first fetch will surface
// a bad identifier anyway.
func (h *CommandHandler) resolveChat(ctx context.Context, ref string) (string, error) {
	allowed, _ := h.budget.TryAcquire()
	if !allowed {
		h.logger.WithField("chat", ref).Debug("Budget denied chat resolution, registering unresolved")
		return "", nil
	}

	title, err := h.resolver.Resolve(ctx, ref)
	if err != nil {
		if fe, ok := platform.AsFlood(err); ok {
			h.budget.RecordFloodSignal(fe.RetryAfter)
			return "", nil
		}
		if platform.IsPermanent(err) {
			return "", err
		}
		// Transient resolution trouble does not block registration.
		h.logger.WithError(err).WithField("chat", ref).Warn("Chat resolution failed transiently")
		return "", nil
	}

	h.budget.RecordSuccess()
	return title, nil
}

func (h *CommandHandler) handleRemoveChat(ctx context.Context, chatID int64, arg, lang string) error {
	ref := platform.NormalizeChatRef(arg)
	if ref == "" {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatRemoveUsage, nil))
	}

	chat, err := h.storage.GetChat(ctx, ref)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read chat")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}
	if chat == nil || !chat.Enabled {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatNotFound, nil))
	}

	// Disabled, not deleted, and only the flag is written: the cursor
	// survives for a later re-add, and an in-flight tick's cursor advance
	// for this chat is never overwritten by this pre-tick snapshot.
	if err := h.storage.SetChatEnabled(ctx, ref, false); err != nil {
		h.logger.WithError(err).Error("Failed to disable chat")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	h.logger.WithField("chat", ref).Info("Chat removed from watch list")
	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatRemoved, map[string]interface{}{
		"Chat": displayName(chat),
	}))
}

func (h *CommandHandler) handleListChats(ctx context.Context, chatID int64, lang string) error {
	chats, err := h.enabledChats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list chats")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	if len(chats) == 0 {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatListEmpty, nil))
	}

	var lines []string
	for i, c := range chats {
		lines = append(lines, fmt.Sprintf("%d. %s — %s", i+1, displayName(&c), c.AddedAt.Format("02.01.2006 15:04")))
	}

	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgChatList, map[string]interface{}{
		"Count": len(chats),
		"Max":   h.config.Watch.MaxChats,
		"List":  strings.Join(lines, "\n"),
	}))
}

func (h *CommandHandler) handleKeywords(ctx context.Context, chatID int64, lang string) error {
	keywords, err := h.storage.GetKeywords(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read keywords")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	if len(keywords) == 0 {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgKeywordsEmpty, nil))
	}

	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgKeywordsCurrent, map[string]interface{}{
		"Count": len(keywords),
		"List":  strings.Join(keywords, ", "),
	}))
}

func (h *CommandHandler) handleSetKeywords(ctx context.Context, chatID int64, arg, lang string) error {
	keywords := matcher.ParseList(arg)
	if len(keywords) == 0 {
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgKeywordsUsage, nil))
	}

	// Full replace, written before the acknowledgement: the scheduler's
	// next snapshot is guaranteed to use the new set.
	if err := h.storage.SetKeywords(ctx, keywords); err != nil {
		h.logger.WithError(err).Error("Failed to save keywords")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	h.logger.WithField("keywords", keywords).Info("Keyword set replaced")
	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgKeywordsSet, map[string]interface{}{
		"Count": len(keywords),
		"List":  strings.Join(keywords, ", "),
	}))
}

func (h *CommandHandler) handleStatus(ctx context.Context, chatID int64, lang string) error {
	chats, err := h.enabledChats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list chats")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	keywords, err := h.storage.GetKeywords(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read keywords")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	stats, err := h.storage.GetStats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read stats")
		return h.reply(chatID, h.localizer.Get(lang, i18n.MsgError, nil))
	}

	scanner := h.localizer.Get(lang, i18n.MsgStatusScannerOK, nil)
	cooldown := ""
	if remaining := h.budget.InCooldown(); remaining > 0 {
		scanner = h.localizer.Get(lang, i18n.MsgStatusScannerCD, nil)
		cooldown = h.localizer.Get(lang, i18n.MsgStatusCooldown, map[string]interface{}{
			"Remaining": remaining.Round(time.Second).String(),
		})
	}

	lastMatch := h.localizer.Get(lang, i18n.MsgStatusNoMatch, nil)
	if recent, err := h.storage.RecentMatches(ctx, 1); err == nil && len(recent) > 0 {
		lastMatch = h.localizer.Get(lang, i18n.MsgStatusLastMatch, map[string]interface{}{
			"Time": recent[0].FoundAt.Format("02.01.2006 15:04"),
			"Chat": recent[0].ChatID,
		})
	}

	return h.reply(chatID, h.localizer.Get(lang, i18n.MsgStatus, map[string]interface{}{
		"Scanner":    scanner,
		"Chats":      len(chats),
		"Max":        h.config.Watch.MaxChats,
		"Keywords":   len(keywords),
		"Interval":   h.config.Watch.CheckInterval.String(),
		"Scanned":    stats[models.StatMessagesScanned],
		"Matches":    stats[models.StatMatchesFound],
		"FloodWaits": stats[models.StatFloodWaits],
		"LastMatch":  lastMatch,
		"Cooldown":   cooldown,
	}))
}

// authorized checks the operator's session, refreshing the expiry on use.
func (h *CommandHandler) authorized(ctx context.Context, userID int64) bool {
	session, err := h.storage.GetSession(ctx, userID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read session")
		return false
	}
	if session == nil || session.Expired(time.Now()) {
		return false
	}

	session.ExpiresAt = time.Now().Add(h.config.Bot.SessionTTL)
	if err := h.storage.SaveSession(ctx, session); err != nil {
		h.logger.WithError(err).Warn("Failed to refresh session")
	}
	return true
}

func (h *CommandHandler) enabledChats(ctx context.Context) ([]models.WatchedChat, error) {
	all, err := h.storage.ListChats(ctx)
	if err != nil {
		return nil, err
	}

	chats := all[:0:0]
	for _, c := range all {
		if c.Enabled {
			chats = append(chats, c)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].AddedAt.Before(chats[j].AddedAt)
	})
	return chats, nil
}

func (h *CommandHandler) language(message *tgbotapi.Message) string {
	if message.From != nil && message.From.LanguageCode != "" {
		for _, lang := range h.config.I18n.Languages {
			if lang == message.From.LanguageCode {
				return lang
			}
		}
	}
	return h.config.I18n.DefaultLanguage
}

func (h *CommandHandler) reply(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := h.bot.Send(msg)
	return err
}

func displayName(chat *models.WatchedChat) string {
	if chat.Title != "" {
		return fmt.Sprintf("%s (@%s)", chat.Title, chat.ChatID)
	}
	return "@" + chat.ChatID
}
