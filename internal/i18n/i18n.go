package i18n

import (
	"encoding/json"
	"fmt"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/tg-spybot-go/internal/config"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	// Load language files
	for _, lang := range cfg.Languages {
		if _, err := bundle.LoadMessageFile(fmt.Sprintf("%s/%s.json", cfg.Directory, lang)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome          = "welcome"
	MsgHelp             = "help"
	MsgLoginPrompt      = "login_prompt"
	MsgLoginSuccess     = "login_success"
	MsgLoginFailed      = "login_failed"
	MsgLogoutDone       = "logout_done"
	MsgUnauthorized     = "unauthorized"
	MsgAccessDenied     = "access_denied"
	MsgRateLimited      = "rate_limited"
	MsgChatAddUsage     = "chat_add_usage"
	MsgChatAdded        = "chat_added"
	MsgChatLimitReached = "chat_limit_reached"
	MsgChatInvalid      = "chat_invalid"
	MsgChatRemoveUsage  = "chat_remove_usage"
	MsgChatRemoved      = "chat_removed"
	MsgChatNotFound     = "chat_not_found"
	MsgChatListEmpty    = "chat_list_empty"
	MsgChatList         = "chat_list"
	MsgKeywordsCurrent  = "keywords_current"
	MsgKeywordsEmpty    = "keywords_empty"
	MsgKeywordsSet      = "keywords_set"
	MsgKeywordsUsage    = "keywords_usage"
	MsgStatus           = "status"
	MsgStatusScannerOK  = "status_scanner_ok"
	MsgStatusScannerCD  = "status_scanner_cooldown"
	MsgStatusCooldown   = "status_cooldown_line"
	MsgStatusNoMatch    = "status_no_match_yet"
	MsgStatusLastMatch  = "status_last_match"
	MsgUnknownCommand   = "unknown_command"
	MsgError            = "error"
)
