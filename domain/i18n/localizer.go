// Package i18n resolves user-facing texts in the language chosen per chat.
package i18n

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"gopkg.in/yaml.v3"
)

type Key string

const (
	KeyLangPrompt          Key = "lang_prompt"
	KeyLangSet             Key = "lang_set"
	KeyLangUnknown         Key = "lang_unknown"
	KeyStartInstructions   Key = "start_instructions"
	KeyButtonFinish        Key = "button_finish"
	KeyErrorNoRequest      Key = "error_no_request"
	KeyErrorHasOpenSession Key = "error_has_open_session"
	KeyRequestSent         Key = "request_sent"
	KeyForumFailed         Key = "forum_failed"
	KeyForumCloseFailed    Key = "forum_close_failed"
	KeySessionClosed       Key = "session_closed"
	KeyDialogEnded         Key = "dialog_ended"
	KeyDialogInactive      Key = "dialog_inactive"
	KeyInactivityClosed    Key = "inactivity_closed"
	KeyNoActiveTicket      Key = "no_active_ticket"
	KeyUnsupportedContent  Key = "unsupported_content"
	KeyDeliveryFailed      Key = "delivery_failed"
	KeyThreadClosed        Key = "thread_closed"
	KeyThreadExpired       Key = "thread_expired"
	KeyOrphanRequest       Key = "orphan_request"
	KeySummaryUnavailable  Key = "summary_unavailable"
	KeySummaryFailed       Key = "summary_failed"
)

//go:embed texts.yaml
var rawCatalog []byte

type Language struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

type Catalog struct {
	Languages []Language                `yaml:"languages"`
	Texts     map[Key]map[string]string `yaml:"texts"`
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(c.Languages) == 0 {
		return nil, fmt.Errorf("catalog has no languages")
	}
	return &c, nil
}

// LanguageStore persists the language chosen per chat.
type LanguageStore interface {
	GetLanguage(ctx context.Context, chatID string) (string, error)
	SetLanguage(ctx context.Context, chatID, lang string) error
}

type Localizer struct {
	store    LanguageStore
	catalog  *Catalog
	fallback string
	cache    *ttlcache.Cache[string, string]
}

func NewLocalizer(store LanguageStore, fallback string) (*Localizer, error) {
	catalog, err := ParseCatalog(rawCatalog)
	if err != nil {
		return nil, err
	}
	if fallback == "" {
		fallback = catalog.Languages[0].Code
	}
	if _, ok := catalog.Lookup(fallback); !ok {
		return nil, fmt.Errorf("unknown default language: %s", fallback)
	}
	return &Localizer{
		store:    store,
		catalog:  catalog,
		fallback: fallback,
		cache:    ttlcache.New(ttlcache.WithTTL[string, string](10 * time.Minute)),
	}, nil
}

func (l *Localizer) Start() {
	go l.cache.Start()
}

func (l *Localizer) Stop() {
	l.cache.Stop()
}

// Lookup matches a language by code or display name.
func (c *Catalog) Lookup(input string) (Language, bool) {
	input = strings.TrimSpace(input)
	for _, lang := range c.Languages {
		if strings.EqualFold(lang.Code, input) || strings.EqualFold(lang.Name, input) {
			return lang, true
		}
	}
	return Language{}, false
}

// Language returns the language code for chatID, or the fallback.
func (l *Localizer) Language(ctx context.Context, chatID string) string {
	if item := l.cache.Get(chatID); item != nil {
		return item.Value()
	}
	lang, err := l.store.GetLanguage(ctx, chatID)
	if err != nil {
		slog.Warn("Failed to get language", slog.String("chat_id", chatID), slog.Any("err", err))
		return l.fallback
	}
	if _, ok := l.catalog.Lookup(lang); !ok {
		lang = l.fallback
	}
	l.cache.Set(chatID, lang, ttlcache.DefaultTTL)
	return lang
}

// Text resolves key for chatID at call time. Untranslated keys fall back to
// the default language, and unknown keys to the key itself.
func (l *Localizer) Text(ctx context.Context, key Key, chatID string) string {
	texts, ok := l.catalog.Texts[key]
	if !ok {
		slog.Warn("Unknown text key", slog.String("key", string(key)))
		return string(key)
	}
	if s, ok := texts[l.Language(ctx, chatID)]; ok && s != "" {
		return s
	}
	return texts[l.fallback]
}

// SetLanguage stores the language named by input and returns its code.
func (l *Localizer) SetLanguage(ctx context.Context, chatID, input string) (string, bool, error) {
	lang, ok := l.catalog.Lookup(input)
	if !ok {
		return "", false, nil
	}
	if err := l.store.SetLanguage(ctx, chatID, lang.Code); err != nil {
		return "", true, err
	}
	l.cache.Delete(chatID)
	return lang.Code, true, nil
}
