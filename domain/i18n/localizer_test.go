package i18n

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu    sync.Mutex
	langs map[string]string
	reads int
	err   error
}

func (m *memoryStore) GetLanguage(_ context.Context, chatID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return "", m.err
	}
	return m.langs[chatID], nil
}

func (m *memoryStore) SetLanguage(_ context.Context, chatID, lang string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.langs[chatID] = lang
	return nil
}

func newTestLocalizer(t *testing.T, store *memoryStore) *Localizer {
	t.Helper()
	l, err := NewLocalizer(store, "en")
	require.NoError(t, err)
	return l
}

func TestCatalogCoversEveryKey(t *testing.T) {
	c, err := ParseCatalog(rawCatalog)
	require.NoError(t, err)

	keys := []Key{
		KeyLangPrompt, KeyLangSet, KeyLangUnknown, KeyStartInstructions, KeyButtonFinish,
		KeyErrorNoRequest, KeyErrorHasOpenSession, KeyRequestSent, KeyForumFailed,
		KeyForumCloseFailed, KeySessionClosed, KeyDialogEnded, KeyDialogInactive,
		KeyInactivityClosed, KeyNoActiveTicket, KeyUnsupportedContent, KeyDeliveryFailed,
		KeyThreadClosed, KeyThreadExpired, KeyOrphanRequest, KeySummaryUnavailable,
		KeySummaryFailed,
	}
	for _, k := range keys {
		texts, ok := c.Texts[k]
		if !assert.True(t, ok, "missing key %s", k) {
			continue
		}
		for _, lang := range c.Languages {
			assert.NotEmpty(t, texts[lang.Code], "key %s has no %s text", k, lang.Code)
		}
	}
}

func TestLocalizer_Text(t *testing.T) {
	store := &memoryStore{langs: map[string]string{"U_RU": "ru", "U_BAD": "xx"}}
	l := newTestLocalizer(t, store)

	assert.Equal(t, "Finish", l.Text(context.Background(), KeyButtonFinish, "U_NEW"))
	assert.Equal(t, "Завершить", l.Text(context.Background(), KeyButtonFinish, "U_RU"))
	assert.Equal(t, "Finish", l.Text(context.Background(), KeyButtonFinish, "U_BAD"))
	assert.Equal(t, "no_such_key", l.Text(context.Background(), Key("no_such_key"), "U_RU"))
}

func TestLocalizer_TextFallsBackWhenStoreFails(t *testing.T) {
	store := &memoryStore{langs: map[string]string{}, err: errors.New("boom")}
	l := newTestLocalizer(t, store)

	assert.Equal(t, "Finish", l.Text(context.Background(), KeyButtonFinish, "U1"))
}

func TestLocalizer_LanguageIsCached(t *testing.T) {
	store := &memoryStore{langs: map[string]string{"U1": "kk"}}
	l := newTestLocalizer(t, store)

	assert.Equal(t, "kk", l.Language(context.Background(), "U1"))
	assert.Equal(t, "kk", l.Language(context.Background(), "U1"))
	assert.Equal(t, 1, store.reads)
}

func TestLocalizer_SetLanguage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantOK  bool
		wantTxt string
	}{
		{name: "display name", input: "Русский", want: "ru", wantOK: true, wantTxt: "Завершить"},
		{name: "code", input: "kk", want: "kk", wantOK: true, wantTxt: "Аяқтау"},
		{name: "case and space", input: "  english ", want: "en", wantOK: true, wantTxt: "Finish"},
		{name: "unknown", input: "Deutsch", wantOK: false, wantTxt: "Finish"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memoryStore{langs: map[string]string{}}
			l := newTestLocalizer(t, store)
			// warm the cache so SetLanguage has to invalidate it
			l.Language(context.Background(), "U1")

			got, ok, err := l.SetLanguage(context.Background(), "U1", tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantTxt, l.Text(context.Background(), KeyButtonFinish, "U1"))
		})
	}
}

func TestNewLocalizer_UnknownDefault(t *testing.T) {
	_, err := NewLocalizer(&memoryStore{langs: map[string]string{}}, "de")
	assert.Error(t, err)
}
