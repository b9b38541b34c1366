package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pyama86/slaffic-relay/domain/i18n"
	"github.com/pyama86/slaffic-relay/domain/infra"
	"github.com/pyama86/slaffic-relay/domain/model"
	"github.com/stretchr/testify/require"
)

const (
	staffChannel = "C_STAFF"
	requesterA   = "U_A"
	requesterB   = "U_B"
	supporterS   = "U_S"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	ChatID string
	Text   string
	Opts   infra.SendOptions
}

type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentMessage
	titles  []string
	closed  []string
	threads int

	createErr error
	closeErr  error
	sendErr   map[string]error
}

func (m *fakeMessenger) SendText(_ context.Context, chatID, text string, opts infra.SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErr[chatID]; err != nil {
		return err
	}
	m.sent = append(m.sent, sentMessage{ChatID: chatID, Text: text, Opts: opts})
	return nil
}

func (m *fakeMessenger) CreateThread(_ context.Context, groupID, title string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.threads++
	m.titles = append(m.titles, title)
	return fmt.Sprintf("1714554000.%06d", m.threads), nil
}

func (m *fakeMessenger) CloseThread(_ context.Context, groupID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeErr != nil {
		return m.closeErr
	}
	m.closed = append(m.closed, threadID)
	return nil
}

func (m *fakeMessenger) setSendErr(chatID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr == nil {
		m.sendErr = map[string]error{}
	}
	m.sendErr[chatID] = err
}

// to returns every message sent to chatID, in order.
func (m *fakeMessenger) to(chatID string) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, s := range m.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (m *fakeMessenger) texts(chatID string) []string {
	var out []string
	for _, s := range m.to(chatID) {
		out = append(out, s.Text)
	}
	return out
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *fakeReporter) Report(_ context.Context, summary string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, summary)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

type fakeSummarizer struct {
	entry *model.ConversationLog
	err   error
}

func (s *fakeSummarizer) Summarize(_ context.Context, title string, entry *model.ConversationLog) (string, error) {
	s.entry = entry
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("summary of %s: %d messages", title, len(entry.Messages)), nil
}

type fixture struct {
	db       *infra.DataBase
	msg      *fakeMessenger
	reporter *fakeReporter
	texts    *i18n.Localizer
	router   *Router

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, opts ...func(*Config, *Deps)) *fixture {
	t.Helper()
	db, err := infra.NewDataBase(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	texts, err := i18n.NewLocalizer(db, "en")
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		msg:      &fakeMessenger{},
		reporter: &fakeReporter{},
		texts:    texts,
		now:      baseTime,
	}
	cfg := Config{
		StaffGroupID:      staffChannel,
		IdleTimeout:       3 * time.Hour,
		EnableLogging:     true,
		DiagnosticTrigger: "check_chat_id",
		StaffCloseTrigger: "!close",
		SummaryTrigger:    "!summary",
	}
	deps := Deps{
		Tickets:   db,
		Logs:      db,
		Messenger: f.msg,
		Texts:     texts,
		Reporter:  f.reporter,
		Now:       f.clock,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	f.router = NewRouter(NewController(cfg, deps))
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) text(key i18n.Key, chatID string) string {
	return f.texts.Text(context.Background(), key, chatID)
}

func (f *fixture) ticket(t *testing.T, requesterID string) *model.Ticket {
	t.Helper()
	ticket, err := f.db.GetTicketByRequester(context.Background(), requesterID)
	require.NoError(t, err)
	return ticket
}

// open runs the help command for requesterID at baseTime.
func (f *fixture) open(t *testing.T, requesterID, text string) *model.Ticket {
	t.Helper()
	out, err := f.router.Help(context.Background(), requesterID, text, baseTime)
	require.NoError(t, err)
	require.Equal(t, OutcomeOpened, out)
	return f.ticket(t, requesterID)
}

func fromRequester(requesterID, body string, at time.Time) Inbound {
	return Inbound{
		OriginChatID: "D_" + requesterID,
		OriginUserID: requesterID,
		ChatKind:     ChatPrivate,
		ContentKind:  ContentText,
		Body:         body,
		Timestamp:    at,
	}
}

func fromStaff(userID, threadID, body string, at time.Time) Inbound {
	return Inbound{
		OriginChatID: staffChannel,
		OriginUserID: userID,
		ChatKind:     ChatGroup,
		ThreadID:     threadID,
		ContentKind:  ContentText,
		Body:         body,
		Timestamp:    at,
	}
}
