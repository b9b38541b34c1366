package relay

import (
	"context"
	"time"

	"github.com/pyama86/slaffic-relay/domain/i18n"
	"github.com/pyama86/slaffic-relay/domain/infra"
	"github.com/pyama86/slaffic-relay/domain/model"
)

type Messenger interface {
	SendText(ctx context.Context, chatID, text string, opts infra.SendOptions) error
	CreateThread(ctx context.Context, groupID, title string) (string, error)
	CloseThread(ctx context.Context, groupID, threadID string) error
}

type Localizer interface {
	Text(ctx context.Context, key i18n.Key, chatID string) string
}

type Reporter interface {
	Report(ctx context.Context, summary string, err error)
}

type Summarizer interface {
	Summarize(ctx context.Context, title string, entry *model.ConversationLog) (string, error)
}

type TicketStore interface {
	CreateTicket(ctx context.Context, requesterID string, at time.Time) (*model.Ticket, error)
	GetTicketByRequester(ctx context.Context, requesterID string) (*model.Ticket, error)
	GetTicketByThread(ctx context.Context, threadID string) (*model.Ticket, error)
	AssignThread(ctx context.Context, requesterID, threadID string) error
	TouchTicket(ctx context.Context, requesterID string, at time.Time) error
	CloseTicket(ctx context.Context, requesterID string) error
}

type LogStore interface {
	AppendLog(ctx context.Context, requesterID, threadID, message, supporterID string) error
	GetLog(ctx context.Context, requesterID, threadID string) (*model.ConversationLog, error)
}

type Config struct {
	// StaffGroupID はスタッフ用チャンネル
	StaffGroupID string
	IdleTimeout  time.Duration
	// EnableLogging が false なら会話ログを残さない
	EnableLogging     bool
	DiagnosticTrigger string
	StaffCloseTrigger string
	SummaryTrigger    string
}

const DefaultIdleTimeout = 3 * time.Hour

// Deps are the collaborators shared by Controller and Router.
// Summarizer may be nil.
type Deps struct {
	Tickets    TicketStore
	Logs       LogStore
	Messenger  Messenger
	Texts      Localizer
	Reporter   Reporter
	Summarizer Summarizer
	Now        func() time.Time
}
