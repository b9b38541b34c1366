package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pyama86/slaffic-relay/domain/model"
)

var (
	// ErrNotFound is returned when no ticket (or log entry) matches the lookup key.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by CreateTicket when the requester already has an open ticket.
	ErrConflict = errors.New("open ticket already exists")
)

// PersistenceError is returned once the store stayed unreachable after retrying.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type Datastore interface {
	// チケットを作成する。未クローズのチケットがあれば ErrConflict
	CreateTicket(ctx context.Context, requesterID string, at time.Time) (*model.Ticket, error)
	// 問い合わせ者からチケットを引く
	GetTicketByRequester(ctx context.Context, requesterID string) (*model.Ticket, error)
	// スレッドからチケットを引く
	GetTicketByThread(ctx context.Context, threadID string) (*model.Ticket, error)
	// スレッドを割り当てる
	AssignThread(ctx context.Context, requesterID, threadID string) error
	// 最終活動時刻を更新する
	TouchTicket(ctx context.Context, requesterID string, at time.Time) error
	// チケットを削除する。存在しなくてもエラーにしない
	CloseTicket(ctx context.Context, requesterID string) error

	// 会話ログに追記する
	AppendLog(ctx context.Context, requesterID, threadID, message, supporterID string) error
	// 会話ログを取得する
	GetLog(ctx context.Context, requesterID, threadID string) (*model.ConversationLog, error)

	// 言語設定を取得する。未設定なら空文字
	GetLanguage(ctx context.Context, chatID string) (string, error)
	// 言語設定を保存する
	SetLanguage(ctx context.Context, chatID, lang string) error

	Ping(ctx context.Context) error
}

func timeNow() time.Time {
	return time.Now().UTC()
}
