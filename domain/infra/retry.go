package infra

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pyama86/slaffic-relay/domain/model"
	"github.com/sethvargo/go-retry"
)

type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryingDatastore retries transient store failures with exponential backoff.
// ErrNotFound and ErrConflict are answers, not failures, and are returned as is.
type RetryingDatastore struct {
	next   Datastore
	policy RetryPolicy
}

var _ Datastore = (*RetryingDatastore)(nil)

func NewRetryingDatastore(next Datastore, policy RetryPolicy) *RetryingDatastore {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 2 * time.Second
	}
	return &RetryingDatastore{next: next, policy: policy}
}

func isAnswer(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}

func (r *RetryingDatastore) do(ctx context.Context, op string, f func(ctx context.Context) error) error {
	b := retry.NewExponential(r.policy.BaseDelay)
	b = retry.WithCappedDuration(r.policy.MaxDelay, b)
	b = retry.WithMaxRetries(r.policy.MaxRetries, b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := f(ctx)
		if err == nil || isAnswer(err) {
			return err
		}
		slog.Warn("datastore operation failed", slog.String("op", op), slog.Int("attempt", attempt), slog.Any("err", err))
		return retry.RetryableError(err)
	})
	if err != nil && !isAnswer(err) {
		return &PersistenceError{Op: op, Err: err}
	}
	return err
}

func (r *RetryingDatastore) CreateTicket(ctx context.Context, requesterID string, at time.Time) (*model.Ticket, error) {
	var ticket *model.Ticket
	err := r.do(ctx, "CreateTicket", func(ctx context.Context) error {
		var err error
		ticket, err = r.next.CreateTicket(ctx, requesterID, at)
		return err
	})
	return ticket, err
}

func (r *RetryingDatastore) GetTicketByRequester(ctx context.Context, requesterID string) (*model.Ticket, error) {
	var ticket *model.Ticket
	err := r.do(ctx, "GetTicketByRequester", func(ctx context.Context) error {
		var err error
		ticket, err = r.next.GetTicketByRequester(ctx, requesterID)
		return err
	})
	return ticket, err
}

func (r *RetryingDatastore) GetTicketByThread(ctx context.Context, threadID string) (*model.Ticket, error) {
	var ticket *model.Ticket
	err := r.do(ctx, "GetTicketByThread", func(ctx context.Context) error {
		var err error
		ticket, err = r.next.GetTicketByThread(ctx, threadID)
		return err
	})
	return ticket, err
}

func (r *RetryingDatastore) AssignThread(ctx context.Context, requesterID, threadID string) error {
	return r.do(ctx, "AssignThread", func(ctx context.Context) error {
		return r.next.AssignThread(ctx, requesterID, threadID)
	})
}

func (r *RetryingDatastore) TouchTicket(ctx context.Context, requesterID string, at time.Time) error {
	return r.do(ctx, "TouchTicket", func(ctx context.Context) error {
		return r.next.TouchTicket(ctx, requesterID, at)
	})
}

func (r *RetryingDatastore) CloseTicket(ctx context.Context, requesterID string) error {
	return r.do(ctx, "CloseTicket", func(ctx context.Context) error {
		return r.next.CloseTicket(ctx, requesterID)
	})
}

// AppendLog is not idempotent, so a failed append is never repeated.
func (r *RetryingDatastore) AppendLog(ctx context.Context, requesterID, threadID, message, supporterID string) error {
	err := r.next.AppendLog(ctx, requesterID, threadID, message, supporterID)
	if err != nil && !isAnswer(err) {
		return &PersistenceError{Op: "AppendLog", Err: err}
	}
	return err
}

func (r *RetryingDatastore) GetLog(ctx context.Context, requesterID, threadID string) (*model.ConversationLog, error) {
	var entry *model.ConversationLog
	err := r.do(ctx, "GetLog", func(ctx context.Context) error {
		var err error
		entry, err = r.next.GetLog(ctx, requesterID, threadID)
		return err
	})
	return entry, err
}

func (r *RetryingDatastore) GetLanguage(ctx context.Context, chatID string) (string, error) {
	var lang string
	err := r.do(ctx, "GetLanguage", func(ctx context.Context) error {
		var err error
		lang, err = r.next.GetLanguage(ctx, chatID)
		return err
	})
	return lang, err
}

func (r *RetryingDatastore) SetLanguage(ctx context.Context, chatID, lang string) error {
	return r.do(ctx, "SetLanguage", func(ctx context.Context) error {
		return r.next.SetLanguage(ctx, chatID, lang)
	})
}

func (r *RetryingDatastore) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
