package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pyama86/slaffic-relay/domain/i18n"
	"github.com/pyama86/slaffic-relay/domain/infra"
	"github.com/pyama86/slaffic-relay/domain/model"
)

// Controller owns ticket state transitions. Every mutation of a requester's
// ticket runs under that requester's lock.
type Controller struct {
	cfg     Config
	deps    Deps
	journal *Journal
	locks   *keyedMutex
}

func NewController(cfg Config, d Deps) *Controller {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{
		cfg:     cfg,
		deps:    d,
		journal: NewJournal(d.Logs, cfg.EnableLogging),
		locks:   newKeyedMutex(),
	}
}

// RequestHelp opens a ticket and its staff thread and forwards text there.
// When the thread cannot be created the ticket is kept and a
// *RemotePlatformError carrying it is returned.
func (c *Controller) RequestHelp(ctx context.Context, requesterID, text string, at time.Time) (*model.Ticket, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyRequest
	}
	at = c.timeOf(at)

	unlock := c.locks.Lock(requesterID)
	defer unlock()

	existing, err := c.deps.Tickets.GetTicketByRequester(ctx, requesterID)
	switch {
	case err == nil:
		expired, err := c.expireIfIdleLocked(ctx, existing, at)
		if err != nil {
			return nil, err
		}
		if !expired {
			return existing, ErrDuplicateSession
		}
	case !errors.Is(err, infra.ErrNotFound):
		return nil, err
	}

	ticket, err := c.deps.Tickets.CreateTicket(ctx, requesterID, at)
	if errors.Is(err, infra.ErrConflict) {
		return nil, ErrDuplicateSession
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Ticket opened", slog.Uint64("ticket_id", uint64(ticket.ID)))

	threadID, err := c.openThreadLocked(ctx, ticket)
	if err != nil {
		var remote *RemotePlatformError
		if errors.As(err, &remote) {
			c.journal.Append(ctx, requesterID, "", text, "")
			c.notifyOrphan(ctx, ticket, text)
		}
		return ticket, err
	}

	if err := c.deps.Messenger.SendText(ctx, c.cfg.StaffGroupID, text, infra.SendOptions{ThreadID: threadID}); err != nil {
		c.deps.Reporter.Report(ctx, fmt.Sprintf("failed to forward request of %s", ticket.Title()), err)
	}
	c.journal.Append(ctx, requesterID, threadID, text, "")
	return ticket, nil
}

// openThreadLocked creates the staff thread for ticket and records it.
func (c *Controller) openThreadLocked(ctx context.Context, ticket *model.Ticket) (string, error) {
	if ticket.HasThread() {
		return ticket.ThreadID, nil
	}
	threadID, err := c.deps.Messenger.CreateThread(ctx, c.cfg.StaffGroupID, ticket.Title())
	if err != nil {
		c.deps.Reporter.Report(ctx, fmt.Sprintf("failed to create thread for %s", ticket.Title()), err)
		return "", &RemotePlatformError{Op: "create_thread", Ticket: ticket, Err: err}
	}
	if err := c.deps.Tickets.AssignThread(ctx, ticket.RequesterID, threadID); err != nil {
		return "", fmt.Errorf("assign thread: %w", err)
	}
	ticket.ThreadID = threadID
	return threadID, nil
}

func (c *Controller) notifyOrphan(ctx context.Context, ticket *model.Ticket, text string) {
	staff := c.cfg.StaffGroupID
	msg := fmt.Sprintf("%s\n%s\n> %s", c.deps.Texts.Text(ctx, i18n.KeyOrphanRequest, staff), ticket.Title(), text)
	if err := c.deps.Messenger.SendText(ctx, staff, msg, infra.SendOptions{}); err != nil {
		slog.Warn("Failed to post orphan notice", slog.Uint64("ticket_id", uint64(ticket.ID)), slog.Any("err", err))
	}
}

// CloseSession closes the requester's ticket and sends notice to them.
// It reports false when there was nothing to close.
func (c *Controller) CloseSession(ctx context.Context, requesterID string, notice i18n.Key) (bool, error) {
	unlock := c.locks.Lock(requesterID)
	defer unlock()

	ticket, err := c.deps.Tickets.GetTicketByRequester(ctx, requesterID)
	if errors.Is(err, infra.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, c.closeLocked(ctx, ticket, notice, i18n.KeyThreadClosed)
}

// CloseByThread closes the ticket bound to threadID from the staff side.
func (c *Controller) CloseByThread(ctx context.Context, threadID string) (bool, error) {
	ticket, err := c.deps.Tickets.GetTicketByThread(ctx, threadID)
	if errors.Is(err, infra.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	unlock := c.locks.Lock(ticket.RequesterID)
	defer unlock()

	current, ok, err := c.verifyLocked(ctx, ticket.RequesterID, threadID)
	if err != nil || !ok {
		return false, err
	}
	return true, c.closeLocked(ctx, current, i18n.KeySessionClosed, i18n.KeyThreadClosed)
}

// verifyLocked re-reads the requester's ticket and checks it is still bound to threadID.
func (c *Controller) verifyLocked(ctx context.Context, requesterID, threadID string) (*model.Ticket, bool, error) {
	current, err := c.deps.Tickets.GetTicketByRequester(ctx, requesterID)
	if errors.Is(err, infra.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return current, current.ThreadID == threadID, nil
}

// closeLocked closes the remote thread best-effort, deletes the ticket and
// notifies the requester.
func (c *Controller) closeLocked(ctx context.Context, ticket *model.Ticket, requesterNotice, threadNotice i18n.Key) error {
	staff := c.cfg.StaffGroupID
	remoteFailed := false
	if ticket.HasThread() {
		if err := c.deps.Messenger.SendText(ctx, staff, c.deps.Texts.Text(ctx, threadNotice, staff), infra.SendOptions{ThreadID: ticket.ThreadID}); err != nil {
			slog.Warn("Failed to post thread notice", slog.Uint64("ticket_id", uint64(ticket.ID)), slog.Any("err", err))
		}
		if err := c.deps.Messenger.CloseThread(ctx, staff, ticket.ThreadID); err != nil {
			remoteFailed = true
			c.deps.Reporter.Report(ctx, fmt.Sprintf("failed to close thread of %s", ticket.Title()), err)
		}
	}

	if err := c.deps.Tickets.CloseTicket(ctx, ticket.RequesterID); err != nil {
		return fmt.Errorf("close ticket: %w", err)
	}
	slog.Info("Ticket closed", slog.Uint64("ticket_id", uint64(ticket.ID)), slog.String("reason", string(requesterNotice)))

	if remoteFailed {
		c.notify(ctx, ticket.RequesterID, i18n.KeyForumCloseFailed, infra.SendOptions{})
	}
	c.notify(ctx, ticket.RequesterID, requesterNotice, infra.SendOptions{})
	return nil
}

// ExpireIfIdle closes the requester's ticket when it has been idle longer
// than the configured timeout at now.
func (c *Controller) ExpireIfIdle(ctx context.Context, requesterID string, now time.Time) (bool, error) {
	unlock := c.locks.Lock(requesterID)
	defer unlock()

	ticket, err := c.deps.Tickets.GetTicketByRequester(ctx, requesterID)
	if errors.Is(err, infra.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.expireIfIdleLocked(ctx, ticket, c.timeOf(now))
}

func (c *Controller) expireIfIdleLocked(ctx context.Context, ticket *model.Ticket, now time.Time) (bool, error) {
	if !ticket.IdleExpired(now, c.cfg.IdleTimeout) {
		return false, nil
	}
	if err := c.closeLocked(ctx, ticket, i18n.KeyInactivityClosed, i18n.KeyThreadExpired); err != nil {
		return false, err
	}
	return true, nil
}

// Touch records activity at at. It never fails the caller.
func (c *Controller) Touch(ctx context.Context, requesterID string, at time.Time) {
	unlock := c.locks.Lock(requesterID)
	defer unlock()
	c.touchLocked(ctx, requesterID, c.timeOf(at))
}

func (c *Controller) touchLocked(ctx context.Context, requesterID string, at time.Time) {
	err := c.deps.Tickets.TouchTicket(ctx, requesterID, at)
	switch {
	case errors.Is(err, infra.ErrNotFound):
		slog.Debug("Touch skipped, ticket is gone", slog.String("requester_id", requesterID))
	case err != nil:
		slog.Warn("Failed to touch ticket", slog.String("requester_id", requesterID), slog.Any("err", err))
	}
}

func (c *Controller) notify(ctx context.Context, chatID string, key i18n.Key, opts infra.SendOptions) {
	if err := c.deps.Messenger.SendText(ctx, chatID, c.deps.Texts.Text(ctx, key, chatID), opts); err != nil {
		slog.Warn("Failed to send notice", slog.String("chat_id", chatID), slog.String("key", string(key)), slog.Any("err", err))
	}
}

func (c *Controller) timeOf(at time.Time) time.Time {
	if at.IsZero() {
		return c.deps.Now()
	}
	return at
}
