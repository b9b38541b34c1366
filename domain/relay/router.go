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

type ChatKind int

const (
	ChatPrivate ChatKind = iota
	ChatGroup
)

type ContentKind int

const (
	ContentText ContentKind = iota
	ContentPhoto
	ContentDocument
	ContentOther
)

// Inbound is one message received from the chat platform.
type Inbound struct {
	OriginChatID string
	OriginUserID string
	ChatKind     ChatKind
	// ThreadID はスレッド内の発言ならスレッドの ts
	ThreadID    string
	ContentKind ContentKind
	Body        string
	Timestamp   time.Time
}

type Outcome string

const (
	OutcomeForwarded   Outcome = "forwarded"
	OutcomeForwardFail Outcome = "forward_failed"
	OutcomeNoTicket    Outcome = "no_ticket"
	OutcomeDropped     Outcome = "dropped"
	OutcomeClosed      Outcome = "closed"
	OutcomeExpired     Outcome = "expired"
	OutcomeDiagnostic  Outcome = "diagnostic"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeOpened      Outcome = "opened"
	OutcomeOpenFailed  Outcome = "open_failed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeEmpty       Outcome = "empty"
	OutcomeSummarized  Outcome = "summarized"
)

// Router decides where an inbound message goes and performs the side effects.
// A returned error means the message was abandoned without partial mutation
// of its own.
type Router struct {
	*Controller
}

func NewRouter(c *Controller) *Router {
	return &Router{Controller: c}
}

func (r *Router) Route(ctx context.Context, in Inbound) (Outcome, error) {
	in.Timestamp = r.timeOf(in.Timestamp)
	fromStaff := in.OriginChatID == r.cfg.StaffGroupID

	if in.ContentKind != ContentText {
		return r.rejectContent(ctx, in, fromStaff)
	}

	body := strings.TrimSpace(in.Body)
	if !fromStaff && body == r.deps.Texts.Text(ctx, i18n.KeyButtonFinish, in.OriginUserID) {
		return r.Finish(ctx, in.OriginUserID)
	}
	if r.cfg.DiagnosticTrigger != "" && body == r.cfg.DiagnosticTrigger {
		return r.diagnostic(ctx, in, fromStaff)
	}
	if fromStaff {
		return r.routeStaff(ctx, in, body)
	}
	return r.routeRequester(ctx, in, body)
}

func (r *Router) rejectContent(ctx context.Context, in Inbound, fromStaff bool) (Outcome, error) {
	slog.Debug("Rejected non-text message", slog.String("chat_id", in.OriginChatID), slog.Any("err", ErrUnsupportedContent))
	if !fromStaff {
		r.notify(ctx, in.OriginUserID, i18n.KeyUnsupportedContent, infra.SendOptions{})
		return OutcomeUnsupported, nil
	}
	if _, err := r.deps.Tickets.GetTicketByThread(ctx, in.ThreadID); err != nil {
		if errors.Is(err, infra.ErrNotFound) {
			return OutcomeDropped, nil
		}
		return "", err
	}
	r.notify(ctx, r.cfg.StaffGroupID, i18n.KeyUnsupportedContent, infra.SendOptions{ThreadID: in.ThreadID})
	return OutcomeUnsupported, nil
}

func (r *Router) diagnostic(ctx context.Context, in Inbound, fromStaff bool) (Outcome, error) {
	opts := infra.SendOptions{}
	if fromStaff {
		opts.ThreadID = in.ThreadID
	}
	text := fmt.Sprintf("chat_id: %s\nuser_id: %s", in.OriginChatID, in.OriginUserID)
	if err := r.deps.Messenger.SendText(ctx, in.OriginChatID, text, opts); err != nil {
		slog.Warn("Failed to send diagnostic reply", slog.Any("err", err))
	}
	return OutcomeDiagnostic, nil
}

func (r *Router) routeRequester(ctx context.Context, in Inbound, body string) (Outcome, error) {
	requesterID := in.OriginUserID
	unlock := r.locks.Lock(requesterID)
	defer unlock()

	ticket, err := r.deps.Tickets.GetTicketByRequester(ctx, requesterID)
	if errors.Is(err, infra.ErrNotFound) {
		r.notify(ctx, requesterID, i18n.KeyNoActiveTicket, infra.SendOptions{})
		return OutcomeNoTicket, nil
	}
	if err != nil {
		return "", err
	}

	expired, err := r.expireIfIdleLocked(ctx, ticket, in.Timestamp)
	if err != nil {
		return "", err
	}
	if expired {
		return OutcomeExpired, nil
	}

	outcome := OutcomeForwarded
	threadID, err := r.openThreadLocked(ctx, ticket)
	var remote *RemotePlatformError
	switch {
	case errors.As(err, &remote):
		outcome = OutcomeForwardFail
	case err != nil:
		return "", err
	default:
		if err := r.deps.Messenger.SendText(ctx, r.cfg.StaffGroupID, body, infra.SendOptions{ThreadID: threadID}); err != nil {
			outcome = OutcomeForwardFail
			r.deps.Reporter.Report(ctx, fmt.Sprintf("failed to forward message to %s", ticket.Title()), err)
		}
	}
	if outcome == OutcomeForwardFail {
		r.notify(ctx, requesterID, i18n.KeyDeliveryFailed, infra.SendOptions{})
	}

	r.journal.Append(ctx, requesterID, threadID, body, "")
	r.touchLocked(ctx, requesterID, in.Timestamp)
	return outcome, nil
}

func (r *Router) routeStaff(ctx context.Context, in Inbound, body string) (Outcome, error) {
	if in.ThreadID == "" {
		return OutcomeDropped, nil
	}
	ticket, err := r.deps.Tickets.GetTicketByThread(ctx, in.ThreadID)
	if errors.Is(err, infra.ErrNotFound) {
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", err
	}

	switch {
	case r.cfg.StaffCloseTrigger != "" && body == r.cfg.StaffCloseTrigger:
		return r.CloseTopic(ctx, in.ThreadID)
	case r.cfg.SummaryTrigger != "" && body == r.cfg.SummaryTrigger:
		return r.summarize(ctx, ticket)
	}

	requesterID := ticket.RequesterID
	unlock := r.locks.Lock(requesterID)
	defer unlock()

	ticket, ok, err := r.verifyLocked(ctx, requesterID, in.ThreadID)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeDropped, nil
	}
	expired, err := r.expireIfIdleLocked(ctx, ticket, in.Timestamp)
	if err != nil {
		return "", err
	}
	if expired {
		return OutcomeExpired, nil
	}

	outcome := OutcomeForwarded
	label := r.deps.Texts.Text(ctx, i18n.KeyButtonFinish, requesterID)
	if err := r.deps.Messenger.SendText(ctx, requesterID, body, infra.SendOptions{FinishLabel: label}); err != nil {
		outcome = OutcomeForwardFail
		r.deps.Reporter.Report(ctx, fmt.Sprintf("failed to forward reply of %s", ticket.Title()), err)
		r.notify(ctx, r.cfg.StaffGroupID, i18n.KeyDeliveryFailed, infra.SendOptions{ThreadID: in.ThreadID})
	}

	r.journal.Append(ctx, requesterID, in.ThreadID, body, in.OriginUserID)
	r.touchLocked(ctx, requesterID, in.Timestamp)
	return outcome, nil
}

func (r *Router) summarize(ctx context.Context, ticket *model.Ticket) (Outcome, error) {
	opts := infra.SendOptions{ThreadID: ticket.ThreadID}
	if r.deps.Summarizer == nil || r.deps.Logs == nil {
		r.notify(ctx, r.cfg.StaffGroupID, i18n.KeySummaryUnavailable, opts)
		return OutcomeSummarized, nil
	}

	entry, err := r.deps.Logs.GetLog(ctx, ticket.RequesterID, ticket.ThreadID)
	if errors.Is(err, infra.ErrNotFound) {
		entry = &model.ConversationLog{RequesterID: ticket.RequesterID, ThreadID: ticket.ThreadID}
	} else if err != nil {
		return "", err
	}

	summary, err := r.deps.Summarizer.Summarize(ctx, ticket.Title(), entry)
	if err != nil {
		r.deps.Reporter.Report(ctx, fmt.Sprintf("failed to summarize %s", ticket.Title()), err)
		r.notify(ctx, r.cfg.StaffGroupID, i18n.KeySummaryFailed, opts)
		return OutcomeSummarized, nil
	}
	if err := r.deps.Messenger.SendText(ctx, r.cfg.StaffGroupID, summary, opts); err != nil {
		slog.Warn("Failed to post summary", slog.Uint64("ticket_id", uint64(ticket.ID)), slog.Any("err", err))
	}
	return OutcomeSummarized, nil
}

// Help handles the help command and answers the requester in their language.
func (r *Router) Help(ctx context.Context, requesterID, text string, at time.Time) (Outcome, error) {
	_, err := r.RequestHelp(ctx, requesterID, text, at)
	var remote *RemotePlatformError
	switch {
	case errors.Is(err, ErrEmptyRequest):
		r.notify(ctx, requesterID, i18n.KeyErrorNoRequest, infra.SendOptions{})
		return OutcomeEmpty, nil
	case errors.Is(err, ErrDuplicateSession):
		r.notify(ctx, requesterID, i18n.KeyErrorHasOpenSession, infra.SendOptions{})
		return OutcomeDuplicate, nil
	case errors.As(err, &remote):
		r.notify(ctx, requesterID, i18n.KeyForumFailed, infra.SendOptions{})
		return OutcomeOpenFailed, nil
	case err != nil:
		return "", err
	}
	label := r.deps.Texts.Text(ctx, i18n.KeyButtonFinish, requesterID)
	r.notify(ctx, requesterID, i18n.KeyRequestSent, infra.SendOptions{FinishLabel: label})
	return OutcomeOpened, nil
}

// Close handles the close command. It stays silent without a ticket.
func (r *Router) Close(ctx context.Context, requesterID string) (Outcome, error) {
	closed, err := r.CloseSession(ctx, requesterID, i18n.KeySessionClosed)
	if err != nil {
		return "", err
	}
	if !closed {
		return OutcomeNoTicket, nil
	}
	return OutcomeClosed, nil
}

// Finish handles the finish button and its text trigger.
func (r *Router) Finish(ctx context.Context, requesterID string) (Outcome, error) {
	closed, err := r.CloseSession(ctx, requesterID, i18n.KeyDialogEnded)
	if err != nil {
		return "", err
	}
	if !closed {
		r.notify(ctx, requesterID, i18n.KeyDialogInactive, infra.SendOptions{})
		return OutcomeNoTicket, nil
	}
	return OutcomeClosed, nil
}

// CloseTopic handles a staff close for threadID.
func (r *Router) CloseTopic(ctx context.Context, threadID string) (Outcome, error) {
	closed, err := r.CloseByThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	if !closed {
		return OutcomeDropped, nil
	}
	return OutcomeClosed, nil
}
