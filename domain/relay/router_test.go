package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pyama86/slaffic-relay/domain/i18n"
	"github.com/pyama86/slaffic-relay/domain/infra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Help(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.router.Help(ctx, requesterA, "my cat is stuck", baseTime)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, out)

	replies := f.msg.to(requesterA)
	require.Len(t, replies, 1)
	assert.Equal(t, f.text(i18n.KeyRequestSent, requesterA), replies[0].Text)
	assert.Equal(t, f.text(i18n.KeyButtonFinish, requesterA), replies[0].Opts.FinishLabel)

	out, err = f.router.Help(ctx, requesterA, "again", baseTime)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
	assert.Equal(t, f.text(i18n.KeyErrorHasOpenSession, requesterA), f.msg.texts(requesterA)[1])

	out, err = f.router.Help(ctx, requesterB, "", baseTime)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, out)
	assert.Equal(t, []string{f.text(i18n.KeyErrorNoRequest, requesterB)}, f.msg.texts(requesterB))
}

func TestRouter_HelpWhenThreadCreationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.msg.createErr = errors.New("channel_not_found")

	out, err := f.router.Help(ctx, requesterA, "my cat is stuck", baseTime)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpenFailed, out)

	// the ticket is kept without a thread
	ticket := f.ticket(t, requesterA)
	assert.False(t, ticket.HasThread())
	assert.Equal(t, []string{f.text(i18n.KeyForumFailed, requesterA)}, f.msg.texts(requesterA))
	assert.Equal(t, 1, f.reporter.count())

	staff := f.msg.texts(staffChannel)
	require.Len(t, staff, 1)
	assert.Contains(t, staff[0], ticket.Title())
	assert.Contains(t, staff[0], "my cat is stuck")

	entry, err := f.db.GetLog(ctx, requesterA, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"my cat is stuck"}, []string(entry.Messages))

	// the next message retries the thread
	f.msg.createErr = nil
	out, err = f.router.Route(ctx, fromRequester(requesterA, "still stuck", baseTime.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeForwarded, out)
	ticket = f.ticket(t, requesterA)
	assert.True(t, ticket.HasThread())
	last := f.msg.to(staffChannel)
	assert.Equal(t, ticket.ThreadID, last[len(last)-1].Opts.ThreadID)
}

func TestRouter_RequesterMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "my cat is stuck")

	at := baseTime.Add(10 * time.Minute)
	out, err := f.router.Route(ctx, fromRequester(requesterA, "thanks", at))
	require.NoError(t, err)
	assert.Equal(t, OutcomeForwarded, out)

	staff := f.msg.to(staffChannel)
	require.Len(t, staff, 2)
	assert.Equal(t, "thanks", staff[1].Text)
	assert.Equal(t, ticket.ThreadID, staff[1].Opts.ThreadID)

	entry, err := f.db.GetLog(ctx, requesterA, ticket.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []string{"my cat is stuck", "thanks"}, []string(entry.Messages))
	assert.True(t, f.ticket(t, requesterA).LastActivityAt.Equal(at))
}

func TestRouter_RequesterWithoutTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.router.Route(ctx, fromRequester(requesterB, "hello?", baseTime))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTicket, out)

	assert.Empty(t, f.msg.to(staffChannel))
	assert.Equal(t, []string{f.text(i18n.KeyNoActiveTicket, requesterB)}, f.msg.texts(requesterB))
	_, err = f.db.GetLog(ctx, requesterB, "")
	assert.ErrorIs(t, err, infra.ErrNotFound)
}

func TestRouter_StaffReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "my cat is stuck")

	at := baseTime.Add(time.Hour)
	out, err := f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "you're welcome", at))
	require.NoError(t, err)
	assert.Equal(t, OutcomeForwarded, out)

	replies := f.msg.to(requesterA)
	last := replies[len(replies)-1]
	assert.Equal(t, "you're welcome", last.Text)
	assert.Equal(t, f.text(i18n.KeyButtonFinish, requesterA), last.Opts.FinishLabel)

	entry, err := f.db.GetLog(ctx, requesterA, ticket.ThreadID)
	require.NoError(t, err)
	assert.True(t, entry.SupporterIDs.Contains(supporterS))
	assert.Len(t, entry.Messages, 2)
	assert.True(t, f.ticket(t, requesterA).LastActivityAt.Equal(at))

	// a second reply does not duplicate the supporter
	_, err = f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "anything else?", at))
	require.NoError(t, err)
	entry, err = f.db.GetLog(ctx, requesterA, ticket.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []string{supporterS}, []string(entry.SupporterIDs))
}

func TestRouter_StaffMessagesDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, requesterA, "help")
	before := len(f.msg.sent)

	tests := []struct {
		name string
		in   Inbound
	}{
		{name: "unknown thread", in: fromStaff(supporterS, "1234.567890", "hello", baseTime)},
		{name: "channel root", in: fromStaff(supporterS, "", "hello", baseTime)},
		{name: "close unknown thread", in: fromStaff(supporterS, "1234.567890", "!close", baseTime)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := f.router.Route(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, OutcomeDropped, out)
		})
	}
	assert.Len(t, f.msg.sent, before)
}

func TestRouter_FinishTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "help")

	finish := f.text(i18n.KeyButtonFinish, requesterA)
	out, err := f.router.Route(ctx, fromRequester(requesterA, finish, baseTime.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)

	assert.Equal(t, []string{ticket.ThreadID}, f.msg.closed)
	_, err = f.db.GetTicketByRequester(ctx, requesterA)
	assert.ErrorIs(t, err, infra.ErrNotFound)
	assert.Contains(t, f.msg.texts(requesterA), f.text(i18n.KeyDialogEnded, requesterA))

	out, err = f.router.Route(ctx, fromRequester(requesterA, finish, baseTime.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTicket, out)
	assert.Contains(t, f.msg.texts(requesterA), f.text(i18n.KeyDialogInactive, requesterA))
}

func TestRouter_FinishTriggerFollowsLanguage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, requesterA, "help")

	_, ok, err := f.texts.SetLanguage(ctx, requesterA, "Русский")
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.router.Route(ctx, fromRequester(requesterA, "Завершить", baseTime))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
}

func TestRouter_IdleExpiry(t *testing.T) {
	tests := []struct {
		name    string
		after   time.Duration
		want    Outcome
		remains bool
	}{
		{name: "inside the window", after: 3*time.Hour - time.Second, want: OutcomeForwarded, remains: true},
		{name: "past the window", after: 3*time.Hour + time.Second, want: OutcomeExpired, remains: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			ticket := f.open(t, requesterA, "help")

			out, err := f.router.Route(ctx, fromRequester(requesterA, "ping", baseTime.Add(tt.after)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)

			_, err = f.db.GetTicketByRequester(ctx, requesterA)
			if tt.remains {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, infra.ErrNotFound)
			assert.Contains(t, f.msg.texts(requesterA), f.text(i18n.KeyInactivityClosed, requesterA))
			assert.Contains(t, f.msg.closed, ticket.ThreadID)
			// the expiring message itself is not forwarded
			assert.NotContains(t, f.msg.texts(staffChannel), "ping")
		})
	}
}

func TestRouter_StaffActivityKeepsTicketAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "help")

	_, err := f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "looking into it", baseTime.Add(2*time.Hour)))
	require.NoError(t, err)

	out, err := f.router.Route(ctx, fromRequester(requesterA, "ok", baseTime.Add(4*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeForwarded, out)
}

func TestRouter_StaffMessageExpiresIdleTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "help")

	out, err := f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "still there?", baseTime.Add(5*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, out)
	assert.NotContains(t, f.msg.texts(requesterA), "still there?")
}

func TestRouter_ForwardFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "help")
	f.msg.setSendErr(staffChannel, errors.New("ratelimited"))

	at := baseTime.Add(time.Minute)
	out, err := f.router.Route(ctx, fromRequester(requesterA, "are you there", at))
	require.NoError(t, err)
	assert.Equal(t, OutcomeForwardFail, out)

	assert.Contains(t, f.msg.texts(requesterA), f.text(i18n.KeyDeliveryFailed, requesterA))
	assert.Equal(t, 1, f.reporter.count())

	// bookkeeping still ran
	entry, err := f.db.GetLog(ctx, requesterA, ticket.ThreadID)
	require.NoError(t, err)
	assert.Contains(t, []string(entry.Messages), "are you there")
	assert.True(t, f.ticket(t, requesterA).LastActivityAt.Equal(at))
}

func TestRouter_StaffForwardFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "help")
	f.msg.setSendErr(requesterA, errors.New("user_not_found"))

	out, err := f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "hi", baseTime))
	require.NoError(t, err)
	assert.Equal(t, OutcomeForwardFail, out)

	last := f.msg.to(staffChannel)
	assert.Equal(t, f.text(i18n.KeyDeliveryFailed, staffChannel), last[len(last)-1].Text)
	assert.Equal(t, ticket.ThreadID, last[len(last)-1].Opts.ThreadID)
}

func TestRouter_StaffCloseTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "help")

	out, err := f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "!close", baseTime))
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
	assert.Contains(t, f.msg.texts(requesterA), f.text(i18n.KeySessionClosed, requesterA))
	assert.NotContains(t, f.msg.texts(requesterA), "!close")

	out, err = f.router.CloseTopic(ctx, ticket.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, out)
}

func TestRouter_Close(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.router.Close(ctx, requesterA)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTicket, out)
	assert.Empty(t, f.msg.to(requesterA))

	f.open(t, requesterA, "help")
	out, err = f.router.Close(ctx, requesterA)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, out)
	assert.Contains(t, f.msg.texts(requesterA), f.text(i18n.KeySessionClosed, requesterA))
}

func TestRouter_UnsupportedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.open(t, requesterA, "help")

	photo := fromRequester(requesterA, "", baseTime)
	photo.ContentKind = ContentPhoto
	out, err := f.router.Route(ctx, photo)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnsupported, out)
	assert.Contains(t, f.msg.texts(requesterA), f.text(i18n.KeyUnsupportedContent, requesterA))

	doc := fromStaff(supporterS, ticket.ThreadID, "manual.pdf", baseTime)
	doc.ContentKind = ContentDocument
	out, err = f.router.Route(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnsupported, out)

	entry, err := f.db.GetLog(ctx, requesterA, ticket.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, []string{"help"}, []string(entry.Messages))
}

func TestRouter_Diagnostic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := fromRequester(requesterB, "check_chat_id", baseTime)
	out, err := f.router.Route(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiagnostic, out)

	replies := f.msg.texts(in.OriginChatID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], in.OriginChatID)
	assert.Contains(t, replies[0], requesterB)
}

func TestRouter_LoggingDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps) { c.EnableLogging = false })
	ctx := context.Background()
	ticket := f.open(t, requesterA, "help")

	out, err := f.router.Route(ctx, fromRequester(requesterA, "thanks", baseTime))
	require.NoError(t, err)
	assert.Equal(t, OutcomeForwarded, out)

	_, err = f.db.GetLog(ctx, requesterA, ticket.ThreadID)
	assert.ErrorIs(t, err, infra.ErrNotFound)
}

func TestRouter_Summary(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		ticket := f.open(t, requesterA, "help")

		out, err := f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "!summary", baseTime))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSummarized, out)
		assert.Contains(t, f.msg.texts(staffChannel), f.text(i18n.KeySummaryUnavailable, staffChannel))
	})

	t.Run("configured", func(t *testing.T) {
		s := &fakeSummarizer{}
		f := newFixture(t, func(_ *Config, d *Deps) { d.Summarizer = s })
		ctx := context.Background()
		ticket := f.open(t, requesterA, "help")

		out, err := f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "!summary", baseTime))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSummarized, out)
		require.NotNil(t, s.entry)
		assert.Equal(t, []string{"help"}, []string(s.entry.Messages))

		last := f.msg.to(staffChannel)
		assert.Equal(t, "summary of Ticket #1: 1 messages", last[len(last)-1].Text)
		assert.Equal(t, ticket.ThreadID, last[len(last)-1].Opts.ThreadID)
		assert.NotContains(t, f.msg.texts(requesterA), "!summary")
	})

	t.Run("failing", func(t *testing.T) {
		s := &fakeSummarizer{err: errors.New("quota")}
		f := newFixture(t, func(_ *Config, d *Deps) { d.Summarizer = s })
		ctx := context.Background()
		ticket := f.open(t, requesterA, "help")

		out, err := f.router.Route(ctx, fromStaff(supporterS, ticket.ThreadID, "!summary", baseTime))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSummarized, out)
		assert.Contains(t, f.msg.texts(staffChannel), f.text(i18n.KeySummaryFailed, staffChannel))
		assert.Equal(t, 1, f.reporter.count())
	})
}
