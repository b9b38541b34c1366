package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pyama86/slaffic-relay/domain/i18n"
	"github.com/pyama86/slaffic-relay/domain/infra"
	"github.com/pyama86/slaffic-relay/domain/relay"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/sync/errgroup"
)

const (
	cmdHelp     = "/help"
	cmdClose    = "/close"
	cmdStart    = "/start"
	cmdLanguage = "/language"

	closeReaction = "white_check_mark"
)

// ignoredSubTypes はユーザーの発言ではないので転送しない
var ignoredSubTypes = map[string]bool{
	"bot_message":     true,
	"message_changed": true,
	"message_deleted": true,
	"message_replied": true,
	"channel_join":    true,
	"channel_leave":   true,
	"channel_topic":   true,
	"channel_purpose": true,
}

type Acker interface {
	Ack(req socketmode.Request, payload ...interface{})
}

type Handler struct {
	client         infra.SlackAPI
	router         *relay.Router
	texts          *i18n.Localizer
	reporter       relay.Reporter
	staffChannelID string
	workers        int
	botID          string
}

func NewHandler(client infra.SlackAPI, router *relay.Router, texts *i18n.Localizer, reporter relay.Reporter, staffChannelID string, workers int) *Handler {
	if workers < 1 {
		workers = 1
	}
	return &Handler{
		client:         client,
		router:         router,
		texts:          texts,
		reporter:       reporter,
		staffChannelID: staffChannelID,
		workers:        workers,
	}
}

func (h *Handler) getBotUserID(ctx context.Context) string {
	if h.botID == "" {
		authResp, err := h.client.AuthTestContext(ctx)
		if err != nil {
			slog.Error("Failed to get bot user ID", slog.Any("err", err))
			return ""
		}
		slog.Info("Bot user ID", slog.Any("id", authResp.UserID))
		h.botID = authResp.UserID
	}
	return h.botID
}

// Serve runs one Socket Mode connection until it drops or ctx ends.
func (h *Handler) Serve(ctx context.Context, socketMode *socketmode.Client) error {
	if h.getBotUserID(ctx) == "" {
		return fmt.Errorf("auth.test failed")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return socketMode.RunContext(ctx)
	})
	g.Go(func() error {
		h.Consume(ctx, socketMode.Events, socketMode)
		return nil
	})
	return g.Wait()
}

// Consume acks every envelope as soon as it is read and queues it on one of
// h.workers lanes. Events sharing an ordering key share a lane, so one
// requester's messages are relayed in the order they were sent. Queued events
// run to completion after events is closed or ctx ends.
func (h *Handler) Consume(ctx context.Context, events <-chan socketmode.Event, acker Acker) {
	// ルーティングは切断に巻き込まれないよう独立した context で最後まで走らせる
	jobCtx := context.WithoutCancel(ctx)

	var workers errgroup.Group
	lanes := make([]*lane[socketmode.Event], h.workers)
	for i := range lanes {
		l := newLane[socketmode.Event]()
		lanes[i] = l
		workers.Go(func() error {
			l.run(func(envelope socketmode.Event) {
				h.dispatch(jobCtx, envelope)
			})
			return nil
		})
	}
	defer func() {
		for _, l := range lanes {
			l.close()
		}
		_ = workers.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-events:
			if !ok {
				return
			}
			if envelope.Request != nil {
				acker.Ack(*envelope.Request)
			}
			lanes[laneIndex(orderingKey(envelope), len(lanes))].push(envelope)
		}
	}
}

// orderingKey groups events that must be handled in arrival order: a
// requester's DMs, commands and button presses, or one staff thread.
func orderingKey(envelope socketmode.Event) string {
	switch data := envelope.Data.(type) {
	case slackevents.EventsAPIEvent:
		switch ev := data.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			if ev.ChannelType == "im" {
				return ev.User
			}
			if ev.ThreadTimeStamp != "" {
				return ev.ThreadTimeStamp
			}
			return ev.Channel
		case *slackevents.ReactionAddedEvent:
			return ev.Item.Timestamp
		}
	case slack.SlashCommand:
		return data.UserID
	case slack.InteractionCallback:
		return data.User.ID
	}
	return ""
}

func (h *Handler) dispatch(ctx context.Context, envelope socketmode.Event) {
	switch envelope.Type {
	case socketmode.EventTypeEventsAPI:
		eventPayload, ok := envelope.Data.(slackevents.EventsAPIEvent)
		if !ok {
			slog.Error("Failed to cast to EventsAPIEvent")
			return
		}
		h.handleCallBack(ctx, &eventPayload)
	case socketmode.EventTypeSlashCommand:
		cmd, ok := envelope.Data.(slack.SlashCommand)
		if !ok {
			slog.Error("Failed to cast to SlashCommand")
			return
		}
		h.handleCommand(ctx, &cmd)
	case socketmode.EventTypeInteractive:
		callback, ok := envelope.Data.(slack.InteractionCallback)
		if !ok {
			slog.Error("Failed to cast to InteractionCallback")
			return
		}
		h.handleInteractions(ctx, &callback)
	case socketmode.EventTypeConnecting, socketmode.EventTypeConnected, socketmode.EventTypeHello:
		slog.Debug("Socket Mode", slog.Any("type", envelope.Type))
	default:
		slog.Debug("Skipped", slog.Any("type", envelope.Type))
	}
}

func (h *Handler) handleCallBack(ctx context.Context, event *slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		switch ev := event.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			in, ok := h.toInbound(ctx, ev)
			if !ok {
				return
			}
			h.observe(ctx, "message", func() (relay.Outcome, error) {
				return h.router.Route(ctx, in)
			})
		case *slackevents.ReactionAddedEvent:
			if ev.Reaction != closeReaction || ev.Item.Channel != h.staffChannelID || ev.User == h.getBotUserID(ctx) {
				return
			}
			h.observe(ctx, "reaction", func() (relay.Outcome, error) {
				return h.router.CloseTopic(ctx, ev.Item.Timestamp)
			})
		}
	default:
		slog.Warn("Unsupported EventsAPIEvent type", slog.Any("type", event.Type))
	}
}

// toInbound converts a message event. Messages outside DMs and the staff
// channel, bot posts and system messages are skipped.
func (h *Handler) toInbound(ctx context.Context, ev *slackevents.MessageEvent) (relay.Inbound, bool) {
	if ev.BotID != "" || ev.User == "" || ev.User == h.getBotUserID(ctx) || ignoredSubTypes[ev.SubType] {
		return relay.Inbound{}, false
	}
	in := relay.Inbound{
		OriginChatID: ev.Channel,
		OriginUserID: ev.User,
		ThreadID:     ev.ThreadTimeStamp,
		ContentKind:  contentKind(ev.SubType),
		Body:         unescapeText(ev.Text),
		Timestamp:    parseTimestamp(ev.TimeStamp),
	}
	switch {
	case ev.ChannelType == "im":
		in.ChatKind = relay.ChatPrivate
		in.ThreadID = ""
	case ev.Channel == h.staffChannelID:
		in.ChatKind = relay.ChatGroup
	default:
		return relay.Inbound{}, false
	}
	return in, true
}

func contentKind(subType string) relay.ContentKind {
	switch subType {
	case "", "thread_broadcast":
		return relay.ContentText
	case "file_share":
		return relay.ContentDocument
	default:
		return relay.ContentOther
	}
}

var slackUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

func unescapeText(s string) string {
	return slackUnescaper.Replace(s)
}

// parseTimestamp reads a Slack ts ("1714554000.000100"). Zero on failure.
func parseTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		usec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, usec*int64(time.Microsecond)).UTC()
}

func (h *Handler) handleCommand(ctx context.Context, cmd *slack.SlashCommand) {
	switch cmd.Command {
	case cmdHelp:
		h.observe(ctx, cmdHelp, func() (relay.Outcome, error) {
			return h.router.Help(ctx, cmd.UserID, cmd.Text, time.Time{})
		})
	case cmdClose:
		h.observe(ctx, cmdClose, func() (relay.Outcome, error) {
			return h.router.Close(ctx, cmd.UserID)
		})
	case cmdStart:
		h.ephemeral(ctx, cmd,
			h.texts.Text(ctx, i18n.KeyStartInstructions, cmd.UserID)+"\n"+h.texts.Text(ctx, i18n.KeyLangPrompt, cmd.UserID))
	case cmdLanguage:
		h.setLanguage(ctx, cmd)
	default:
		slog.Warn("Unsupported command", slog.String("command", cmd.Command))
	}
}

func (h *Handler) setLanguage(ctx context.Context, cmd *slack.SlashCommand) {
	if strings.TrimSpace(cmd.Text) == "" {
		h.ephemeral(ctx, cmd, h.texts.Text(ctx, i18n.KeyLangPrompt, cmd.UserID))
		return
	}
	lang, ok, err := h.texts.SetLanguage(ctx, cmd.UserID, cmd.Text)
	switch {
	case err != nil:
		h.reporter.Report(ctx, "failed to save language", err)
	case !ok:
		h.ephemeral(ctx, cmd, h.texts.Text(ctx, i18n.KeyLangUnknown, cmd.UserID))
	default:
		slog.Info("Language set", slog.String("lang", lang))
		h.ephemeral(ctx, cmd, h.texts.Text(ctx, i18n.KeyLangSet, cmd.UserID))
	}
}

func (h *Handler) ephemeral(ctx context.Context, cmd *slack.SlashCommand, text string) {
	if _, err := h.client.PostEphemeralContext(ctx, cmd.ChannelID, cmd.UserID, slack.MsgOptionText(text, false)); err != nil {
		slog.Error("PostEphemeral failed", slog.Any("err", err))
	}
}

func (h *Handler) handleInteractions(ctx context.Context, callback *slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	if len(callback.ActionCallback.BlockActions) < 1 {
		return
	}
	switch callback.ActionCallback.BlockActions[0].ActionID {
	case infra.FinishActionID:
		h.observe(ctx, "finish", func() (relay.Outcome, error) {
			return h.router.Finish(ctx, callback.User.ID)
		})
	}
}

// observe runs one routing call and sends unexpected failures to the reporter.
func (h *Handler) observe(ctx context.Context, source string, fn func() (relay.Outcome, error)) {
	start := time.Now()
	eventID := uuid.NewString()
	outcome, err := fn()
	if err != nil {
		h.reporter.Report(ctx, fmt.Sprintf("failed to handle %s (event %s)", source, eventID), err)
		return
	}
	slog.Info("Handled",
		slog.String("event_id", eventID),
		slog.String("source", source),
		slog.String("outcome", string(outcome)),
		slog.Duration("elapsed", time.Since(start)),
	)
}
