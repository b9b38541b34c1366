package infra

//go:generate mockgen -source=slack.go -destination=mock_slack.go -package=infra

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"
)

const (
	FinishActionID  = "finish_action"
	closedReaction  = "white_check_mark"
	maxReportLength = 2500

	// section block のテキストは 3000 文字まで
	maxSectionLength = 3000
)

type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	PostEphemeralContext(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

type SendOptions struct {
	// ThreadID があればスレッドに返信する
	ThreadID string
	// FinishLabel があれば終了ボタンを付ける
	FinishLabel string
}

// SlackMessenger posts to channels, DMs and staff threads.
type SlackMessenger struct {
	client SlackAPI
}

func NewSlackMessenger(client SlackAPI) *SlackMessenger {
	return &SlackMessenger{client: client}
}

// SendText posts text to chatID. A user ID as chatID lands in the app DM.
// Text is escaped so relayed bodies cannot trigger mentions.
func (m *SlackMessenger) SendText(ctx context.Context, chatID, text string, opts SendOptions) error {
	options := []slack.MsgOption{slack.MsgOptionText(text, true)}
	if opts.ThreadID != "" {
		options = append(options, slack.MsgOptionTS(opts.ThreadID))
	}
	if opts.FinishLabel != "" {
		options = append(options, slack.MsgOptionBlocks(finishBlocks(text, opts.FinishLabel)...))
	}
	if _, _, err := m.client.PostMessageContext(ctx, chatID, options...); err != nil {
		return fmt.Errorf("PostMessage failed: %w", err)
	}
	return nil
}

// finishBlocks renders text as section blocks of at most maxSectionLength
// characters followed by the finish button. Empty text gets the button only.
func finishBlocks(text, label string) []slack.Block {
	var blocks []slack.Block
	for _, chunk := range splitText(text, maxSectionLength) {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("plain_text", chunk, false, false),
			nil, nil,
		))
	}
	return append(blocks, slack.NewActionBlock(
		"finish_block",
		slack.NewButtonBlockElement(
			FinishActionID,
			FinishActionID,
			slack.NewTextBlockObject("plain_text", label, false, false),
		).WithStyle(slack.StyleDanger),
	))
}

// splitText cuts s into pieces of at most limit runes.
func splitText(s string, limit int) []string {
	var out []string
	for s != "" {
		cut, n := 0, 0
		for cut < len(s) && n < limit {
			_, size := utf8.DecodeRuneInString(s[cut:])
			cut += size
			n++
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return out
}

// CreateThread posts the thread root into groupID and returns its ts.
func (m *SlackMessenger) CreateThread(ctx context.Context, groupID, title string) (string, error) {
	_, ts, err := m.client.PostMessageContext(ctx, groupID,
		slack.MsgOptionBlocks(
			slack.NewHeaderBlock(
				slack.NewTextBlockObject("plain_text", "📩 "+title, false, false),
			),
		),
		slack.MsgOptionText(title, false),
	)
	if err != nil {
		return "", fmt.Errorf("PostMessage failed: %w", err)
	}
	if ts == "" {
		return "", fmt.Errorf("PostMessage returned no timestamp")
	}
	return ts, nil
}

// CloseThread marks the thread root as done. Slack threads cannot be locked.
func (m *SlackMessenger) CloseThread(ctx context.Context, groupID, threadID string) error {
	err := m.client.AddReactionContext(ctx, closedReaction, slack.NewRefToMessage(groupID, threadID))
	if err != nil && !strings.Contains(err.Error(), "already_reacted") {
		return fmt.Errorf("AddReaction failed: %w", err)
	}
	return nil
}

// SlackReporter sends unexpected failures to the operator channel.
type SlackReporter struct {
	client    SlackAPI
	channelID string
}

func NewSlackReporter(client SlackAPI, channelID string) *SlackReporter {
	return &SlackReporter{client: client, channelID: channelID}
}

func (r *SlackReporter) Report(ctx context.Context, summary string, err error) {
	slog.Error(summary, slog.Any("err", err))
	if r.channelID == "" {
		return
	}
	detail := "(no error)"
	if err != nil {
		detail = err.Error()
	}
	detail = truncate(detail, maxReportLength)
	text := fmt.Sprintf(":rotating_light: *%s*\n```%s```", EscapeMrkdwn(summary), EscapeMrkdwn(detail))
	if _, _, perr := r.client.PostMessageContext(ctx, r.channelID, slack.MsgOptionText(text, false)); perr != nil {
		slog.Error("Failed to post report", slog.Any("err", perr))
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

var mrkdwnReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "```", "'''")

// EscapeMrkdwn neutralises control sequences and code fences in mrkdwn text.
func EscapeMrkdwn(s string) string {
	return mrkdwnReplacer.Replace(s)
}
