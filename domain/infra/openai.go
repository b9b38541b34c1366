package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/pyama86/slaffic-relay/domain/model"
)

type OpenAIConfig struct {
	APIKey          string
	Model           string
	AzureEndpoint   string
	AzureKey        string
	AzureAPIVersion string
}

type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI returns nil when no key is configured.
func NewOpenAI(c OpenAIConfig) (*OpenAI, error) {
	if c.APIKey == "" && c.AzureKey == "" {
		return nil, nil
	}
	client, err := newOpenAIClient(c)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
	}
	m := c.Model
	if m == "" {
		m = "gpt-4o-mini"
	}
	return &OpenAI{
		client: client,
		model:  m,
	}, nil
}

func newOpenAIClient(c OpenAIConfig) (*openai.Client, error) {
	if c.AzureEndpoint != "" {
		return newAzureClient(c)
	}

	if c.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	options := []option.RequestOption{
		option.WithAPIKey(c.APIKey),
	}

	client := openai.NewClient(options...)
	return &client, nil
}

func newAzureClient(c OpenAIConfig) (*openai.Client, error) {
	if c.AzureKey == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_KEY is not set")
	}

	apiVersion := "2025-01-01-preview"
	if c.AzureAPIVersion != "" {
		apiVersion = c.AzureAPIVersion
	}

	client := openai.NewClient(
		azure.WithEndpoint(c.AzureEndpoint, apiVersion),
		azure.WithAPIKey(c.AzureKey),
	)
	return &client, nil
}

func summaryPrompt(title string, entry *model.ConversationLog) string {
	var b strings.Builder
	for i, m := range entry.Messages {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m)
	}
	return fmt.Sprintf(`## Request
The content below is the message history of one anonymous support ticket.
Staff will read your answer inside the ticket thread to catch up quickly.

## Answer format
*Problem*
> {what the requester needs, in one or two sentences}

*Progress*
> {what has been tried or answered so far}

*Open points*
> {what is still unanswered, or "none"}

## Ticket
%s (%d supporters took part)

## Messages
%s
`, title, len(entry.SupporterIDs), b.String())
}

func (h *OpenAI) Summarize(ctx context.Context, title string, entry *model.ConversationLog) (string, error) {
	response, err := h.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(summaryPrompt(title, entry)),
		},
		Model: h.model,
	})

	if err != nil {
		return "", fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", errors.New("OpenAI API returned no choices")
	}

	return response.Choices[0].Message.Content, nil
}
