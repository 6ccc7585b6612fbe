package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic implements Client over the official SDK. The Anthropic
// messages API wants system prompts in a dedicated parameter and a
// strict user/assistant alternation, so Invoke normalizes the
// conversation before sending.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
}

func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (a *Anthropic) Invoke(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, fmt.Errorf("%w: empty message list", ErrModelRequest)
	}

	system, conversation := normalize(req.Messages)
	if len(conversation) == 0 {
		return Response{}, fmt.Errorf("%w: no non-system messages", ErrModelRequest)
	}

	messages := make([]anthropic.MessageParam, 0, len(conversation))
	for _, m := range conversation {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return Response{}, fmt.Errorf("%w: empty response", ErrModelUnavailable)
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return Response{
		Content:    text.String(),
		StopReason: string(resp.StopReason),
	}, nil
}

// normalize extracts system messages into a single system prompt and
// merges consecutive same-role messages so the conversation strictly
// alternates, starting and ending with a user turn.
func normalize(messages []Message) (string, []Message) {
	var systemParts []string
	var merged []Message

	for _, m := range messages {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		role := RoleUser
		if m.Role == RoleAssistant {
			role = RoleAssistant
		}
		if n := len(merged); n > 0 && merged[n-1].Role == role {
			merged[n-1].Content += "\n\n" + m.Content
			continue
		}
		merged = append(merged, Message{Role: role, Content: m.Content})
	}

	if len(merged) > 0 && merged[0].Role == RoleAssistant {
		merged = append([]Message{{Role: RoleUser, Content: "(continue)"}}, merged...)
	}
	if n := len(merged); n > 0 && merged[n-1].Role == RoleAssistant {
		merged = append(merged, Message{Role: RoleUser, Content: "(continue)"})
	}

	return strings.Join(systemParts, "\n\n"), merged
}

func classifyError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 408 || apierr.StatusCode == 429 || apierr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		case apierr.StatusCode >= 400:
			return fmt.Errorf("%w: %v", ErrModelRequest, err)
		}
	}
	// Transport-level failures (no HTTP status) are treated as
	// transient.
	return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
}
