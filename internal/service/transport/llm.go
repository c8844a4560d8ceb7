package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

// LLMTransport answers locally through a Replier when no conversational
// backend is configured.
type LLMTransport struct {
	replier Replier
	sender  SenderSource
}

// NewLLMTransport wraps replier.
func NewLLMTransport(replier Replier, sender SenderSource) *LLMTransport {
	return &LLMTransport{replier: replier, sender: sender}
}

// Send implements Transport.
func (t *LLMTransport) Send(ctx context.Context, req chat.SendRequest) ([]chat.Message, error) {
	if err := validateText(req.Text); err != nil {
		return nil, err
	}
	sender, err := resolveSender(ctx, req, t.sender)
	if err != nil {
		return nil, err
	}

	text, err := t.replier.Reply(ctx, sender, req.Text)
	if err != nil {
		return nil, fmt.Errorf("llm reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return []chat.Message{}, nil
	}
	return []chat.Message{{Text: text}}, nil
}

// Health reports whether a replier is wired.
func (t *LLMTransport) Health(context.Context) error {
	if t.replier == nil {
		return errors.New("llm replier not configured")
	}
	return nil
}
