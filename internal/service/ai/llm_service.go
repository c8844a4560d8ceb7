package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

const historyLimit = 10

// History supplies earlier turns for a sender.
type History interface {
	LoadTranscript(ctx context.Context, senderID string) ([]chat.Entry, error)
}

// Service answers utterances with an eino chain over the configured chat
// model. It is the fallback when no conversational backend is reachable.
type Service struct {
	history History
	cfg     config.AIConfig
	chain   compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, history History, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, history, cfg)
}

// NewServiceWithModel builds the chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, history History, cfg config.AIConfig) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		history: history,
		cfg:     cfg,
		chain:   runnable,
	}, nil
}

// Reply implements transport.Replier.
func (s *Service) Reply(ctx context.Context, senderID, text string) (string, error) {
	input := map[string]any{
		"system":  s.systemPrompt(),
		"history": s.historyMessages(ctx, senderID, text),
		"query":   text,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated response for sender=%s, length=%d", senderID, len(response.Content))
	return response.Content, nil
}

func (s *Service) systemPrompt() string {
	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(s.cfg.Persona))
	builder.WriteString("\n\nResponde de forma breve y clara. Si compartes enlaces, escribe la URL completa con http:// o https://.")
	return builder.String()
}

// historyMessages 返回最近的对话轮次，不含当前这条用户消息。
func (s *Service) historyMessages(ctx context.Context, senderID, current string) []*schema.Message {
	if s.history == nil {
		return nil
	}

	entries, err := s.history.LoadTranscript(ctx, senderID)
	if err != nil {
		return nil
	}

	// 调用方通常已经记录了当前消息，去掉它避免重复。
	if n := len(entries); n > 0 && entries[n-1].Role == chat.RoleUser && entries[n-1].Message.Text == current {
		entries = entries[:n-1]
	}

	if len(entries) > historyLimit {
		entries = entries[len(entries)-historyLimit:]
	}

	history := make([]*schema.Message, 0, len(entries))
	for _, entry := range entries {
		if entry.Failed || strings.TrimSpace(entry.Message.Text) == "" {
			continue
		}
		switch entry.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(entry.Message.Text))
		case chat.RoleBot:
			history = append(history, schema.AssistantMessage(entry.Message.Text, nil))
		}
	}
	return history
}
