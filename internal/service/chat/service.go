package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

var (
	ErrSenderRequired = errors.New("sender id is required")
	ErrNoTranscript   = errors.New("transcript not found")
)

const defaultHistoryLimit = 200

// Service keeps the per-visitor transcript rendered by the embed page.
type Service struct {
	mu          sync.RWMutex
	transcripts map[string][]chat.Entry
	limit       int
}

// NewService bootstraps the in-memory transcript store.
func NewService() *Service {
	return &Service{
		transcripts: make(map[string][]chat.Entry),
		limit:       defaultHistoryLimit,
	}
}

// RecordUser appends the visitor's utterance.
func (s *Service) RecordUser(ctx context.Context, senderID, text string) (chat.Entry, error) {
	return s.append(ctx, chat.Entry{
		SenderID: senderID,
		Role:     chat.RoleUser,
		Message:  chat.Message{Text: text},
	})
}

// RecordReplies appends the backend's reply segments in order.
func (s *Service) RecordReplies(ctx context.Context, senderID string, replies []chat.Message) error {
	for _, reply := range replies {
		if reply.Empty() {
			continue
		}
		if _, err := s.append(ctx, chat.Entry{SenderID: senderID, Role: chat.RoleBot, Message: reply}); err != nil {
			return err
		}
	}
	return nil
}

// MarkFailed flags a user entry whose send did not succeed.
func (s *Service) MarkFailed(_ context.Context, senderID, entryID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.transcripts[senderID]
	for i := range entries {
		if entries[i].ID == entryID {
			entries[i].Failed = true
			entries[i].Error = reason
			return
		}
	}
}

func (s *Service) append(_ context.Context, entry chat.Entry) (chat.Entry, error) {
	if entry.SenderID == "" {
		return chat.Entry{}, ErrSenderRequired
	}

	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.transcripts[entry.SenderID], entry)
	if len(entries) > s.limit {
		entries = entries[len(entries)-s.limit:]
	}
	s.transcripts[entry.SenderID] = entries
	return entry, nil
}

// LoadTranscript returns stored entries for the provided sender.
func (s *Service) LoadTranscript(_ context.Context, senderID string) ([]chat.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.transcripts[senderID]
	if !ok {
		return nil, ErrNoTranscript
	}

	copied := make([]chat.Entry, len(entries))
	copy(copied, entries)
	return copied, nil
}
