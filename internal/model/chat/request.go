package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnexpectedReplies is returned when a backend answers with JSON that is
// neither a segment array nor a {"replies": [...]} object.
var ErrUnexpectedReplies = errors.New("unexpected replies payload")

// SendRequest is a single user utterance headed for the conversational backend.
type SendRequest struct {
	Text     string         `json:"text"`
	Sender   string         `json:"sender"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Token    string         `json:"-"`
}

// WireBody is the JSON body posted to the backend. Both text and message are
// sent so either backend contract accepts it.
type WireBody struct {
	Sender   string         `json:"sender"`
	Message  string         `json:"message"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewWireBody builds the backend body for req.
func NewWireBody(req SendRequest) WireBody {
	return WireBody{
		Sender:   req.Sender,
		Message:  req.Text,
		Text:     req.Text,
		Metadata: req.Metadata,
	}
}

// ParseReplies normalises a backend response into an ordered slice of
// segments. It accepts a bare array or an object with a replies key.
func ParseReplies(body []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Message{}, nil
	}

	switch trimmed[0] {
	case '[':
		var segments []Message
		if err := json.Unmarshal(trimmed, &segments); err != nil {
			return nil, fmt.Errorf("decode reply array: %w", err)
		}
		return segments, nil
	case '{':
		var wrapped struct {
			Replies *[]Message `json:"replies"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode reply object: %w", err)
		}
		if wrapped.Replies == nil {
			return nil, ErrUnexpectedReplies
		}
		return *wrapped.Replies, nil
	default:
		return nil, ErrUnexpectedReplies
	}
}
