// Package transport delivers user utterances to the conversational backend
// over REST, WebSocket, Socket.IO or a local LLM fallback.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

var (
	// ErrEmptyText is returned before any network call when the utterance is blank.
	ErrEmptyText = errors.New("el mensaje no puede estar vacío")
	// ErrUnreachable marks network-level failures.
	ErrUnreachable = errors.New("servidor no responde")
	// ErrSenderRequired is returned when no sender can be resolved.
	ErrSenderRequired = errors.New("sender id is required")
)

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, body)
}

// Transport exchanges chat messages with the backend.
type Transport interface {
	Send(ctx context.Context, req chat.SendRequest) ([]chat.Message, error)
	Health(ctx context.Context) error
}

// TokenSource yields the current bearer token, if any.
type TokenSource interface {
	Token() (string, bool)
}

// SenderSource yields the sender id for requests that do not carry one.
type SenderSource interface {
	SenderID(ctx context.Context) (string, error)
}

// StaticSender is a fixed SenderSource.
type StaticSender string

// SenderID implements SenderSource.
func (s StaticSender) SenderID(context.Context) (string, error) {
	if s == "" {
		return "", ErrSenderRequired
	}
	return string(s), nil
}

// Replier generates replies locally; implemented by the ai service.
type Replier interface {
	Reply(ctx context.Context, senderID, text string) (string, error)
}

// Deps carries the collaborators a transport may need.
type Deps struct {
	HTTPClient *http.Client
	Sender     SenderSource
	Tokens     TokenSource
	Replier    Replier
	// PageURL is the origin the client runs under, used to pick ws or wss.
	PageURL string
}

// New picks a Transport for cfg.Mode.
func New(cfg config.TransportConfig, deps Deps) (Transport, error) {
	switch cfg.Mode {
	case config.ModeREST, "":
		return NewRESTClient(cfg, deps), nil
	case config.ModeWS:
		return NewWSTransport(cfg, deps), nil
	case config.ModeSocketIO:
		return NewSocketIOTransport(cfg, deps), nil
	case config.ModeLLM:
		if deps.Replier == nil {
			return nil, fmt.Errorf("llm transport requires a replier")
		}
		return NewLLMTransport(deps.Replier, deps.Sender), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}

// resolveSender fills the sender from src when req has none.
func resolveSender(ctx context.Context, req chat.SendRequest, src SenderSource) (string, error) {
	if sender := strings.TrimSpace(req.Sender); sender != "" {
		return sender, nil
	}
	if src == nil {
		return "", ErrSenderRequired
	}
	return src.SenderID(ctx)
}

// resolveToken always runs before a request is built. An empty result means
// an anonymous request.
func resolveToken(req chat.SendRequest, src TokenSource) string {
	if token := strings.TrimSpace(req.Token); token != "" {
		return token
	}
	if src == nil {
		return ""
	}
	token, ok := src.Token()
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	return nil
}
