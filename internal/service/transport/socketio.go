package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

// Engine.IO v4 packet types and the Socket.IO packet types carried in "4".
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect    = '0'
	sioEvent      = '2'
	sioConnectErr = '4'
)

// ErrSocketIOProtocol is returned on an unexpected Engine.IO handshake.
var ErrSocketIOProtocol = errors.New("socket.io protocol error")

// SocketIOURL builds the Engine.IO websocket endpoint for raw.
func SocketIOURL(raw, pageURL, token string) (string, error) {
	target, err := NormalizeWSURL(raw, pageURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWSURL, err)
	}
	if u.Path == "" || u.Path == "/" || u.Path == "/ws" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SocketIOTransport talks to a Rasa socketio channel.
type SocketIOTransport struct {
	rawURL  string
	pageURL string
	timeout time.Duration
	quiet   time.Duration
	dialer  *websocket.Dialer
	sender  SenderSource
	tokens  TokenSource
}

// NewSocketIOTransport builds a SocketIOTransport.
func NewSocketIOTransport(cfg config.TransportConfig, deps Deps) *SocketIOTransport {
	raw := cfg.WSURL
	if raw == "" {
		raw = cfg.BaseURL
	}
	pageURL := deps.PageURL
	if pageURL == "" {
		pageURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SocketIOTransport{
		rawURL:  raw,
		pageURL: pageURL,
		timeout: timeout,
		quiet:   1500 * time.Millisecond,
		dialer:  websocket.DefaultDialer,
		sender:  deps.Sender,
		tokens:  deps.Tokens,
	}
}

type userUttered struct {
	Message    string         `json:"message"`
	SessionID  string         `json:"session_id"`
	CustomData map[string]any `json:"customData,omitempty"`
}

type botUttered struct {
	Text         string        `json:"text"`
	QuickReplies []chat.Button `json:"quick_replies"`
	Buttons      []chat.Button `json:"buttons"`
	Image        string        `json:"image"`
	Attachment   *struct {
		Type    string `json:"type"`
		Payload struct {
			Src string `json:"src"`
		} `json:"payload"`
	} `json:"attachment"`
}

func (b botUttered) message() chat.Message {
	msg := chat.Message{Text: b.Text, Image: b.Image}
	msg.Buttons = append(msg.Buttons, b.Buttons...)
	msg.Buttons = append(msg.Buttons, b.QuickReplies...)
	if msg.Image == "" && b.Attachment != nil && b.Attachment.Type == "image" {
		msg.Image = b.Attachment.Payload.Src
	}
	return msg
}

// Send implements Transport.
func (t *SocketIOTransport) Send(ctx context.Context, req chat.SendRequest) ([]chat.Message, error) {
	if err := validateText(req.Text); err != nil {
		return nil, err
	}
	sender, err := resolveSender(ctx, req, t.sender)
	if err != nil {
		return nil, err
	}
	token := resolveToken(req, t.tokens)

	target, err := SocketIOURL(t.rawURL, t.pageURL, token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	conn, _, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(deadline)

	if err := t.handshake(conn, token); err != nil {
		return nil, err
	}

	if err := emit(conn, "session_request", map[string]string{"session_id": sender}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if err := emit(conn, "user_uttered", userUttered{Message: req.Text, SessionID: sender, CustomData: req.Metadata}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	replies := make([]chat.Message, 0, 2)
	for {
		readBy := deadline
		if len(replies) > 0 {
			if quietBy := time.Now().Add(t.quiet); quietBy.Before(deadline) {
				readBy = quietBy
			}
		}
		_ = conn.SetReadDeadline(readBy)

		_, data, err := conn.ReadMessage()
		if err != nil {
			if len(replies) > 0 {
				return replies, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}

		packet := string(data)
		if packet == "" {
			continue
		}
		switch packet[0] {
		case eioPing:
			if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
				return replies, nil
			}
		case eioClose:
			return replies, nil
		case eioMessage:
			event, payload, ok := parseEvent(packet)
			if !ok || event != "bot_uttered" {
				continue
			}
			var bot botUttered
			if err := json.Unmarshal(payload, &bot); err != nil {
				log.Printf("[transport] socketio dropped bot_uttered: %v", err)
				continue
			}
			if msg := bot.message(); !msg.Empty() {
				replies = append(replies, msg)
			}
		}
	}
}

func (t *SocketIOTransport) handshake(conn *websocket.Conn, token string) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return fmt.Errorf("%w: expected open packet, got %q", ErrSocketIOProtocol, data)
	}

	connect := []byte{eioMessage, sioConnect}
	if token != "" {
		auth, _ := json.Marshal(map[string]string{"token": token})
		connect = append(connect, auth...)
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		if len(data) >= 1 && data[0] == eioPing {
			_ = conn.WriteMessage(websocket.TextMessage, []byte{eioPong})
			continue
		}
		if len(data) >= 2 && data[0] == eioMessage {
			switch data[1] {
			case sioConnect:
				return nil
			case sioConnectErr:
				return fmt.Errorf("%w: connect rejected: %s", ErrSocketIOProtocol, data[2:])
			}
		}
	}
}

func emit(conn *websocket.Conn, event string, payload any) error {
	frame, err := json.Marshal([]any{event, payload})
	if err != nil {
		return err
	}
	packet := append([]byte{eioMessage, sioEvent}, frame...)
	return conn.WriteMessage(websocket.TextMessage, packet)
}

// parseEvent splits a `42["event",payload]` packet.
func parseEvent(packet string) (string, json.RawMessage, bool) {
	if len(packet) < 2 || packet[1] != sioEvent {
		return "", nil, false
	}
	body := packet[2:]
	// 跳过可选的 namespace 前缀，例如 42/chat,["..."]
	if strings.HasPrefix(body, "/") {
		idx := strings.Index(body, ",")
		if idx < 0 {
			return "", nil, false
		}
		body = body[idx+1:]
	}
	// 跳过 ack id
	for len(body) > 0 && body[0] >= '0' && body[0] <= '9' {
		body = body[1:]
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(body), &parts); err != nil || len(parts) == 0 {
		return "", nil, false
	}
	var event string
	if err := json.Unmarshal(parts[0], &event); err != nil {
		return "", nil, false
	}
	if len(parts) < 2 {
		return event, nil, true
	}
	return event, parts[1], true
}

// Health opens the Engine.IO socket and waits for the open packet.
func (t *SocketIOTransport) Health(ctx context.Context) error {
	target, err := SocketIOURL(t.rawURL, t.pageURL, "")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, _, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return ErrSocketIOProtocol
	}
	return nil
}
