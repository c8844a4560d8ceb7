package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

var (
	// ErrNotConnected is returned by writes while the socket is not open.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrInvalidWSURL is returned when a URL cannot be turned into ws(s).
	ErrInvalidWSURL = errors.New("invalid websocket url")
)

// NormalizeWSURL turns a relative path, an http(s) URL or a ws(s) URL into an
// absolute ws:// or wss:// URL. Relative paths resolve against pageURL; a page
// served over https always yields wss.
func NormalizeWSURL(raw, pageURL string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidWSURL
	}

	var page *url.URL
	if pageURL != "" {
		parsed, err := url.Parse(pageURL)
		if err != nil {
			return "", fmt.Errorf("%w: page url: %v", ErrInvalidWSURL, err)
		}
		page = parsed
	}
	secure := page != nil && page.Scheme == "https"

	target, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWSURL, err)
	}

	switch strings.ToLower(target.Scheme) {
	case "ws":
		if secure {
			target.Scheme = "wss"
		} else {
			target.Scheme = "ws"
		}
	case "wss":
		target.Scheme = "wss"
	case "http":
		target.Scheme = "ws"
		if secure {
			target.Scheme = "wss"
		}
	case "https":
		target.Scheme = "wss"
	case "":
		if page == nil || page.Host == "" {
			return "", fmt.Errorf("%w: relative url %q without page url", ErrInvalidWSURL, raw)
		}
		target = page.ResolveReference(target)
		if secure {
			target.Scheme = "wss"
		} else {
			target.Scheme = "ws"
		}
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidWSURL, target.Scheme)
	}

	if target.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidWSURL)
	}
	return target.String(), nil
}

// withToken appends token as a query parameter.
func withToken(wsURL, token string) (string, error) {
	if token == "" {
		return wsURL, nil
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWSURL, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ProbeOptions configures a one-shot connectivity probe.
type ProbeOptions struct {
	WSURL   string
	PageURL string
	Token   string
	Timeout time.Duration
	Dialer  *websocket.Dialer
}

// Probe opens a socket and closes it as soon as it is open. It fails on dial
// error or when Timeout elapses first.
func Probe(ctx context.Context, opts ProbeOptions) error {
	target, err := NormalizeWSURL(opts.WSURL, opts.PageURL)
	if err != nil {
		return err
	}
	if target, err = withToken(target, opts.Token); err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: websocket probe timed out after %s", ErrUnreachable, timeout)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe"),
		time.Now().Add(time.Second))
	return conn.Close()
}

// State is the lifecycle of a persistent Client.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ReconnectPolicy enables reconnect with exponential backoff. The zero value
// leaves a dropped socket disconnected.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Enabled reports whether reconnection is attempted.
func (p ReconnectPolicy) Enabled() bool {
	return p.MaxAttempts > 0
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// ClientOptions configures a persistent Client.
type ClientOptions struct {
	WSURL     string
	PageURL   string
	Token     string
	OnMessage func(data []byte)
	OnState   func(State)
	KeepAlive time.Duration
	Reconnect ReconnectPolicy
	Dialer    *websocket.Dialer
}

// Client is a long-lived socket with keep-alive pings.
type Client struct {
	opts   ClientOptions
	target string
	dialer *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens a persistent client. The first dial error is returned directly.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	target, err := NormalizeWSURL(opts.WSURL, opts.PageURL)
	if err != nil {
		return nil, err
	}
	if target, err = withToken(target, opts.Token); err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	c := &Client{
		opts:   opts,
		target: target,
		dialer: dialer,
		state:  StateConnecting,
		done:   make(chan struct{}),
	}
	c.notify(StateConnecting)

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.setState(StateClosed)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c.attach(conn)

	c.wg.Add(1)
	go c.run(conn)

	if opts.KeepAlive > 0 {
		c.wg.Add(1)
		go c.keepAlive(opts.KeepAlive)
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendJSON writes v as a JSON text frame.
func (c *Client) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(v)
}

// SendText writes a raw text frame.
func (c *Client) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close stops the keep-alive ticker and closes the socket. Safe to call twice.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = StateClosed
		c.mu.Unlock()

		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			if err = conn.Close(); errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
		c.wg.Wait()
		c.notify(StateClosed)
	})
	return err
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.notify(StateOpen)
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.notify(state)
}

func (c *Client) notify(state State) {
	if c.opts.OnState != nil {
		c.opts.OnState(state)
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.readLoop(conn)
		if c.closed() {
			return
		}

		next, ok := c.reconnect()
		if !ok {
			c.mu.Lock()
			alreadyClosed := c.closed()
			c.conn = nil
			c.state = StateClosed
			c.mu.Unlock()
			if !alreadyClosed {
				c.notify(StateClosed)
			}
			return
		}
		conn = next
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[transport] ws read error: %v", err)
			}
			return
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(data)
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, bool) {
	policy := c.opts.Reconnect
	if !policy.Enabled() {
		return nil, false
	}

	c.mu.Lock()
	c.conn = nil
	c.state = StateReconnecting
	c.mu.Unlock()
	c.notify(StateReconnecting)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-c.done:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, _, err := c.dialer.Dial(c.target, nil)
		if err != nil {
			log.Printf("[transport] ws reconnect attempt=%d failed: %v", attempt, err)
			continue
		}

		c.mu.Lock()
		if c.closed() {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		c.state = StateOpen
		c.mu.Unlock()
		c.notify(StateOpen)

		log.Printf("[transport] ws reconnected after attempt=%d", attempt)
		return conn, true
	}
	return nil, false
}

func (c *Client) keepAlive(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.SendJSON(map[string]string{"type": "ping"}); err != nil && !errors.Is(err, ErrNotConnected) {
				log.Printf("[transport] ws keep-alive failed: %v", err)
			}
		}
	}
}

// WSTransport sends each utterance over a short-lived socket and collects the
// reply frames.
type WSTransport struct {
	wsURL   string
	pageURL string
	timeout time.Duration
	quiet   time.Duration
	dialer  *websocket.Dialer
	sender  SenderSource
	tokens  TokenSource
}

// NewWSTransport builds a WSTransport.
func NewWSTransport(cfg config.TransportConfig, deps Deps) *WSTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageURL := deps.PageURL
	if pageURL == "" {
		pageURL = cfg.BaseURL
	}
	return &WSTransport{
		wsURL:   cfg.WSURL,
		pageURL: pageURL,
		timeout: timeout,
		quiet:   1500 * time.Millisecond,
		dialer:  websocket.DefaultDialer,
		sender:  deps.Sender,
		tokens:  deps.Tokens,
	}
}

type wsOutbound struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Sender   string         `json:"sender"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type wsInbound struct {
	Type string `json:"type"`
	chat.Message
}

// Send implements Transport.
func (t *WSTransport) Send(ctx context.Context, req chat.SendRequest) ([]chat.Message, error) {
	if err := validateText(req.Text); err != nil {
		return nil, err
	}
	sender, err := resolveSender(ctx, req, t.sender)
	if err != nil {
		return nil, err
	}
	token := resolveToken(req, t.tokens)

	target, err := NormalizeWSURL(t.wsURL, t.pageURL)
	if err != nil {
		return nil, err
	}
	if target, err = withToken(target, token); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, _, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsOutbound{Type: "message", Text: req.Text, Sender: sender, Metadata: req.Metadata}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	deadline, _ := ctx.Deadline()
	replies := make([]chat.Message, 0, 2)
	for {
		// 首条回复前等待整体超时，之后只等一个静默窗口。
		readBy := deadline
		if len(replies) > 0 {
			if quietBy := time.Now().Add(t.quiet); quietBy.Before(deadline) {
				readBy = quietBy
			}
		}
		_ = conn.SetReadDeadline(readBy)

		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() && len(replies) > 0 {
				return replies, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return replies, nil
			}
			if len(replies) > 0 {
				return replies, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}

		segments, end, err := decodeWSFrame(data)
		if err != nil {
			log.Printf("[transport] ws dropped frame: %v", err)
			continue
		}
		replies = append(replies, segments...)
		if end {
			return replies, nil
		}
	}
}

func decodeWSFrame(data []byte) ([]chat.Message, bool, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		segments, err := chat.ParseReplies(data)
		return segments, false, err
	}

	var frame wsInbound
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false, err
	}
	switch frame.Type {
	case "end", "done":
		return nil, true, nil
	case "ping", "pong", "ack":
		return nil, false, nil
	}
	if frame.Message.Empty() {
		return nil, false, nil
	}
	return []chat.Message{frame.Message}, false, nil
}

// Health probes the configured socket.
func (t *WSTransport) Health(ctx context.Context) error {
	return Probe(ctx, ProbeOptions{WSURL: t.wsURL, PageURL: t.pageURL, Timeout: 5 * time.Second, Dialer: t.dialer})
}
