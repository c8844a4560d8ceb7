package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

const maxErrorBody = 4 << 10

// RESTClient posts utterances to a Rasa-style REST webhook or the /api/chat proxy.
type RESTClient struct {
	url       string
	healthURL string
	client    *http.Client
	sender    SenderSource
	tokens    TokenSource
}

// NewRESTClient builds a client from the transport configuration.
func NewRESTClient(cfg config.TransportConfig, deps Deps) *RESTClient {
	client := deps.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &RESTClient{
		url:       cfg.RESTURL,
		healthURL: cfg.HealthURL,
		client:    client,
		sender:    deps.Sender,
		tokens:    deps.Tokens,
	}
}

// Send delivers one utterance and returns the ordered reply segments.
func (c *RESTClient) Send(ctx context.Context, req chat.SendRequest) ([]chat.Message, error) {
	if err := validateText(req.Text); err != nil {
		return nil, err
	}

	sender, err := resolveSender(ctx, req, c.sender)
	if err != nil {
		return nil, err
	}
	req.Sender = sender
	token := resolveToken(req, c.tokens)

	payload, err := json.Marshal(chat.NewWireBody(req))
	if err != nil {
		return nil, fmt.Errorf("marshal chat body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		log.Printf("[transport] rest send failed url=%s: %v", c.url, err)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	replies, err := chat.ParseReplies(body)
	if err != nil {
		return nil, err
	}
	log.Printf("[transport] rest sender=%s replies=%d authenticated=%t", sender, len(replies), token != "")
	return replies, nil
}

// Health issues a GET against the configured health URL. The result only
// feeds the connection indicator; Send never consults it.
func (c *RESTClient) Health(ctx context.Context) error {
	if c.healthURL == "" {
		return errors.New("health url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Status: resp.StatusCode}
	}
	return nil
}

// HealthPaths are tried in order by ProbeHost.
var HealthPaths = []string{"/health", "/status", "/live", "/ready"}

// ProbeHost reports whether base answers on any health path. Any status in
// 200-499 counts as reachable. The path that answered is returned.
func ProbeHost(ctx context.Context, client *http.Client, base string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base = strings.TrimRight(base, "/")

	var lastErr error
	for _, path := range HealthPaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return "", fmt.Errorf("build probe request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 500 {
			return path, nil
		}
		lastErr = &HTTPError{Status: resp.StatusCode}
	}

	if lastErr == nil {
		lastErr = errors.New("no health path answered")
	}
	return "", fmt.Errorf("%w: %v", ErrUnreachable, lastErr)
}
