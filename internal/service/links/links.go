// Package links finds URLs in bot replies and reports clicks on them.
package links

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)

const trailingPunct = ".,;:!?)]}"

// ExtractURLs returns the http(s) URLs in text, in order of first appearance.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, raw := range matches {
		candidate := strings.TrimRight(raw, trailingPunct)
		if candidate == "" {
			continue
		}
		if u, err := url.Parse(candidate); err != nil || u.Host == "" {
			continue
		}
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	return out
}

// LinkClick is the beacon payload.
type LinkClick struct {
	URL       string    `json:"url"`
	Sender    string    `json:"sender,omitempty"`
	Source    string    `json:"source,omitempty"`
	ClickedAt time.Time `json:"clickedAt"`
}

// Tracker reports link clicks. Reporting never fails the caller.
type Tracker struct {
	beaconURL string
	client    *http.Client
}

// NewTracker returns a Tracker; an empty beaconURL disables reporting.
func NewTracker(beaconURL string, client *http.Client) *Tracker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Tracker{beaconURL: strings.TrimSpace(beaconURL), client: client}
}

// Enabled reports whether a beacon endpoint is configured.
func (t *Tracker) Enabled() bool {
	return t != nil && t.beaconURL != ""
}

// Track posts a click beacon. Errors are logged and swallowed.
func (t *Tracker) Track(ctx context.Context, click LinkClick) {
	if !t.Enabled() || strings.TrimSpace(click.URL) == "" {
		return
	}
	if click.ClickedAt.IsZero() {
		click.ClickedAt = time.Now().UTC()
	}

	if err := t.post(ctx, click); err != nil {
		log.Printf("[links] beacon failed url=%s: %v", click.URL, err)
	}
}

func (t *Tracker) post(ctx context.Context, click LinkClick) error {
	payload, err := json.Marshal(click)
	if err != nil {
		return fmt.Errorf("marshal beacon: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.beaconURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build beacon request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("beacon status %d", resp.StatusCode)
	}
	return nil
}

// Transformer marks external links in a parsed markdown tree so clicks open
// in a new tab and carry the beacon endpoint for the embed page script.
type Transformer struct {
	BeaconPath string
}

// NewTransformer returns a goldmark AST transformer for beaconPath.
func NewTransformer(beaconPath string) *Transformer {
	return &Transformer{BeaconPath: beaconPath}
}

// Transform implements parser.ASTTransformer.
func (t *Transformer) Transform(doc *ast.Document, reader text.Reader, _ parser.Context) {
	source := reader.Source()
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		var dest []byte
		switch node := n.(type) {
		case *ast.Link:
			dest = node.Destination
		case *ast.AutoLink:
			if node.AutoLinkType != ast.AutoLinkURL {
				return ast.WalkContinue, nil
			}
			dest = node.URL(source)
		default:
			return ast.WalkContinue, nil
		}
		if !external(dest) {
			return ast.WalkContinue, nil
		}
		n.SetAttributeString("target", []byte("_blank"))
		n.SetAttributeString("rel", []byte("noopener noreferrer"))
		if t.BeaconPath != "" {
			n.SetAttributeString("data-beacon", []byte(t.BeaconPath))
		}
		return ast.WalkContinue, nil
	})
}

func external(dest []byte) bool {
	lower := bytes.ToLower(dest)
	return bytes.HasPrefix(lower, []byte("http://")) || bytes.HasPrefix(lower, []byte("https://"))
}
