// Package widget builds the launcher button and iframe that embed the chat
// in a host page.
package widget

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DefaultSandbox never includes allow-top-navigation so the embed page cannot
// navigate the host.
const DefaultSandbox = "allow-scripts allow-forms allow-same-origin allow-popups"

const (
	defaultWidth  = "380px"
	defaultHeight = "560px"
)

// ErrChatURLRequired is returned when data-chat-url is missing.
var ErrChatURLRequired = errors.New("data-chat-url is required")

var sandboxTokens = map[string]struct{}{
	"allow-downloads":                {},
	"allow-forms":                    {},
	"allow-modals":                   {},
	"allow-orientation-lock":         {},
	"allow-pointer-lock":             {},
	"allow-popups":                   {},
	"allow-popups-to-escape-sandbox": {},
	"allow-presentation":             {},
	"allow-same-origin":              {},
	"allow-scripts":                  {},
}

// dimensionUnits are the CSS units accepted for data-width and data-height.
var dimensionUnits = []string{"px", "%", "vh", "vw", "rem", "em"}

// SandboxTokens returns the accepted sandbox tokens in sorted order.
func SandboxTokens() []string {
	tokens := make([]string, 0, len(sandboxTokens))
	for token := range sandboxTokens {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// LoaderConfig is read from the loader script tag's data-* attributes.
type LoaderConfig struct {
	ChatURL        string   `json:"chatUrl"`
	Origin         string   `json:"origin,omitempty"`
	Avatar         string   `json:"avatar,omitempty"`
	Width          string   `json:"width"`
	Height         string   `json:"height"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	Sandbox        string   `json:"sandbox"`
	Title          string   `json:"title,omitempty"`
}

// ParseLoaderConfig reads data attributes (keys with or without the
// "data-" prefix).
func ParseLoaderConfig(attrs map[string]string) (LoaderConfig, error) {
	get := func(name string) string {
		if v, ok := attrs["data-"+name]; ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(attrs[name])
	}

	cfg := LoaderConfig{
		ChatURL: get("chat-url"),
		Origin:  get("origin"),
		Avatar:  get("avatar"),
		Width:   dimension(get("width"), defaultWidth),
		Height:  dimension(get("height"), defaultHeight),
		Sandbox: SanitizeSandbox(get("sandbox")),
		Title:   get("title"),
	}
	for _, origin := range strings.Split(get("allowed-origins"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	if cfg.ChatURL == "" {
		return LoaderConfig{}, ErrChatURLRequired
	}
	if _, err := url.Parse(cfg.ChatURL); err != nil {
		return LoaderConfig{}, fmt.Errorf("invalid data-chat-url %q: %w", cfg.ChatURL, err)
	}
	return cfg, nil
}

// dimension accepts bare numbers as pixels and passes CSS lengths through.
func dimension(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	if strings.Trim(raw, "0123456789") == "" {
		return raw + "px"
	}
	for _, unit := range dimensionUnits {
		num := strings.TrimSuffix(raw, unit)
		if num != raw && num != "" && strings.Trim(num, "0123456789.") == "" {
			return raw
		}
	}
	return fallback
}

// SanitizeSandbox keeps known sandbox tokens and drops every
// allow-top-navigation variant. An empty result falls back to DefaultSandbox.
func SanitizeSandbox(raw string) string {
	seen := make(map[string]struct{})
	kept := make([]string, 0, 4)
	for _, token := range strings.Fields(strings.ToLower(raw)) {
		if strings.HasPrefix(token, "allow-top-navigation") {
			continue
		}
		if _, ok := sandboxTokens[token]; !ok {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		kept = append(kept, token)
	}
	if len(kept) == 0 {
		return DefaultSandbox
	}
	return strings.Join(kept, " ")
}

// IframeSrc builds the embed page URL with the configuration as query
// parameters.
func IframeSrc(cfg LoaderConfig) (string, error) {
	u, err := url.Parse(cfg.ChatURL)
	if err != nil {
		return "", fmt.Errorf("invalid chat url: %w", err)
	}

	q := u.Query()
	setIf := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	setIf("origin", cfg.Origin)
	setIf("avatar", cfg.Avatar)
	setIf("allowedOrigins", strings.Join(cfg.AllowedOrigins, ","))
	setIf("title", cfg.Title)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
