package chat

import (
	"encoding/json"
	"strings"
)

// Button is a quick-reply option attached to a bot reply.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Card is a rich attachment. Only url is guaranteed; the rest of the
// backend's keys are preserved in Extra.
type Card struct {
	URL   string         `json:"url"`
	Title string         `json:"title,omitempty"`
	Extra map[string]any `json:"-"`
}

// UnmarshalJSON keeps unknown card keys so they can be re-rendered untouched.
func (c *Card) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["url"].(string); ok {
		c.URL = v
	}
	if v, ok := raw["title"].(string); ok {
		c.Title = v
	}
	delete(raw, "url")
	delete(raw, "title")
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

// MarshalJSON flattens Extra back next to url/title.
func (c Card) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["url"] = c.URL
	if c.Title != "" {
		out["title"] = c.Title
	}
	return json.Marshal(out)
}

// Message is one reply segment produced by a transport. It is rendered once
// and discarded.
type Message struct {
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
	Cards   []Card   `json:"cards,omitempty"`
	Image   string   `json:"image,omitempty"`
}

// Empty reports whether the segment carries nothing renderable.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Buttons) == 0 && len(m.Cards) == 0 && m.Image == ""
}
