// Package render turns bot reply text into instrumented HTML for the embed page.
package render

import (
	"bytes"
	"html/template"
	"log"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/util"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/links"
)

// Renderer converts markdown replies to HTML. Raw HTML in replies is not
// passed through.
type Renderer struct {
	md goldmark.Markdown
}

// New returns a Renderer whose links report clicks to beaconPath.
func New(beaconPath string) *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Linkify),
			goldmark.WithParserOptions(
				parser.WithASTTransformers(util.Prioritized(links.NewTransformer(beaconPath), 999)),
			),
		),
	}
}

// Text renders one markdown string.
func (r *Renderer) Text(text string) template.HTML {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		log.Printf("[render] failed to convert markdown: %v", err)
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String())
}

// Reply is a segment with its rendered text and the links it mentions.
type Reply struct {
	chat.Message
	HTML  template.HTML `json:"html,omitempty"`
	Links []string      `json:"links,omitempty"`
}

// Replies renders every segment.
func (r *Renderer) Replies(msgs []chat.Message) []Reply {
	out := make([]Reply, 0, len(msgs))
	for _, msg := range msgs {
		reply := Reply{Message: msg}
		if msg.Text != "" {
			reply.HTML = r.Text(msg.Text)
			reply.Links = links.ExtractURLs(msg.Text)
		}
		out = append(out, reply)
	}
	return out
}
