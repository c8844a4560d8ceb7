package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

func TestTextInstrumentsLinks(t *testing.T) {
	html := string(New("/api/links/click").Text("Mira **esto**: https://example.com/guia"))

	assert.Contains(t, html, "<strong>esto</strong>")
	assert.Contains(t, html, `href="https://example.com/guia"`)
	assert.Contains(t, html, `target="_blank"`)
	assert.Contains(t, html, `data-beacon="/api/links/click"`)
}

func TestTextDropsRawHTML(t *testing.T) {
	html := string(New("").Text(`hola <script>alert(1)</script>`))
	assert.False(t, strings.Contains(html, "<script>"))
}

func TestReplies(t *testing.T) {
	replies := New("/b").Replies([]chat.Message{{Text: "ver https://a.example"}, {Image: "https://img.example/x.png"}})
	require.Len(t, replies, 2)
	assert.Equal(t, []string{"https://a.example"}, replies[0].Links)
	assert.Empty(t, replies[1].HTML)
	assert.Equal(t, "https://img.example/x.png", replies[1].Image)
}
