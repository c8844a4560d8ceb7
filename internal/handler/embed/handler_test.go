package embed

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/bridge"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/widget"
)

const hostOrigin = "https://campus.example.edu"

func newServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	New(opts).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

type frame struct {
	Session      string          `json:"session"`
	TargetOrigin string          `json:"targetOrigin"`
	Data         json.RawMessage `json:"data"`
	Document     *struct {
		HTMLClasses []string `json:"htmlClasses"`
		BodyClasses []string `json:"bodyClasses"`
		Lang        string   `json:"lang"`
	} `json:"document"`
}

func dialBridge(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bridge" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {srv.URL}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestLoaderScript(t *testing.T) {
	srv := newServer(t, Options{Loader: widget.LoaderDefaults{ChatURL: "https://chat.example.com/embed", Title: "Tutor"}})

	resp, err := http.Get(srv.URL + "/widget.js")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"https://chat.example.com/embed"`)
}

func TestWidgetSnippet(t *testing.T) {
	srv := newServer(t, Options{Loader: widget.LoaderDefaults{ChatURL: "https://chat.example.com/embed", Title: "Tutor"}})

	get := func(query string) string {
		resp, err := http.Get(srv.URL + "/widget.html" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	closed := get("?sandbox=allow-scripts+bogus")
	assert.Equal(t, 1, strings.Count(closed, "<button"))
	assert.Equal(t, 0, strings.Count(closed, "<iframe"))

	opened := get("?open=1&sandbox=allow-scripts+bogus+allow-top-navigation&width=400")
	assert.Equal(t, 1, strings.Count(opened, "<button"))
	assert.Equal(t, 1, strings.Count(opened, "<iframe"))
	assert.Contains(t, opened, `sandbox="allow-scripts"`)
	assert.Contains(t, opened, "width:400px")
	assert.Contains(t, opened, "https://chat.example.com/embed?")
}

func TestEmbedPage(t *testing.T) {
	srv := newServer(t, Options{Language: "es", Loader: widget.LoaderDefaults{Title: "Tutor"}})

	resp, err := http.Get(srv.URL + "/embed?allowedOrigins=" + hostOrigin + "&origin=" + hostOrigin)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	html := string(body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, html, `lang="es"`)
	assert.Contains(t, html, `class="theme-light"`)
	assert.Contains(t, html, `class="contrast-normal"`)
	assert.Contains(t, html, "/ws/bridge?")
	assert.Contains(t, html, "<title>Tutor</title>")
}

func TestEmbedPageVoiceUpload(t *testing.T) {
	srv := newServer(t, Options{})

	resp, err := http.Get(srv.URL + "/embed")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	html := string(body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 上传前先检查大小，超限不发请求。
	assert.Regexp(t, `var MAX_AUDIO_BYTES =\s*15728640\s*;`, html)
	sizeCheck := strings.Index(html, "blob.size > MAX_AUDIO_BYTES")
	upload := strings.Index(html, `fetch("/api/voice/transcribe"`)
	require.NotEqual(t, -1, sizeCheck)
	require.NotEqual(t, -1, upload)
	assert.Less(t, sizeCheck, upload)
	assert.Contains(t, html, "El audio es demasiado grande")

	voice := html[upload:]
	assert.Contains(t, voice, `headers: h`)
	assert.Contains(t, voice, "r.status === 413")
	assert.Contains(t, voice, "r.status === 415")
	assert.Contains(t, voice, `.catch(function () { append("bot", { text: "servidor no responde" }); });`)
	assert.Contains(t, html, `h["X-Bridge-Session"] = session;`)
}

func TestBridgeRelaysToken(t *testing.T) {
	registry := bridge.NewRegistry()
	srv := newServer(t, Options{AllowedOrigins: []string{hostOrigin}, Registry: registry})
	conn := dialBridge(t, srv, "")

	hello := readFrame(t, conn)
	require.NotEmpty(t, hello.Session)
	require.NotNil(t, hello.Document)
	assert.Equal(t, []string{"theme-light"}, hello.Document.HTMLClasses)

	request := readFrame(t, conn)
	assert.Equal(t, hostOrigin, request.TargetOrigin)
	assert.JSONEq(t, `{"type":"auth:request"}`, string(request.Data))

	state, ok := registry.Lookup(hello.Session)
	require.True(t, ok)

	// 未授权来源的令牌被静默丢弃。
	require.NoError(t, conn.WriteJSON(map[string]any{
		"origin": "https://evil.example",
		"data":   map[string]string{"type": "auth:token", "token": "stolen"},
	}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"origin": hostOrigin,
		"data":   map[string]string{"type": "auth:token", "token": "abc123"},
	}))

	require.Eventually(t, func() bool {
		token, ok := state.Token()
		return ok && token == "abc123"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridgePushesSettings(t *testing.T) {
	srv := newServer(t, Options{AllowedOrigins: []string{hostOrigin}})
	conn := dialBridge(t, srv, "")
	readFrame(t, conn)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"origin": hostOrigin,
		"data":   map[string]string{"type": "chat:settings", "theme": "dark", "contrast": "high", "lang": "en"},
	}))

	update := readFrame(t, conn)
	require.NotNil(t, update.Document)
	assert.Equal(t, []string{"theme-dark"}, update.Document.HTMLClasses)
	assert.Equal(t, []string{"contrast-high"}, update.Document.BodyClasses)
	assert.Equal(t, "en", update.Document.Lang)
}

func TestBridgeAnswersHostHello(t *testing.T) {
	srv := newServer(t, Options{AllowedOrigins: []string{hostOrigin}})
	conn := dialBridge(t, srv, "")
	readFrame(t, conn)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"origin": hostOrigin,
		"data":   map[string]string{"type": "host:hello"},
	}))

	again := readFrame(t, conn)
	assert.JSONEq(t, `{"type":"auth:request"}`, string(again.Data))
}

func TestBridgeRemovesSessionOnClose(t *testing.T) {
	registry := bridge.NewRegistry()
	srv := newServer(t, Options{AllowedOrigins: []string{hostOrigin}, Registry: registry})
	conn := dialBridge(t, srv, "")
	readFrame(t, conn)
	require.Equal(t, 1, registry.Len())

	conn.Close()
	require.Eventually(t, func() bool { return registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeRejectsForeignOrigin(t *testing.T) {
	srv := newServer(t, Options{PublicURL: "https://chat.example.com"})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bridge"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEffectiveOrigins(t *testing.T) {
	server := []string{"https://a.example", "https://b.example"}

	assert.Equal(t, server, EffectiveOrigins(server, nil))
	assert.Equal(t, []string{"https://b.example"}, EffectiveOrigins(server, []string{"https://b.example", "https://c.example"}))
	assert.Empty(t, EffectiveOrigins(server, []string{"https://c.example"}))
	assert.Equal(t, []string{"https://c.example"}, EffectiveOrigins([]string{"*"}, []string{"https://c.example"}))
	assert.Empty(t, EffectiveOrigins(nil, []string{"https://c.example"}))
}
