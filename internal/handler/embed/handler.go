// Package embed serves the widget loader, the embed page and the bridge
// websocket the embed page relays postMessage traffic through.
package embed

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/bridge"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/settings"
	voicesvc "github.com/zhouzirui/z-tavern/chatbridge/internal/service/voice"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/widget"
	"github.com/zhouzirui/z-tavern/chatbridge/pkg/utils"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	maxFrameSize = 16 << 10
)

//go:embed templates/embed.html.tmpl
var templateFS embed.FS

var pageTmpl = template.Must(template.ParseFS(templateFS, "templates/embed.html.tmpl"))

// Options configures the embed handler.
type Options struct {
	// PublicURL is where this service is reachable; its origin may open the
	// bridge websocket.
	PublicURL      string
	Loader         widget.LoaderDefaults
	AllowedOrigins []string
	Verifier       bridge.TokenVerifier
	Registry       *bridge.Registry
	Language       string
	PingInterval   time.Duration
	// SSOURL is linked from the embed page for anonymous visitors.
	SSOURL         string
}

// Handler 嵌入页面与桥接 WebSocket 的处理器
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader
}

// New 创建嵌入处理器
func New(opts Options) *Handler {
	if opts.Registry == nil {
		opts.Registry = bridge.NewRegistry()
	}
	if opts.Language == "" {
		opts.Language = "es"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	h := &Handler{opts: opts}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

// RegisterRoutes 注册嵌入相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/widget.js", h.handleLoader)
	r.Get("/widget.html", h.handleSnippet)
	r.Get("/embed", h.handlePage)
	r.Get("/ws/bridge", h.handleBridge)
}

func (h *Handler) handleLoader(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := widget.RenderLoader(&buf, h.opts.Loader); err != nil {
		log.Printf("[embed] failed to render loader: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to render loader")
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(buf.Bytes())
}

// handleSnippet 服务端渲染启动按钮，供不能执行脚本的宿主页嵌入。
// 查询参数与 loader 的 data-* 属性同名；open=1 时直接展开。
func (h *Handler) handleSnippet(w http.ResponseWriter, r *http.Request) {
	attrs := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			attrs[key] = values[0]
		}
	}
	if attrs["chat-url"] == "" && attrs["data-chat-url"] == "" {
		attrs["chat-url"] = h.opts.Loader.ChatURL
	}
	if attrs["avatar"] == "" && attrs["data-avatar"] == "" {
		attrs["avatar"] = h.opts.Loader.Avatar
	}
	if attrs["title"] == "" && attrs["data-title"] == "" {
		attrs["title"] = h.opts.Loader.Title
	}

	cfg, err := widget.ParseLoaderConfig(attrs)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wd, err := widget.New(cfg)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("open") == "1" {
		wd.Toggle()
	}

	markup, err := wd.Render()
	if err != nil {
		log.Printf("[embed] failed to render widget: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to render widget")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(markup))
}

type pageData struct {
	Lang      string
	HTMLClass string
	BodyClass string
	Title     string
	Avatar    string
	BridgeURL string
	SSOURL    string
	// MaxAudio 语音上传前在浏览器端检查的字节上限。
	MaxAudio int64
}

// handlePage 渲染 iframe 内的聊天页面。
func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	doc := settings.NewStore(h.opts.Language).Current()

	title := q.Get("title")
	if title == "" {
		title = h.opts.Loader.Title
	}
	avatar := q.Get("avatar")
	if avatar == "" {
		avatar = h.opts.Loader.Avatar
	}

	bridgeQuery := url.Values{}
	if v := q.Get("allowedOrigins"); v != "" {
		bridgeQuery.Set("allowedOrigins", v)
	}
	if v := q.Get("origin"); v != "" {
		bridgeQuery.Set("topOrigin", v)
	}
	if v := r.Referer(); v != "" {
		bridgeQuery.Set("referrer", v)
	}
	bridgeURL := "/ws/bridge"
	if encoded := bridgeQuery.Encode(); encoded != "" {
		bridgeURL += "?" + encoded
	}

	data := pageData{
		Lang:      doc.Lang,
		HTMLClass: doc.HTMLClass(),
		BodyClass: doc.BodyClass(),
		Title:     title,
		Avatar:    avatar,
		BridgeURL: bridgeURL,
		SSOURL:    h.opts.SSOURL,
		MaxAudio:  voicesvc.MaxUploadBytes,
	}

	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, data); err != nil {
		log.Printf("[embed] failed to render page: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// checkOrigin 只允许嵌入页自身（同源或 PublicURL）打开桥接连接。
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	normalized := bridge.NormalizeOrigin(origin)
	if normalized == "" {
		return false
	}
	if public := bridge.NormalizeOrigin(h.opts.PublicURL); public != "" && normalized == public {
		return true
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// EffectiveOrigins combines the server allow-list with the origins the host
// page asked for. Requested origins can only narrow an explicit server list;
// with a wildcard server list they replace it.
func EffectiveOrigins(server, requested []string) []string {
	serverPolicy := bridge.NewOriginPolicy(server)
	if len(requested) == 0 {
		return server
	}
	if serverPolicy.Wildcard() {
		return requested
	}
	out := make([]string, 0, len(requested))
	for _, origin := range requested {
		if serverPolicy.Allows(origin) {
			out = append(out, origin)
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type inboundFrame struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

type sessionFrame struct {
	Session string            `json:"session"`
	Doc     settings.Document `json:"document"`
}

// handleBridge 每个连接对应一个嵌入页实例：独立的令牌状态与页面设置。
func (h *Handler) handleBridge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	policy := bridge.NewOriginPolicy(EffectiveOrigins(h.opts.AllowedOrigins, splitList(q.Get("allowedOrigins"))))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[bridge] upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	state := bridge.NewAuthState()
	sessionID := h.opts.Registry.Register(state)
	defer h.opts.Registry.Remove(sessionID)

	store := settings.NewStore(h.opts.Language)

	// 在其他写入者启动之前发送会话标识。
	if err := conn.WriteJSON(sessionFrame{Session: sessionID, Doc: store.Current()}); err != nil {
		log.Printf("[bridge] failed to send session: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	port := bridge.NewWSPort(conn)
	store.OnChange(func(doc settings.Document) {
		if err := port.PostDocument(ctx, doc); err != nil {
			log.Printf("[bridge] failed to push settings session=%s: %v", sessionID, err)
		}
	})

	b := bridge.New(bridge.Options{
		Policy:    policy,
		State:     state,
		Port:      port,
		Settings:  store,
		Verifier:  h.opts.Verifier,
		Referrer:  q.Get("referrer"),
		TopOrigin: q.Get("topOrigin"),
	})

	log.Printf("[bridge] session %s opened origins=%v", sessionID, policy.Origins())
	defer log.Printf("[bridge] session %s closed", sessionID)

	if err := b.Start(ctx); err != nil {
		log.Printf("[bridge] failed to request token: %v", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(ctx, port)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[bridge] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := b.Handle(ctx, bridge.Envelope{Origin: frame.Origin, Data: frame.Data}); err != nil {
			log.Printf("[bridge] failed to answer session=%s: %v", sessionID, err)
			return
		}
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, port *bridge.WSPort) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := port.Ping(); err != nil {
				return
			}
		}
	}
}
