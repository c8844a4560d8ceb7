// Package health exposes liveness, readiness and a live connection-status
// stream for the embed page indicator.
package health

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatbridge/pkg/utils"
)

const defaultInterval = 8 * time.Second

// Checker reports whether the chat backend answers.
type Checker interface {
	Health(ctx context.Context) error
}

// Counter reports the number of open bridge sessions.
type Counter interface {
	Len() int
}

// Handler 健康检查处理器
type Handler struct {
	checker  Checker
	sessions Counter
	mode     string
	interval time.Duration
	started  time.Time
}

// New 创建健康检查处理器；interval 为状态流的探测间隔。
func New(checker Checker, sessions Counter, mode string, interval time.Duration) *Handler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Handler{
		checker:  checker,
		sessions: sessions,
		mode:     mode,
		interval: interval,
		started:  time.Now(),
	}
}

// RegisterRoutes 注册探针路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleLive)
	r.Get("/live", h.handleLive)
	r.Get("/ready", h.handleReady)
	r.Get("/status", h.handleStatus)
}

// RegisterStreamRoutes 注册状态推送路由
func (h *Handler) RegisterStreamRoutes(r chi.Router) {
	r.Get("/chat/status/stream", h.handleStream)
}

func (h *Handler) handleLive(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady 后端不可达时返回 503。
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := h.check(r.Context())
	status := http.StatusOK
	if snap.State != stateOnline {
		status = http.StatusServiceUnavailable
	}
	utils.RespondJSON(w, status, snap)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.check(r.Context())
	body := map[string]any{
		"backend": snap,
		"mode":    h.mode,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	if h.sessions != nil {
		body["bridgeSessions"] = h.sessions.Len()
	}
	utils.RespondJSON(w, http.StatusOK, body)
}

const (
	stateOnline  = "online"
	stateOffline = "offline"
)

type snapshot struct {
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checkedAt"`
}

func (h *Handler) check(ctx context.Context) snapshot {
	snap := snapshot{State: stateOnline, CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	if h.checker == nil {
		return snap
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.checker.Health(ctx); err != nil {
		snap.State = stateOffline
		snap.Error = err.Error()
	}
	return snap
}

// handleStream 推送后端连接状态：状态变化时发送 status 事件，否则发送心跳注释。
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	log.Printf("[sse] opening status stream")
	defer log.Printf("[sse] closing status stream")

	last := h.check(ctx)
	if err := utils.SendSSEEvent(w, flusher, "status", last); err != nil {
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.check(ctx)
			var err error
			if snap.State != last.State {
				err = utils.SendSSEEvent(w, flusher, "status", snap)
			} else {
				err = utils.SendSSEComment(w, flusher, "heartbeat")
			}
			if err != nil {
				return
			}
			last = snap
		}
	}
}
