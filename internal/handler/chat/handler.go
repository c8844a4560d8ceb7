package chat

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/middleware"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/bridge"
	chatService "github.com/zhouzirui/z-tavern/chatbridge/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/links"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/render"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/sender"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/transport"
	"github.com/zhouzirui/z-tavern/chatbridge/pkg/utils"
)

// BridgeSessionHeader names the bridge session whose token a request uses.
const BridgeSessionHeader = bridge.SessionHeader

const maxBodyBytes = 64 << 10

// SenderResolver 根据访客标识解析 sender id。
type SenderResolver interface {
	Session(ctx context.Context, visitorKey string) (sender.WidgetSession, error)
	SetOpen(ctx context.Context, visitorKey string, open bool) (sender.WidgetSession, error)
}

// Handler 聊天代理的HTTP处理器
type Handler struct {
	transport transport.Transport
	chatSvc   *chatService.Service
	senders   SenderResolver
	auth      *bridge.Registry
	renderer  *render.Renderer
	tracker   *links.Tracker
}

// New 创建聊天处理器
func New(tr transport.Transport, chatSvc *chatService.Service, senders SenderResolver, auth *bridge.Registry, renderer *render.Renderer, tracker *links.Tracker) *Handler {
	return &Handler{
		transport: tr,
		chatSvc:   chatSvc,
		senders:   senders,
		auth:      auth,
		renderer:  renderer,
		tracker:   tracker,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleSend)
	r.Get("/chat/transcript", h.handleTranscript)
	r.Get("/chat/session", h.handleSession)
	r.Post("/chat/session", h.handleUpdateSession)
	r.Get("/chat/health", h.handleHealth)
	r.Post("/links/click", h.handleLinkClick)
}

type sendPayload struct {
	Text     string         `json:"text"`
	Message  string         `json:"message"`
	Sender   string         `json:"sender"`
	Metadata map[string]any `json:"metadata"`
}

type sendResponse struct {
	Sender  string         `json:"sender"`
	Replies []render.Reply `json:"replies"`
}

// handleSend 转发一条用户消息到对话后端
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload sendPayload
	if err := utils.DecodeJSON(r, &payload, maxBodyBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text := payload.Text
	if strings.TrimSpace(text) == "" {
		text = payload.Message
	}
	if strings.TrimSpace(text) == "" {
		utils.RespondError(w, http.StatusBadRequest, transport.ErrEmptyText.Error())
		return
	}

	senderID, err := h.resolveSender(r, payload.Sender)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 先解析令牌：没有令牌即匿名请求。
	token := h.resolveToken(r)

	entry, err := h.chatSvc.RecordUser(r.Context(), senderID, text)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	replies, err := h.transport.Send(r.Context(), chat.SendRequest{
		Text:     text,
		Sender:   senderID,
		Metadata: payload.Metadata,
		Token:    token,
	})
	if err != nil {
		h.chatSvc.MarkFailed(r.Context(), senderID, entry.ID, err.Error())
		h.respondTransportError(w, err)
		return
	}

	if err := h.chatSvc.RecordReplies(r.Context(), senderID, replies); err != nil {
		log.Printf("[chat] failed to record replies sender=%s: %v", senderID, err)
	}

	utils.RespondJSON(w, http.StatusOK, sendResponse{Sender: senderID, Replies: h.renderer.Replies(replies)})
}

func (h *Handler) respondTransportError(w http.ResponseWriter, err error) {
	var httpErr *transport.HTTPError
	switch {
	case errors.Is(err, transport.ErrEmptyText):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &httpErr):
		status := http.StatusBadGateway
		if httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden {
			status = httpErr.Status
		}
		utils.RespondErrorDetail(w, status, err.Error(), httpErr.Body)
	case errors.Is(err, transport.ErrUnreachable):
		utils.RespondError(w, http.StatusServiceUnavailable, transport.ErrUnreachable.Error())
	case errors.Is(err, chat.ErrUnexpectedReplies):
		utils.RespondError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("[chat] send failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "chat backend error")
	}
}

func (h *Handler) resolveSender(r *http.Request, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	if h.senders == nil {
		return "", transport.ErrSenderRequired
	}
	session, err := h.senders.Session(r.Context(), middleware.VisitorKey(r.Context()))
	if err != nil {
		return "", err
	}
	return session.SenderID, nil
}

// resolveToken 优先使用 Authorization 头，其次是桥接会话中转得到的令牌。
func (h *Handler) resolveToken(r *http.Request) string {
	return h.auth.RequestToken(r)
}

// handleTranscript 返回当前访客的聊天记录
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	senderID, err := h.resolveSender(r, r.URL.Query().Get("sender"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.chatSvc.LoadTranscript(r.Context(), senderID)
	if err != nil {
		if errors.Is(err, chatService.ErrNoTranscript) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{"sender": senderID, "entries": []chat.Entry{}})
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"sender": senderID, "entries": entries})
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if h.senders == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	session, err := h.senders.Session(r.Context(), middleware.VisitorKey(r.Context()))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	if h.senders == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	var payload struct {
		Open *bool `json:"open"`
	}
	if err := utils.DecodeJSON(r, &payload, maxBodyBytes); err != nil || payload.Open == nil {
		utils.RespondError(w, http.StatusBadRequest, "open is required")
		return
	}
	session, err := h.senders.SetOpen(r.Context(), middleware.VisitorKey(r.Context()), *payload.Open)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleHealth 仅用于连接状态指示，不影响消息发送。
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.transport.Health(r.Context()); err != nil {
		utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "error": err.Error()})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLinkClick 接收嵌入页的点击信标，尽力转发，永远返回 204。
func (h *Handler) handleLinkClick(w http.ResponseWriter, r *http.Request) {
	var click links.LinkClick
	if err := utils.DecodeJSON(r, &click, 8<<10); err == nil && click.URL != "" {
		if click.Sender == "" {
			if id, err := h.resolveSender(r, ""); err == nil {
				click.Sender = id
			}
		}
		log.Printf("[links] click url=%s sender=%s", click.URL, click.Sender)
		go h.tracker.Track(context.WithoutCancel(r.Context()), click)
	}
	w.WriteHeader(http.StatusNoContent)
}
