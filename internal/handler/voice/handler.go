package voice

import (
	"context"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/middleware"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/bridge"
	chatservice "github.com/zhouzirui/z-tavern/chatbridge/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/render"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/sender"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/transport"
	voicesvc "github.com/zhouzirui/z-tavern/chatbridge/internal/service/voice"
	"github.com/zhouzirui/z-tavern/chatbridge/pkg/utils"
)

// multipart 表单除音频外的其余字段留出的余量。
const formOverhead = 1 << 20

// SenderResolver 根据访客标识解析 sender id。
type SenderResolver interface {
	SenderID(ctx context.Context, visitorKey string) (string, error)
}

// Options 配置语音处理器。
type Options struct {
	Transcriber voicesvc.Transcriber
	MaxBytes    int64
	Language    string
	STTMode     string
	// 以下依赖仅 /chat/audio 使用。
	Transport transport.Transport
	ChatSvc   *chatservice.Service
	Senders   SenderResolver
	Renderer  *render.Renderer
	// Auth 提供桥接会话中转的令牌。
	Auth *bridge.Registry
}

// Handler 语音上传与转写的HTTP处理器
type Handler struct {
	opts Options
}

// New 创建语音处理器
func New(opts Options) *Handler {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = voicesvc.MaxUploadBytes
	}
	return &Handler{opts: opts}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/voice/transcribe", h.handleTranscribe)
	r.Post("/chat/audio", h.handleChatAudio)
}

type upload struct {
	audio voicesvc.Audio
	size  int64
}

// readUpload 解析 multipart 请求并执行服务端的大小与格式校验。
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBytes+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "El audio es demasiado grande (413)")
			return upload{}, false
		}
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return upload{}, false
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file is required")
		return upload{}, false
	}
	defer file.Close()

	if header.Size > h.opts.MaxBytes {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, "El audio es demasiado grande (413)")
		return upload{}, false
	}

	mimeType := detectMime(header)
	if !voicesvc.AllowedMime(mimeType) {
		utils.RespondError(w, http.StatusUnsupportedMediaType, "Formato de audio no soportado (415)")
		return upload{}, false
	}

	data, err := io.ReadAll(io.LimitReader(file, h.opts.MaxBytes+1))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio")
		return upload{}, false
	}
	if int64(len(data)) > h.opts.MaxBytes {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, "El audio es demasiado grande (413)")
		return upload{}, false
	}
	if len(data) == 0 {
		utils.RespondError(w, http.StatusBadRequest, voicesvc.ErrEmptyRecording.Error())
		return upload{}, false
	}

	lang := r.FormValue("lang")
	if lang == "" {
		lang = h.opts.Language
	}
	mode := r.FormValue("stt")
	if mode == "" {
		mode = h.opts.STTMode
	}

	return upload{
		audio: voicesvc.Audio{
			Data:     data,
			MimeType: mimeType,
			Lang:     lang,
			Sender:   r.FormValue("sender"),
			Mode:     mode,
		},
		size: int64(len(data)),
	}, true
}

func (h *Handler) transcribe(w http.ResponseWriter, r *http.Request) (voicesvc.Transcription, upload, bool) {
	if h.opts.Transcriber == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, voicesvc.ErrSTTNotConfigured.Error())
		return voicesvc.Transcription{}, upload{}, false
	}

	up, ok := h.readUpload(w, r)
	if !ok {
		return voicesvc.Transcription{}, upload{}, false
	}

	result, err := h.opts.Transcriber.Transcribe(r.Context(), up.audio)
	if err != nil {
		log.Printf("[voice] transcription error: %v", err)
		if errors.Is(err, voicesvc.ErrSTTNotConfigured) {
			utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		} else {
			utils.RespondError(w, http.StatusBadGateway, "speech recognition failed")
		}
		return voicesvc.Transcription{}, upload{}, false
	}

	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.Mime == "" {
		result.Mime = up.audio.MimeType
	}
	log.Printf("[voice] transcribed %d bytes mime=%s lang=%s", up.size, up.audio.MimeType, up.audio.Lang)
	return result, up, true
}

// handleTranscribe 处理语音转文本请求
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	result, _, ok := h.transcribe(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleChatAudio 转写后把文本作为一条用户消息发送给对话后端。
func (h *Handler) handleChatAudio(w http.ResponseWriter, r *http.Request) {
	if h.opts.Transport == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "chat transport unavailable")
		return
	}

	result, up, ok := h.transcribe(w, r)
	if !ok {
		return
	}

	response := map[string]any{"transcription": result}
	if strings.TrimSpace(result.Transcript) == "" {
		response["replies"] = []render.Reply{}
		utils.RespondJSON(w, http.StatusOK, response)
		return
	}

	senderID := up.audio.Sender
	if senderID == "" && h.opts.Senders != nil {
		id, err := h.opts.Senders.SenderID(r.Context(), middleware.VisitorKey(r.Context()))
		if err != nil && !errors.Is(err, sender.ErrVisitorRequired) {
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		senderID = id
	}

	var entryID string
	if h.opts.ChatSvc != nil && senderID != "" {
		if entry, err := h.opts.ChatSvc.RecordUser(r.Context(), senderID, result.Transcript); err == nil {
			entryID = entry.ID
		}
	}

	// 与文字消息相同：先解析令牌，没有令牌即匿名请求。
	token := h.opts.Auth.RequestToken(r)

	replies, err := h.opts.Transport.Send(r.Context(), chat.SendRequest{
		Text:     result.Transcript,
		Sender:   senderID,
		Metadata: map[string]any{"source": "voice", "voice_id": result.ID},
		Token:    token,
	})
	if err != nil {
		if h.opts.ChatSvc != nil && entryID != "" {
			h.opts.ChatSvc.MarkFailed(r.Context(), senderID, entryID, err.Error())
		}
		status := http.StatusBadGateway
		if errors.Is(err, transport.ErrUnreachable) {
			status = http.StatusServiceUnavailable
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	if h.opts.ChatSvc != nil && senderID != "" {
		_ = h.opts.ChatSvc.RecordReplies(r.Context(), senderID, replies)
	}
	if h.opts.Renderer != nil {
		response["replies"] = h.opts.Renderer.Replies(replies)
	} else {
		response["replies"] = replies
	}
	utils.RespondJSON(w, http.StatusOK, response)
}

// detectMime 优先使用分片的 Content-Type，缺失时按扩展名推断。
func detectMime(header *multipart.FileHeader) string {
	if ct := strings.TrimSpace(header.Header.Get("Content-Type")); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".webm":
		return "audio/webm"
	case ".ogg", ".oga", ".opus":
		return "audio/ogg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
