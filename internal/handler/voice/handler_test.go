package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/bridge"
	chatservice "github.com/zhouzirui/z-tavern/chatbridge/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/render"
	voicesvc "github.com/zhouzirui/z-tavern/chatbridge/internal/service/voice"
)

type fakeTranscriber struct {
	last   voicesvc.Audio
	text   string
	called int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio voicesvc.Audio) (voicesvc.Transcription, error) {
	f.called++
	f.last = audio
	return voicesvc.Transcription{Transcript: f.text, DurationMS: 1200}, nil
}

type fakeTransport struct {
	last chat.SendRequest
}

func (f *fakeTransport) Send(_ context.Context, req chat.SendRequest) ([]chat.Message, error) {
	f.last = req
	return []chat.Message{{Text: "Respuesta a: " + req.Text}}, nil
}

func (f *fakeTransport) Health(context.Context) error { return nil }

func buildUpload(t *testing.T, mimeType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="nota.webm"`)
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestTranscribeSuccess(t *testing.T) {
	stt := &fakeTranscriber{text: "hola"}
	router := newRouter(New(Options{Transcriber: stt, MaxBytes: 1024, Language: "es-ES"}))

	body, contentType := buildUpload(t, "audio/webm;codecs=opus", []byte("voice-bytes"), map[string]string{"sender": "u-1"})
	req := httptest.NewRequest(http.MethodPost, "/voice/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hola", resp["transcript"])
	assert.NotEmpty(t, resp["id"])
	assert.Equal(t, float64(1200), resp["duration_ms"])
	assert.Equal(t, "audio/webm;codecs=opus", resp["mime"])

	assert.Equal(t, "es-ES", stt.last.Lang)
	assert.Equal(t, "u-1", stt.last.Sender)
	assert.Equal(t, []byte("voice-bytes"), stt.last.Data)
}

func TestTranscribeTooLarge(t *testing.T) {
	stt := &fakeTranscriber{text: "hola"}
	router := newRouter(New(Options{Transcriber: stt, MaxBytes: 16}))

	body, contentType := buildUpload(t, "audio/webm", bytes.Repeat([]byte("a"), 64), nil)
	req := httptest.NewRequest(http.MethodPost, "/voice/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "413")
	assert.Zero(t, stt.called)
}

func TestTranscribeUnsupportedMime(t *testing.T) {
	stt := &fakeTranscriber{text: "hola"}
	router := newRouter(New(Options{Transcriber: stt, MaxBytes: 1024}))

	body, contentType := buildUpload(t, "text/plain", []byte("not audio"), nil)
	req := httptest.NewRequest(http.MethodPost, "/voice/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Contains(t, rec.Body.String(), "415")
	assert.Zero(t, stt.called)
}

func TestTranscribeMissingFile(t *testing.T) {
	router := newRouter(New(Options{Transcriber: &fakeTranscriber{}, MaxBytes: 1024}))

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("sender", "u-1"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/voice/transcribe", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranscribeWithoutBackend(t *testing.T) {
	router := newRouter(New(Options{}))

	body, contentType := buildUpload(t, "audio/webm", []byte("x"), nil)
	req := httptest.NewRequest(http.MethodPost, "/voice/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatAudioSendsTranscript(t *testing.T) {
	stt := &fakeTranscriber{text: "quiero aprender fracciones"}
	tr := &fakeTransport{}
	chatSvc := chatservice.NewService()
	router := newRouter(New(Options{
		Transcriber: stt,
		MaxBytes:    1024,
		Transport:   tr,
		ChatSvc:     chatSvc,
		Renderer:    render.New(""),
	}))

	body, contentType := buildUpload(t, "audio/ogg", []byte("voice"), map[string]string{"sender": "alumno-7"})
	req := httptest.NewRequest(http.MethodPost, "/chat/audio", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "quiero aprender fracciones", tr.last.Text)
	assert.Equal(t, "alumno-7", tr.last.Sender)
	assert.Equal(t, "voice", tr.last.Metadata["source"])

	var resp struct {
		Transcription voicesvc.Transcription `json:"transcription"`
		Replies       []map[string]any       `json:"replies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "quiero aprender fracciones", resp.Transcription.Transcript)
	require.Len(t, resp.Replies, 1)

	entries, err := chatSvc.LoadTranscript(context.Background(), "alumno-7")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestChatAudioUsesBridgeToken(t *testing.T) {
	registry := bridge.NewRegistry()
	state := bridge.NewAuthState()
	state.Set("bridge-token")
	session := registry.Register(state)

	tr := &fakeTransport{}
	router := newRouter(New(Options{
		Transcriber: &fakeTranscriber{text: "hola"},
		MaxBytes:    1024,
		Transport:   tr,
		Auth:        registry,
	}))

	body, contentType := buildUpload(t, "audio/webm", []byte("voice"), map[string]string{"sender": "alumno-7"})
	req := httptest.NewRequest(http.MethodPost, "/chat/audio", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(bridge.SessionHeader, session)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "bridge-token", tr.last.Token)
}

func TestChatAudioAnonymousWithoutSession(t *testing.T) {
	tr := &fakeTransport{}
	router := newRouter(New(Options{
		Transcriber: &fakeTranscriber{text: "hola"},
		MaxBytes:    1024,
		Transport:   tr,
		Auth:        bridge.NewRegistry(),
	}))

	body, contentType := buildUpload(t, "audio/webm", []byte("voice"), map[string]string{"sender": "alumno-7"})
	req := httptest.NewRequest(http.MethodPost, "/chat/audio", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, tr.last.Token)
}
