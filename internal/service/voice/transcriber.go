package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrSTTNotConfigured is returned when no speech-to-text backend is set.
var ErrSTTNotConfigured = errors.New("speech-to-text backend not configured")

var allowedMimeTypes = map[string]struct{}{
	"audio/webm":  {},
	"audio/ogg":   {},
	"audio/mp4":   {},
	"audio/m4a":   {},
	"audio/x-m4a": {},
	"audio/mpeg":  {},
	"audio/wav":   {},
	"audio/x-wav": {},
	"audio/wave":  {},
}

// AllowedMime reports whether the server accepts this audio type. Codec
// parameters such as ";codecs=opus" are ignored.
func AllowedMime(contentType string) bool {
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := allowedMimeTypes[strings.ToLower(base)]
	return ok
}

// Audio is an uploaded voice note on the server side.
type Audio struct {
	Data     []byte
	MimeType string
	Lang     string
	Sender   string
	Mode     string
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (Transcription, error)
}

// WhisperTranscriber calls an OpenAI-compatible /audio/transcriptions endpoint.
type WhisperTranscriber struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewWhisperTranscriber targets url (the full transcriptions endpoint).
func NewWhisperTranscriber(url, apiKey, model string) *WhisperTranscriber {
	if model == "" {
		model = "whisper-1"
	}
	return &WhisperTranscriber{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe implements Transcriber.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, audio Audio) (Transcription, error) {
	if t == nil || t.url == "" {
		return Transcription{}, ErrSTTNotConfigured
	}

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	part, err := writer.CreateFormFile("file", fileName(audio.MimeType))
	if err != nil {
		return Transcription{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio.Data); err != nil {
		return Transcription{}, fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := writer.WriteField("model", t.model); err != nil {
		return Transcription{}, fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return Transcription{}, fmt.Errorf("failed to write response_format field: %w", err)
	}
	if audio.Lang != "" {
		if err := writer.WriteField("language", primaryLang(audio.Lang)); err != nil {
			return Transcription{}, fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return Transcription{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, &requestBody)
	if err != nil {
		return Transcription{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transcription{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Transcription{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Transcription{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return Transcription{
		Transcript: strings.TrimSpace(result.Text),
		DurationMS: int64(result.Duration * 1000),
		Mime:       audio.MimeType,
	}, nil
}

func primaryLang(lang string) string {
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		return strings.ToLower(lang[:idx])
	}
	return strings.ToLower(lang)
}
