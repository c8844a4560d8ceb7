package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/transport"
)

// DefaultUploadPath is where recordings are posted.
const DefaultUploadPath = "/api/voice/transcribe"

// Transcription is the endpoint's answer.
type Transcription struct {
	ID         string `json:"id"`
	Transcript string `json:"transcript"`
	DurationMS int64  `json:"duration_ms"`
	Mime       string `json:"mime"`
}

// UploadOptions are the form fields sent next to the file.
type UploadOptions struct {
	Sender string
	Lang   string
	STT    string
	Token  string
}

// Uploader posts recordings to the transcription endpoint.
type Uploader struct {
	endpoint string
	maxBytes int64
	client   *http.Client
}

// NewUploader targets endpoint with the default 15 MiB ceiling.
func NewUploader(endpoint string, client *http.Client) *Uploader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Uploader{endpoint: endpoint, maxBytes: MaxUploadBytes, client: client}
}

// Upload validates rec locally and posts it as multipart form data. A
// recording over the ceiling fails with *TooLargeError and no request.
func (u *Uploader) Upload(ctx context.Context, rec Recording, opts UploadOptions) (Transcription, error) {
	// SizeBytes 由调用方填写，不能低于实际要上传的字节数。
	size := max(rec.SizeBytes, int64(len(rec.Blob)))
	if size > u.maxBytes {
		return Transcription{}, &TooLargeError{Size: size, Limit: u.maxBytes}
	}
	if len(rec.Blob) == 0 {
		return Transcription{}, ErrEmptyRecording
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	mimeType := rec.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName(mimeType)))
	header.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return Transcription{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(rec.Blob); err != nil {
		return Transcription{}, fmt.Errorf("failed to copy audio: %w", err)
	}

	for key, value := range map[string]string{"sender": opts.Sender, "lang": opts.Lang, "stt": opts.STT} {
		if value == "" {
			continue
		}
		if err := writer.WriteField(key, value); err != nil {
			return Transcription{}, fmt.Errorf("failed to write %s field: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return Transcription{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &body)
	if err != nil {
		return Transcription{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		log.Printf("[voice] upload failed: %v", err)
		return Transcription{}, fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Transcription{}, fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Transcription{}, newUploadError(resp.StatusCode, extractDetail(payload))
	}

	var result Transcription
	if err := json.Unmarshal(payload, &result); err != nil {
		return Transcription{}, fmt.Errorf("failed to decode transcription: %w", err)
	}
	log.Printf("[voice] uploaded %d bytes mime=%s transcript_len=%d", size, mimeType, len(result.Transcript))
	return result, nil
}

// extractDetail pulls a message out of a JSON error body, or returns the
// trimmed text.
func extractDetail(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		for _, v := range []string{parsed.Detail, parsed.Error, parsed.Message} {
			if v != "" {
				return v
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func fileName(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = mimeType
	}
	switch base {
	case "audio/webm":
		return "voice.webm"
	case "audio/ogg":
		return "voice.ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "voice.m4a"
	case "audio/mpeg":
		return "voice.mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "voice.wav"
	default:
		return "voice.bin"
	}
}
