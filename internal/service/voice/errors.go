// Package voice records short voice notes and uploads them for transcription.
package voice

import (
	"errors"
	"fmt"
	"net/http"
)

// MaxUploadBytes is the client-side ceiling checked before any upload.
const MaxUploadBytes int64 = 15 * 1024 * 1024

var (
	// ErrInvalidState is returned for a transition the state machine forbids.
	ErrInvalidState = errors.New("invalid voice recorder state")
	// ErrPermissionDenied is returned when microphone access is refused.
	ErrPermissionDenied = errors.New("permiso de micrófono denegado")
	// ErrEmptyRecording is returned when a recording captured no audio.
	ErrEmptyRecording = errors.New("la grabación está vacía")
)

// TooLargeError is a recording over the upload ceiling. No request is made.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("El audio es demasiado grande (%.1f MB, máximo %.0f MB)", megabytes(e.Size), megabytes(e.Limit))
}

// UploadError is a non-2xx answer from the transcription endpoint, carrying
// a human-readable message.
type UploadError struct {
	Status  int
	Message string
}

func (e *UploadError) Error() string { return e.Message }

func newUploadError(status int, body string) *UploadError {
	switch status {
	case http.StatusRequestEntityTooLarge:
		return &UploadError{Status: status, Message: "El audio es demasiado grande (413)"}
	case http.StatusUnsupportedMediaType:
		return &UploadError{Status: status, Message: "Formato de audio no soportado (415)"}
	}
	if body != "" {
		return &UploadError{Status: status, Message: fmt.Sprintf("Error al transcribir el audio (%d): %s", status, body)}
	}
	return &UploadError{Status: status, Message: fmt.Sprintf("Error al transcribir el audio (%d)", status)}
}

func megabytes(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
