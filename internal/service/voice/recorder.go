package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"sync"
)

// State of a Recorder.
type State string

const (
	StateIdle      State = "idle"
	StateOpening   State = "opening"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
	StateUploading State = "uploading"
	StateError     State = "error"
)

// Stream is an open microphone. Read yields audio chunks until Close.
type Stream interface {
	io.ReadCloser
	MimeType() string
}

// Microphone opens audio streams. Implementations return an error wrapping
// ErrPermissionDenied when access is refused.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Recording is a finalised voice note.
type Recording struct {
	Blob      []byte
	MimeType  string
	SizeBytes int64
}

type permission int

const (
	permissionUnknown permission = iota
	permissionGranted
	permissionDenied
)

// Recorder drives idle → recording → stopped → uploading → idle | error.
// Start passes through opening while the microphone prompt is pending.
// The microphone permission outcome is cached for the recorder's lifetime.
type Recorder struct {
	mic Microphone

	mu      sync.Mutex
	state   State
	perm    permission
	stream  Stream
	buf     bytes.Buffer
	readErr error
	done    chan struct{}
	lastErr error
}

// NewRecorder returns an idle recorder.
func NewRecorder(mic Microphone) *Recorder {
	return &Recorder{mic: mic, state: StateIdle}
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that moved the recorder into StateError.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Start opens the microphone and begins accumulating chunks. A denied
// permission leaves the recorder idle.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle && r.state != StateError {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	if r.perm == permissionDenied {
		r.mu.Unlock()
		return ErrPermissionDenied
	}
	prev := r.state
	r.state = StateOpening
	r.mu.Unlock()

	// 权限弹窗可能一直挂起，Open 期间不持有锁。
	stream, err := r.mic.Open(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			r.perm = permissionDenied
			r.state = StateIdle
			return ErrPermissionDenied
		}
		r.state = prev
		return fmt.Errorf("open microphone: %w", err)
	}
	r.perm = permissionGranted

	r.buf.Reset()
	r.readErr = nil
	r.lastErr = nil
	r.stream = stream
	r.done = make(chan struct{})
	r.state = StateRecording

	go r.capture(stream, r.done)
	return nil
}

func (r *Recorder) capture(stream Stream, done chan struct{}) {
	defer close(done)

	chunk := make([]byte, 32<<10)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			r.mu.Lock()
			r.buf.Write(chunk[:n])
			r.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, fs.ErrClosed) {
				r.mu.Lock()
				r.readErr = err
				r.mu.Unlock()
			}
			return
		}
	}
}

// Stop closes the microphone and returns the finalised recording.
func (r *Recorder) Stop() (Recording, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		state := r.state
		r.mu.Unlock()
		return Recording{}, fmt.Errorf("%w: stop from %s", ErrInvalidState, state)
	}
	stream, done := r.stream, r.done
	r.mu.Unlock()

	closeErr := stream.Close()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream = nil

	if r.readErr != nil {
		r.fail(fmt.Errorf("capture audio: %w", r.readErr))
		return Recording{}, r.lastErr
	}
	if closeErr != nil {
		log.Printf("[voice] microphone close: %v", closeErr)
	}
	if r.buf.Len() == 0 {
		r.state = StateIdle
		return Recording{}, ErrEmptyRecording
	}

	blob := append([]byte(nil), r.buf.Bytes()...)
	r.buf.Reset()
	r.state = StateStopped
	return Recording{Blob: blob, MimeType: stream.MimeType(), SizeBytes: int64(len(blob))}, nil
}

// Abort discards any captured audio and returns to idle.
func (r *Recorder) Abort() error {
	r.mu.Lock()
	switch r.state {
	case StateRecording:
		stream, done := r.stream, r.done
		r.mu.Unlock()
		_ = stream.Close()
		<-done
		r.mu.Lock()
	case StateStopped, StateError:
	default:
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: abort from %s", ErrInvalidState, state)
	}
	defer r.mu.Unlock()

	r.stream = nil
	r.buf.Reset()
	r.readErr = nil
	r.lastErr = nil
	r.state = StateIdle
	return nil
}

// Upload sends rec through up. Success returns the recorder to idle;
// failure leaves it in StateError with the error available from Err.
func (r *Recorder) Upload(ctx context.Context, up *Uploader, rec Recording, opts UploadOptions) (Transcription, error) {
	r.mu.Lock()
	if r.state != StateStopped {
		state := r.state
		r.mu.Unlock()
		return Transcription{}, fmt.Errorf("%w: upload from %s", ErrInvalidState, state)
	}
	r.state = StateUploading
	r.mu.Unlock()

	result, err := up.Upload(ctx, rec, opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.fail(err)
		return Transcription{}, err
	}
	r.state = StateIdle
	return result, nil
}

func (r *Recorder) fail(err error) {
	r.state = StateError
	r.lastErr = err
	log.Printf("[voice] recorder error: %v", err)
}

// Close releases the microphone if a recording is in progress.
func (r *Recorder) Close() error {
	switch r.State() {
	case StateRecording, StateStopped:
		return r.Abort()
	}
	return nil
}
