package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
)

type fakeTokens struct {
	token string
	calls int32
}

func (f *fakeTokens) Token() (string, bool) {
	atomic.AddInt32(&f.calls, 1)
	return f.token, f.token != ""
}

func newREST(url string, tokens TokenSource) *RESTClient {
	return NewRESTClient(config.TransportConfig{RESTURL: url, HealthURL: url + "/health"}, Deps{
		Sender: StaticSender("visitor-1"),
		Tokens: tokens,
	})
}

func TestRESTSendRendersReply(t *testing.T) {
	var body chat.WireBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"text":"Te ayudo con fracciones"}]`))
	}))
	defer srv.Close()

	replies, err := newREST(srv.URL, nil).Send(context.Background(), chat.SendRequest{Text: "Necesito ayuda con fracciones"})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "Te ayudo con fracciones", replies[0].Text)

	assert.Equal(t, "visitor-1", body.Sender)
	assert.Equal(t, "Necesito ayuda con fracciones", body.Text)
	assert.Equal(t, "Necesito ayuda con fracciones", body.Message)
}

func TestRESTSendRejectsBlankTextWithoutNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "abc"}
	client := newREST(srv.URL, tokens)
	for _, text := range []string{"", "   ", "\n\t "} {
		_, err := client.Send(context.Background(), chat.SendRequest{Text: text})
		assert.ErrorIs(t, err, ErrEmptyText)
	}
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestRESTSendAttachesBearerOnlyWithToken(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"replies":[]}`))
	}))
	defer srv.Close()

	anon := &fakeTokens{}
	_, err := newREST(srv.URL, anon).Send(context.Background(), chat.SendRequest{Text: "hola"})
	require.NoError(t, err)
	assert.Equal(t, "", auth.Load())
	assert.Equal(t, int32(1), atomic.LoadInt32(&anon.calls), "token must be resolved even when absent")

	_, err = newREST(srv.URL, &fakeTokens{token: "jwt-1"}).Send(context.Background(), chat.SendRequest{Text: "hola"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer jwt-1", auth.Load())

	_, err = newREST(srv.URL, &fakeTokens{token: "jwt-1"}).Send(context.Background(), chat.SendRequest{Text: "hola", Token: "explicit"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer explicit", auth.Load())
}

func TestRESTSendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expirado", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newREST(srv.URL, nil).Send(context.Background(), chat.SendRequest{Text: "hola"})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "token expirado")
}

func TestRESTSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newREST(url, nil).Send(context.Background(), chat.SendRequest{Text: "hola"})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "servidor no responde")
}

func TestRESTSendUnexpectedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"foo":1}`))
	}))
	defer srv.Close()

	_, err := newREST(srv.URL, nil).Send(context.Background(), chat.SendRequest{Text: "hola"})
	assert.ErrorIs(t, err, chat.ErrUnexpectedReplies)
}

func TestRESTHealth(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	client := newREST(srv.URL, nil)
	assert.NoError(t, client.Health(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, client.Health(context.Background()))
}

func TestProbeHostTriesPathsInOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/health", "/status":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	path, err := ProbeHost(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "/live", path)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/health", "/status", "/live"}, seen)
}

func TestProbeHostAllFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := ProbeHost(context.Background(), srv.Client(), srv.URL)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestNewPicksTransportByMode(t *testing.T) {
	tr, err := New(config.TransportConfig{Mode: config.ModeREST}, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &RESTClient{}, tr)

	tr, err = New(config.TransportConfig{Mode: config.ModeWS}, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &WSTransport{}, tr)

	tr, err = New(config.TransportConfig{Mode: config.ModeSocketIO}, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &SocketIOTransport{}, tr)

	_, err = New(config.TransportConfig{Mode: config.ModeLLM}, Deps{})
	assert.Error(t, err)

	_, err = New(config.TransportConfig{Mode: "carrier-pigeon"}, Deps{})
	assert.Error(t, err)
}

type echoReplier struct{}

func (echoReplier) Reply(_ context.Context, sender, text string) (string, error) {
	return sender + ":" + text, nil
}

func TestLLMTransport(t *testing.T) {
	tr := NewLLMTransport(echoReplier{}, StaticSender("s"))
	replies, err := tr.Send(context.Background(), chat.SendRequest{Text: "hola"})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "s:hola", replies[0].Text)

	_, err = tr.Send(context.Background(), chat.SendRequest{Text: " "})
	assert.ErrorIs(t, err, ErrEmptyText)
}
