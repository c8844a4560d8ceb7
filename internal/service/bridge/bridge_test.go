package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/settings"
)

type posted struct {
	msg    Message
	target string
}

type fakePort struct {
	mu   sync.Mutex
	sent []posted
}

func (p *fakePort) PostMessage(_ context.Context, msg Message, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, posted{msg: msg, target: target})
	return nil
}

func (p *fakePort) all() []posted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]posted(nil), p.sent...)
}

func frame(t *testing.T, m Message) []byte {
	t.Helper()
	data, err := Encode(m)
	require.NoError(t, err)
	return data
}

func TestStartPostsAuthRequest(t *testing.T) {
	port := &fakePort{}
	b := New(Options{Policy: NewOriginPolicy([]string{"https://host.example"}), Port: port})

	require.NoError(t, b.Start(context.Background()))
	sent := port.all()
	require.Len(t, sent, 1)
	assert.Equal(t, AuthRequest{}, sent[0].msg)
	assert.Equal(t, "https://host.example", sent[0].target)
}

func TestHandleTokenFromAllowedOrigin(t *testing.T) {
	b := New(Options{Policy: NewOriginPolicy([]string{"https://host.example"}), Port: &fakePort{}})

	err := b.Handle(context.Background(), Envelope{Origin: "https://host.example", Data: frame(t, AuthToken{Token: "abc"})})
	require.NoError(t, err)

	token, ok := b.State().Token()
	assert.True(t, ok)
	assert.Equal(t, "abc", token)
}

func TestHandleDropsDisallowedOrigins(t *testing.T) {
	port := &fakePort{}
	b := New(Options{Policy: NewOriginPolicy([]string{"https://host.example"}), Port: port})
	b.State().Set("original")

	origins := []string{"https://evil.example", "http://host.example", "https://host.example.evil", "", "null"}
	for _, origin := range origins {
		for _, m := range []Message{AuthToken{Token: "stolen"}, HostHello{}, ChatSettings{Theme: "dark"}} {
			err := b.Handle(context.Background(), Envelope{Origin: origin, Data: frame(t, m)})
			assert.NoError(t, err)
		}
	}

	token, _ := b.State().Token()
	assert.Equal(t, "original", token)
	assert.Empty(t, port.all())
}

func TestEmptyPolicyRejectsEverything(t *testing.T) {
	b := New(Options{Policy: NewOriginPolicy(nil), Port: &fakePort{}})
	_ = b.Handle(context.Background(), Envelope{Origin: "https://host.example", Data: frame(t, AuthToken{Token: "abc"})})
	_, ok := b.State().Token()
	assert.False(t, ok)
}

func TestWildcardMustBeExplicit(t *testing.T) {
	b := New(Options{Policy: NewOriginPolicy([]string{"*"}), Port: &fakePort{}})
	_ = b.Handle(context.Background(), Envelope{Origin: "https://anything.example", Data: frame(t, AuthToken{Token: "abc"})})
	_, ok := b.State().Token()
	assert.True(t, ok)
}

func TestHostHelloRepliesWithAuthRequest(t *testing.T) {
	port := &fakePort{}
	b := New(Options{Policy: NewOriginPolicy([]string{"*"}), Port: port, Referrer: "https://ref.example/page?a=1"})

	require.NoError(t, b.Handle(context.Background(), Envelope{Origin: "https://any.example", Data: frame(t, HostHello{})}))
	sent := port.all()
	require.Len(t, sent, 1)
	assert.Equal(t, AuthRequest{}, sent[0].msg)
	assert.Equal(t, "https://ref.example", sent[0].target)
}

func TestTargetOriginFallbacks(t *testing.T) {
	assert.Equal(t, "https://a.example", New(Options{Policy: NewOriginPolicy([]string{"*", "https://a.example"}), Referrer: "https://r.example"}).TargetOrigin())
	assert.Equal(t, "https://r.example", New(Options{Referrer: "https://r.example/x", TopOrigin: "https://t.example"}).TargetOrigin())
	assert.Equal(t, "https://t.example", New(Options{Referrer: "not a url", TopOrigin: "https://t.example"}).TargetOrigin())
	assert.Equal(t, "*", New(Options{}).TargetOrigin())
}

func TestChatSettingsApplied(t *testing.T) {
	store := settings.NewStore("es")
	b := New(Options{Policy: NewOriginPolicy([]string{"https://host.example"}), Settings: store})

	_ = b.Handle(context.Background(), Envelope{Origin: "https://host.example", Data: frame(t, ChatSettings{Theme: "dark", Contrast: "high", Lang: "en"})})
	doc := store.Current()
	assert.Equal(t, "theme-dark", doc.HTMLClass())
	assert.Equal(t, "contrast-high", doc.BodyClass())
	assert.Equal(t, "en", doc.Lang)
}

func TestVerifierRejectsBadTokens(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	b := New(Options{Policy: NewOriginPolicy([]string{"https://host.example"}), Verifier: verifier})

	_ = b.Handle(context.Background(), Envelope{Origin: "https://host.example", Data: frame(t, AuthToken{Token: "garbage"})})
	_, ok := b.State().Token()
	assert.False(t, ok)

	good, err := verifier.Generate("student-1", time.Minute)
	require.NoError(t, err)
	_ = b.Handle(context.Background(), Envelope{Origin: "https://host.example", Data: frame(t, AuthToken{Token: good})})
	token, ok := b.State().Token()
	assert.True(t, ok)
	assert.Equal(t, good, token)
}

func TestJWTVerifierExpired(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"))
	expired, err := verifier.Generate("s", -time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	sub, err := NewJWTVerifier([]byte("secret")).Verify(mustGenerate(t, verifier))
	require.NoError(t, err)
	assert.Equal(t, "s", sub)
}

func mustGenerate(t *testing.T, v *JWTVerifier) string {
	t.Helper()
	token, err := v.Generate("s", time.Minute)
	require.NoError(t, err)
	return token
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"auth:token","token":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, AuthToken{Token: "t"}, msg)

	msg, err = Decode([]byte(`{"type":"chat:settings","theme":"dark","lang":"es"}`))
	require.NoError(t, err)
	assert.Equal(t, ChatSettings{Theme: "dark", Lang: "es"}, msg)

	_, err = Decode([]byte(`{"type":"auth:revoke"}`))
	assert.True(t, errors.Is(err, ErrUnknownMessage))

	_, err = Decode([]byte(`{"type":"auth:token"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Decode([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestAuthStateSubscribe(t *testing.T) {
	state := NewAuthState()
	var snaps []Snapshot
	cancel := state.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })

	state.Set("a")
	cancel()
	state.Set("b")

	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].HasToken)
	assert.Equal(t, "a", snaps[0].Token)
	assert.Equal(t, Snapshot{HasToken: true, Token: "b"}, state.Snapshot())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	state := NewAuthState()
	id := reg.Register(state)

	got, ok := reg.Lookup(id)
	require.True(t, ok)
	assert.Same(t, state, got)
	assert.Equal(t, 1, reg.Len())

	reg.Remove(id)
	_, ok = reg.Lookup(id)
	assert.False(t, ok)
	_, ok = reg.Lookup("")
	assert.False(t, ok)
}

func TestRegistryRequestToken(t *testing.T) {
	reg := NewRegistry()
	state := NewAuthState()
	state.Set("bridge-token")
	id := reg.Register(state)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	assert.Empty(t, reg.RequestToken(req))

	req.Header.Set(SessionHeader, id)
	assert.Equal(t, "bridge-token", reg.RequestToken(req))

	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", reg.RequestToken(req))

	var nilReg *Registry
	assert.Equal(t, "header-token", nilReg.RequestToken(req))

	reg.Remove(id)
	req.Header.Del("Authorization")
	assert.Empty(t, reg.RequestToken(req))
}
