package bridge

import (
	"context"
	"errors"
	"log"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/settings"
)

// ErrNoPort is returned when a Bridge has nowhere to post.
var ErrNoPort = errors.New("bridge port not configured")

// Envelope is an inbound frame plus the origin it came from. Origin must come
// from the channel itself, never from the payload.
type Envelope struct {
	Origin string
	Data   []byte
}

// Port delivers a message to the other side of the channel.
type Port interface {
	PostMessage(ctx context.Context, msg Message, targetOrigin string) error
}

// Options configures a Bridge.
type Options struct {
	Policy   OriginPolicy
	State    *AuthState
	Port     Port
	Settings *settings.Store
	Verifier TokenVerifier
	// Referrer and TopOrigin are fallbacks for the reply target.
	Referrer  string
	TopOrigin string
}

// Bridge is the embed side of the token relay. There are no retries, timeouts
// or acknowledgements: a host that never answers leaves the state anonymous.
type Bridge struct {
	policy    OriginPolicy
	state     *AuthState
	port      Port
	settings  *settings.Store
	verifier  TokenVerifier
	referrer  string
	topOrigin string
}

// New builds a Bridge. A nil State gets a fresh anonymous one.
func New(opts Options) *Bridge {
	state := opts.State
	if state == nil {
		state = NewAuthState()
	}
	if opts.Policy.Wildcard() {
		log.Printf("[bridge] WARNING: wildcard origin configured, any page may relay tokens")
	}
	return &Bridge{
		policy:    opts.Policy,
		state:     state,
		port:      opts.Port,
		settings:  opts.Settings,
		verifier:  opts.Verifier,
		referrer:  opts.Referrer,
		topOrigin: opts.TopOrigin,
	}
}

// State returns the bridge's AuthState.
func (b *Bridge) State() *AuthState { return b.state }

// Start posts one AuthRequest so the host can answer proactively.
func (b *Bridge) Start(ctx context.Context) error {
	return b.post(ctx, AuthRequest{})
}

// Handle processes one inbound frame. Frames from disallowed origins are
// dropped without a trace to the sender; malformed frames are logged and
// dropped. Only a failure to post a reply is returned.
func (b *Bridge) Handle(ctx context.Context, env Envelope) error {
	if !b.policy.Allows(env.Origin) {
		return nil
	}

	msg, err := Decode(env.Data)
	if err != nil {
		log.Printf("[bridge] dropped frame from origin=%s: %v", env.Origin, err)
		return nil
	}

	switch m := msg.(type) {
	case AuthToken:
		if m.Token != "" && b.verifier != nil {
			if _, err := b.verifier.Verify(m.Token); err != nil {
				log.Printf("[bridge] rejected token from origin=%s: %v", env.Origin, err)
				return nil
			}
		}
		b.state.Set(m.Token)
		log.Printf("[bridge] token updated origin=%s hasToken=%t", env.Origin, m.Token != "")
	case HostHello:
		return b.post(ctx, AuthRequest{})
	case ChatSettings:
		if b.settings != nil {
			b.settings.Apply(settings.Update{Theme: m.Theme, Contrast: m.Contrast, Lang: m.Lang})
		}
	case AuthRequest:
		// 自己发出的请求被回显，忽略。
	default:
		log.Printf("[bridge] unhandled message type %s", msg.Type())
	}
	return nil
}

// TargetOrigin picks where replies go: the first configured origin, then the
// referrer's origin, then the top frame's origin, then "*".
func (b *Bridge) TargetOrigin() string {
	if origin := b.policy.Preferred(); origin != "" {
		return origin
	}
	if origin := NormalizeOrigin(b.referrer); origin != "" {
		return origin
	}
	if origin := NormalizeOrigin(b.topOrigin); origin != "" {
		return origin
	}
	return Wildcard
}

func (b *Bridge) post(ctx context.Context, msg Message) error {
	if b.port == nil {
		return ErrNoPort
	}
	return b.port.PostMessage(ctx, msg, b.TargetOrigin())
}
