// Package bridge relays an access token from the host page into the embed
// page over a postMessage-style channel.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire types of the bridge protocol.
const (
	TypeAuthRequest  = "auth:request"
	TypeAuthToken    = "auth:token"
	TypeHostHello    = "host:hello"
	TypeChatSettings = "chat:settings"
)

var (
	// ErrUnknownMessage is returned by Decode for an unrecognised type.
	ErrUnknownMessage = errors.New("unknown bridge message type")
	// ErrMalformedMessage is returned by Decode for invalid JSON.
	ErrMalformedMessage = errors.New("malformed bridge message")
)

// Message is one of AuthRequest, AuthToken, HostHello or ChatSettings.
type Message interface {
	Type() string
	sealed()
}

// AuthRequest asks the host for a token (embed to host).
type AuthRequest struct{}

// AuthToken carries the host's token (host to embed).
type AuthToken struct {
	Token string `json:"token"`
}

// HostHello announces the host; the embed answers with an AuthRequest.
type HostHello struct{}

// ChatSettings pushes theme, contrast and language into the embed page.
type ChatSettings struct {
	Theme    string `json:"theme,omitempty"`
	Contrast string `json:"contrast,omitempty"`
	Lang     string `json:"lang,omitempty"`
}

func (AuthRequest) Type() string  { return TypeAuthRequest }
func (AuthToken) Type() string    { return TypeAuthToken }
func (HostHello) Type() string    { return TypeHostHello }
func (ChatSettings) Type() string { return TypeChatSettings }

func (AuthRequest) sealed()  {}
func (AuthToken) sealed()    {}
func (HostHello) sealed()    {}
func (ChatSettings) sealed() {}

type envelope struct {
	Type     string  `json:"type"`
	Token    *string `json:"token,omitempty"`
	Theme    string  `json:"theme,omitempty"`
	Contrast string  `json:"contrast,omitempty"`
	Lang     string  `json:"lang,omitempty"`
}

// Decode parses a bridge frame.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeAuthRequest:
		return AuthRequest{}, nil
	case TypeAuthToken:
		if env.Token == nil {
			return nil, fmt.Errorf("%w: auth:token without token", ErrMalformedMessage)
		}
		return AuthToken{Token: *env.Token}, nil
	case TypeHostHello:
		return HostHello{}, nil
	case TypeChatSettings:
		return ChatSettings{Theme: env.Theme, Contrast: env.Contrast, Lang: env.Lang}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// Encode renders m as a bridge frame.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type()}
	switch msg := m.(type) {
	case AuthRequest, HostHello:
	case AuthToken:
		token := msg.Token
		env.Token = &token
	case ChatSettings:
		env.Theme = msg.Theme
		env.Contrast = msg.Contrast
		env.Lang = msg.Lang
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return json.Marshal(env)
}
