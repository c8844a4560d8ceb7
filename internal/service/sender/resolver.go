package sender

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ErrVisitorRequired is returned when no visitor key is supplied.
var ErrVisitorRequired = errors.New("visitor key is required")

// Resolver hands out a stable sender id per visitor. The id is generated once
// and persisted; later calls return the cached value.
type Resolver struct {
	store Store

	mu    sync.Mutex
	newID func() string
}

// NewResolver wraps a Store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, newID: uuid.NewString}
}

// Session returns the visitor's session, creating and persisting it on first use.
func (r *Resolver) Session(ctx context.Context, visitorKey string) (WidgetSession, error) {
	if visitorKey == "" {
		return WidgetSession{}, ErrVisitorRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok, err := r.store.Get(ctx, visitorKey)
	if err != nil {
		return WidgetSession{}, err
	}
	if ok && session.SenderID != "" {
		return session, nil
	}

	session = WidgetSession{SenderID: r.newID()}
	if err := r.store.Put(ctx, visitorKey, session); err != nil {
		return WidgetSession{}, err
	}
	log.Printf("[sender] issued sender id for visitor=%s", visitorKey)
	return session, nil
}

// SenderID returns only the sender id for visitorKey.
func (r *Resolver) SenderID(ctx context.Context, visitorKey string) (string, error) {
	session, err := r.Session(ctx, visitorKey)
	if err != nil {
		return "", err
	}
	return session.SenderID, nil
}

// SetOpen records whether the widget was left open.
func (r *Resolver) SetOpen(ctx context.Context, visitorKey string, open bool) (WidgetSession, error) {
	session, err := r.Session(ctx, visitorKey)
	if err != nil {
		return WidgetSession{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session.Open = open
	if err := r.store.Put(ctx, visitorKey, session); err != nil {
		return WidgetSession{}, err
	}
	return session, nil
}

// Source binds a Resolver to one visitor so transports can resolve a sender
// lazily.
type Source struct {
	resolver   *Resolver
	visitorKey string
}

// For returns a Source for visitorKey.
func (r *Resolver) For(visitorKey string) Source {
	return Source{resolver: r, visitorKey: visitorKey}
}

// SenderID implements transport.SenderSource.
func (s Source) SenderID(ctx context.Context) (string, error) {
	return s.resolver.SenderID(ctx, s.visitorKey)
}
