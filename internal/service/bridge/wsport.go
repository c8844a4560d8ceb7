package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/settings"
)

const writeWait = 10 * time.Second

// OutboundFrame is what WSPort writes: the message plus the origin the
// browser side must hand it to.
type OutboundFrame struct {
	TargetOrigin string             `json:"targetOrigin,omitempty"`
	Data         json.RawMessage    `json:"data,omitempty"`
	Document     *settings.Document `json:"document,omitempty"`
}

// WSPort is a Port over a gorilla websocket connection. Writes are
// serialised; reads stay with the owner of the connection.
type WSPort struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSPort wraps conn.
func NewWSPort(conn *websocket.Conn) *WSPort {
	return &WSPort{conn: conn}
}

// PostMessage implements Port.
func (p *WSPort) PostMessage(ctx context.Context, msg Message, targetOrigin string) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.write(ctx, OutboundFrame{TargetOrigin: targetOrigin, Data: data})
}

// PostDocument pushes the current settings document to the embed page.
func (p *WSPort) PostDocument(ctx context.Context, doc settings.Document) error {
	return p.write(ctx, OutboundFrame{Document: &doc})
}

func (p *WSPort) write(ctx context.Context, frame OutboundFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return p.conn.WriteJSON(frame)
}

// Ping writes a websocket ping control frame.
func (p *WSPort) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
