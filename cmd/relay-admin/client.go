// ABOUTME: WebSocket control-plane client for the admin CLI
// ABOUTME: Performs the hello handshake and correlates request/response frames

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/protocol"
)

// adminClient is one operator connection.
type adminClient struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *rawResponse
	events  chan *protocol.NodeEventPayload
}

// rawResponse keeps the payload undecoded until the caller supplies a type.
type rawResponse struct {
	OK      bool                `json:"ok"`
	Payload json.RawMessage     `json:"payload"`
	Error   *protocol.ErrorInfo `json:"error"`
}

type inboundFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Payload json.RawMessage     `json:"payload"`
	Error   *protocol.ErrorInfo `json:"error"`
	Event   string              `json:"event"`
}

func dial(ctx context.Context, addr, token string) (*adminClient, error) {
	url := fmt.Sprintf("ws://%s/ws", addr)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to gateway: %w", err)
	}

	c := &adminClient{
		ws:      ws,
		pending: make(map[string]chan *rawResponse),
		events:  make(chan *protocol.NodeEventPayload, 64),
	}
	go c.readLoop()

	var hello protocol.HelloResult
	err = c.Call(ctx, protocol.MethodHello, protocol.HelloParams{
		Role:    protocol.RoleOperator,
		Mode:    "cli",
		Version: version,
		Token:   token,
	}, &hello)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}
	return c, nil
}

func (c *adminClient) Close() {
	_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
}

func (c *adminClient) readLoop() {
	ctx := context.Background()
	for {
		var f inboundFrame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[string]chan *rawResponse)
			c.mu.Unlock()
			close(c.events)
			return
		}

		switch f.Type {
		case protocol.TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &rawResponse{OK: f.OK, Payload: f.Payload, Error: f.Error}
			}
		case protocol.TypeEvent:
			if f.Event != protocol.EventNodeEvent {
				continue
			}
			var e protocol.NodeEventPayload
			if err := json.Unmarshal(f.Payload, &e); err == nil {
				select {
				case c.events <- &e:
				default:
				}
			}
		}
	}
}

// Call issues one request and decodes the success payload into result.
func (c *adminClient) Call(ctx context.Context, method string, params any, result any) error {
	id := uuid.NewString()

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		rawParams = encoded
	}

	ch := make(chan *rawResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := &protocol.Request{Type: protocol.TypeRequest, ID: id, Method: method, Params: rawParams}
	c.writeMu.Lock()
	err := wsjson.Write(ctx, c.ws, req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("sending request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("connection closed")
		}
		if !resp.OK {
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("request failed")
		}
		if result != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, result); err != nil {
				return fmt.Errorf("decoding payload: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// StreamEvents delivers node events to fn until the connection drops.
func (c *adminClient) StreamEvents(ctx context.Context, fn func(*protocol.NodeEventPayload)) error {
	for {
		select {
		case e, ok := <-c.events:
			if !ok {
				return fmt.Errorf("connection closed")
			}
			fn(e)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
