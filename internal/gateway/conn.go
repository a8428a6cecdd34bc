// ABOUTME: Represents one control-plane client connection after handshake.
// ABOUTME: Serializes outbound frames and adapts node-role connections to the bus.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/relay-gateway/internal/protocol"
)

const writeTimeout = 10 * time.Second

// ClientConn is an authenticated control-plane connection.
type ClientConn struct {
	ID       string
	Role     string
	Mode     string
	Platform string
	Version  string
	Commands map[string]bool

	ws     *websocket.Conn
	logger *slog.Logger

	// writeMu serializes frames; concurrent handlers share the socket.
	writeMu sync.Mutex
}

func newClientConn(ws *websocket.Conn, hello *protocol.HelloParams, logger *slog.Logger) *ClientConn {
	commands := make(map[string]bool, len(hello.Commands))
	for _, c := range hello.Commands {
		commands[c] = true
	}
	return &ClientConn{
		ID:       hello.ClientID,
		Role:     hello.Role,
		Mode:     hello.Mode,
		Platform: hello.Platform,
		Version:  hello.Version,
		Commands: commands,
		ws:       ws,
		logger:   logger.With("client_id", hello.ClientID, "role", hello.Role),
	}
}

// write sends one frame, bounded by writeTimeout so a stalled peer
// cannot wedge handlers.
func (c *ClientConn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

// respond emits the single response frame for a request id.
func (c *ClientConn) respond(resp *protocol.Response) {
	if err := c.write(resp); err != nil {
		c.logger.Warn("failed to write response", "request_id", resp.ID, "error", err)
	}
}

// NodeID implements nodes.NodeConn for node-role connections.
func (c *ClientConn) NodeID() string {
	return c.ID
}

// SendInvoke pushes an invoke frame to a node-role connection.
func (c *ClientConn) SendInvoke(id, command, paramsJSON string) error {
	return c.write(&protocol.EventFrame{
		Type:  protocol.TypeEvent,
		Event: protocol.EventNodeInvoke,
		Payload: &protocol.NodeInvokePush{
			ID:         id,
			Command:    command,
			ParamsJSON: paramsJSON,
		},
	})
}

// SendNodeEvent implements nodes.EventSink for operator connections.
func (c *ClientConn) SendNodeEvent(nodeID, event string, payloadJSON string) {
	err := c.write(&protocol.EventFrame{
		Type:  protocol.TypeEvent,
		Event: protocol.EventNodeEvent,
		Payload: &protocol.NodeEventPayload{
			NodeID:      nodeID,
			Event:       event,
			PayloadJSON: payloadJSON,
		},
	})
	if err != nil {
		c.logger.Debug("dropping node event for unreachable operator", "error", err)
	}
}

// decodeParams unmarshals request params into a typed struct, mapping
// failures to an invalid-params error.
func decodeParams(raw json.RawMessage, v any) *protocol.ErrorInfo {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &protocol.ErrorInfo{Code: protocol.CodeInvalidParams, Message: "malformed params: " + err.Error()}
	}
	return nil
}
