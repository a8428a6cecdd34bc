// ABOUTME: Node invocation and event bus shared by the gateway and bridge transports.
// ABOUTME: Routes invokes to node connections with a timeout race and broadcasts node events.

package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/protocol"
)

// DefaultInvokeTimeout bounds invokes that do not supply timeoutMs.
const DefaultInvokeTimeout = 30 * time.Second

// NodeConn is a live connection to a paired node, on either transport.
type NodeConn interface {
	NodeID() string
	// SendInvoke forwards an invoke frame to the node.
	SendInvoke(id, command, paramsJSON string) error
}

// EventSink receives node events on an operator connection.
type EventSink interface {
	SendNodeEvent(nodeID, event string, payloadJSON string)
}

// InvokeResult is a node's answer to one invoke.
type InvokeResult struct {
	OK      bool
	Payload json.RawMessage
	Err     *protocol.ErrorInfo
}

type invokeWaiter struct {
	nodeID string
	ch     chan *InvokeResult
}

// Bus owns the nodeId -> connection table, in-flight invoke waiters, and
// the operator event subscriber set. All state lives on the struct so
// multiple instances can coexist in tests.
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	conns       map[string]NodeConn
	waiters     map[string]*invokeWaiter
	subscribers map[string]EventSink
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		logger:      slog.Default().With("component", "bus"),
		conns:       make(map[string]NodeConn),
		waiters:     make(map[string]*invokeWaiter),
		subscribers: make(map[string]EventSink),
	}
}

// Register adds a node connection, replacing any previous connection for
// the same nodeId.
func (b *Bus) Register(conn NodeConn) {
	b.mu.Lock()
	prev, hadPrev := b.conns[conn.NodeID()]
	b.conns[conn.NodeID()] = conn
	b.mu.Unlock()

	if hadPrev && prev != conn {
		b.logger.Info("replaced node connection", "node_id", conn.NodeID())
	} else {
		b.logger.Info("node connected", "node_id", conn.NodeID())
	}
}

// Unregister removes a node connection and fails every invoke still
// waiting on that node with a transport-closed error. A stale connection
// (already replaced by a newer one) is ignored.
func (b *Bus) Unregister(conn NodeConn) {
	nodeID := conn.NodeID()

	b.mu.Lock()
	current, ok := b.conns[nodeID]
	if !ok || current != conn {
		b.mu.Unlock()
		return
	}
	delete(b.conns, nodeID)

	var orphaned []*invokeWaiter
	for id, w := range b.waiters {
		if w.nodeID == nodeID {
			orphaned = append(orphaned, w)
			delete(b.waiters, id)
		}
	}
	b.mu.Unlock()

	// A nil result on the waiter channel marks the disconnect; Invoke
	// turns it into a transport-closed error.
	for _, w := range orphaned {
		select {
		case w.ch <- nil:
		default:
		}
	}

	b.logger.Info("node disconnected", "node_id", nodeID, "orphaned_invokes", len(orphaned))
}

// Connected reports whether a node currently has a live connection.
func (b *Bus) Connected(nodeID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.conns[nodeID]
	return ok
}

// ConnectedIDs returns the ids of all currently connected nodes.
func (b *Bus) ConnectedIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	return ids
}

// Invoke runs a command on a node and waits for its result, bounded by
// timeout. The invoke id is fresh per call so concurrent invokes never
// collide. A node result arriving after the timeout is discarded.
func (b *Bus) Invoke(ctx context.Context, nodeID, command string, params json.RawMessage, timeout time.Duration) (*InvokeResult, error) {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	b.mu.RLock()
	conn, ok := b.conns[nodeID]
	b.mu.RUnlock()
	if !ok {
		return nil, &protocol.ErrorInfo{Code: protocol.CodeNotFound, Message: fmt.Sprintf("node not connected: %s", nodeID)}
	}

	id := uuid.NewString()
	w := &invokeWaiter{nodeID: nodeID, ch: make(chan *InvokeResult, 1)}

	b.mu.Lock()
	b.waiters[id] = w
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
	}

	if err := conn.SendInvoke(id, command, string(params)); err != nil {
		cleanup()
		return nil, &protocol.ErrorInfo{Code: protocol.CodeTransportClosed, Message: fmt.Sprintf("sending invoke: %v", err)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-w.ch:
		cleanup()
		if result == nil {
			return nil, &protocol.ErrorInfo{Code: protocol.CodeTransportClosed, Message: "node disconnected"}
		}
		return result, nil
	case <-timer.C:
		cleanup()
		b.logger.Warn("invoke timed out", "node_id", nodeID, "command", command, "invoke_id", id)
		return nil, &protocol.ErrorInfo{Code: protocol.CodeTimeout, Message: fmt.Sprintf("invoke timed out after %s", timeout)}
	case <-ctx.Done():
		cleanup()
		return nil, &protocol.ErrorInfo{Code: protocol.CodeTransportClosed, Message: "caller disconnected"}
	}
}

// HandleResult routes an invoke-res frame to the waiter for its id.
// Unknown ids (timed out or never issued) are discarded.
func (b *Bus) HandleResult(id string, result *InvokeResult) {
	b.mu.Lock()
	w, ok := b.waiters[id]
	if ok {
		delete(b.waiters, id)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("discarding late invoke result", "invoke_id", id)
		return
	}

	select {
	case w.ch <- result:
	default:
	}
}

// Subscribe registers an operator connection to receive node events.
func (b *Bus) Subscribe(operatorID string, sink EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[operatorID] = sink
}

// Unsubscribe removes an operator's event subscription.
func (b *Bus) Unsubscribe(operatorID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, operatorID)
}

// Publish broadcasts a node event to all subscribed operators.
// Fire-and-forget: there is no acknowledgment or replay.
func (b *Bus) Publish(nodeID, event string, payloadJSON string) {
	b.mu.RLock()
	sinks := make([]EventSink, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()

	for _, s := range sinks {
		s.SendNodeEvent(nodeID, event, payloadJSON)
	}

	b.logger.Debug("published node event", "node_id", nodeID, "event", event, "subscribers", len(sinks))
}
