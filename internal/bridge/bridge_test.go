// ABOUTME: Tests for the device bridge over a real loopback listener.
// ABOUTME: Covers pairing, token auth, ping, invoke forwarding, events, and req frames.

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/nodes"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
)

type testEnv struct {
	server  *Server
	pairing *nodes.Pairing
	bus     *nodes.Bus
	store   store.Store
}

func newTestEnv(t *testing.T, rpc RPCHandler) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "nodes.db"))
	require.NoError(t, err)

	pairing := nodes.NewPairing(s)
	bus := nodes.NewBus()

	srv := NewServer(config.BridgeConfig{Addr: "127.0.0.1:0"}, "test-gateway", pairing, bus, rpc)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		srv.Close()
		pairing.Close()
		s.Close()
	})
	return &testEnv{server: srv, pairing: pairing, bus: bus, store: s}
}

// nodeClient is a minimal bridge peer for driving the server in tests.
type nodeClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialBridge(t *testing.T, addr string) *nodeClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &nodeClient{conn: conn, scanner: scanner}
}

func (c *nodeClient) send(t *testing.T, f *protocol.BridgeFrame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (c *nodeClient) recv(t *testing.T) *protocol.BridgeFrame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.True(t, c.scanner.Scan(), "expected a frame, got: %v", c.scanner.Err())
	var f protocol.BridgeFrame
	require.NoError(t, json.Unmarshal(c.scanner.Bytes(), &f))
	return &f
}

// pairNode runs a full pair-request/approve/hello sequence and returns the
// client holding an authenticated connection plus its issued token.
func pairNode(t *testing.T, env *testEnv, nodeID string) (*nodeClient, string) {
	t.Helper()
	client := dialBridge(t, env.server.Addr())
	client.send(t, &protocol.BridgeFrame{
		Type:        protocol.BridgePairRequest,
		NodeID:      nodeID,
		DisplayName: "Test Node",
		Commands:    []string{"camera.snap"},
	})

	var requestID string
	require.Eventually(t, func() bool {
		pending := env.pairing.ListPending()
		if len(pending) == 0 {
			return false
		}
		requestID = pending[0].RequestID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err := env.pairing.Approve(context.Background(), requestID)
	require.NoError(t, err)

	pairOK := client.recv(t)
	require.Equal(t, protocol.BridgePairOK, pairOK.Type)
	require.NotEmpty(t, pairOK.Token)

	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgeHello, Token: pairOK.Token})
	helloOK := client.recv(t)
	require.Equal(t, protocol.BridgeHelloOK, helloOK.Type)
	require.Equal(t, "test-gateway", helloOK.ServerName)

	return client, pairOK.Token
}

func TestBridge_PairAndHello(t *testing.T) {
	env := newTestEnv(t, nil)

	_, token := pairNode(t, env, "node-1")

	node, err := env.store.GetNodeByToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.NodeID)

	require.Eventually(t, func() bool {
		return env.bus.Connected("node-1")
	}, time.Second, 10*time.Millisecond)
}

func TestBridge_PairRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	client := dialBridge(t, env.server.Addr())
	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgePairRequest, NodeID: "node-1"})

	var requestID string
	require.Eventually(t, func() bool {
		pending := env.pairing.ListPending()
		if len(pending) == 0 {
			return false
		}
		requestID = pending[0].RequestID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.pairing.Reject(requestID))

	errFrame := client.recv(t)
	assert.Equal(t, protocol.BridgeError, errFrame.Type)
	assert.Equal(t, "PAIRING_REJECTED", errFrame.Code)
}

func TestBridge_HelloWithBadToken(t *testing.T) {
	env := newTestEnv(t, nil)

	client := dialBridge(t, env.server.Addr())
	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgeHello, Token: "bogus"})

	errFrame := client.recv(t)
	assert.Equal(t, protocol.BridgeError, errFrame.Type)
	assert.Equal(t, "PAIRING_REQUIRED", errFrame.Code)
}

func TestBridge_ReconnectWithToken(t *testing.T) {
	env := newTestEnv(t, nil)
	first, token := pairNode(t, env, "node-1")
	first.conn.Close()

	second := dialBridge(t, env.server.Addr())
	second.send(t, &protocol.BridgeFrame{Type: protocol.BridgeHello, Token: token})
	helloOK := second.recv(t)
	assert.Equal(t, protocol.BridgeHelloOK, helloOK.Type)
}

func TestBridge_Ping(t *testing.T) {
	env := newTestEnv(t, nil)
	client, _ := pairNode(t, env, "node-1")

	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgePing, ID: "p1"})
	pong := client.recv(t)
	assert.Equal(t, protocol.BridgePong, pong.Type)
	assert.Equal(t, "p1", pong.ID)
}

func TestBridge_InvokeRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	client, _ := pairNode(t, env, "node-1")

	require.Eventually(t, func() bool {
		return env.bus.Connected("node-1")
	}, time.Second, 10*time.Millisecond)

	done := make(chan *nodes.InvokeResult, 1)
	go func() {
		res, err := env.bus.Invoke(context.Background(), "node-1", "camera.snap", json.RawMessage(`{}`), 2*time.Second)
		if err != nil {
			done <- &nodes.InvokeResult{Err: protocol.AsErrorInfo(err)}
			return
		}
		done <- res
	}()

	invoke := client.recv(t)
	require.Equal(t, protocol.BridgeInvoke, invoke.Type)
	require.Equal(t, "camera.snap", invoke.Command)

	client.send(t, &protocol.BridgeFrame{
		Type:        protocol.BridgeInvokeRes,
		ID:          invoke.ID,
		OK:          protocol.BoolPtr(true),
		PayloadJSON: `{"path":"/tmp/x.jpg"}`,
	})

	res := <-done
	require.Nil(t, res.Err)
	assert.True(t, res.OK)
	assert.JSONEq(t, `{"path":"/tmp/x.jpg"}`, string(res.Payload))
}

func TestBridge_EventPublish(t *testing.T) {
	env := newTestEnv(t, nil)
	client, _ := pairNode(t, env, "node-1")

	received := make(chan string, 1)
	env.bus.Subscribe("op-1", sinkFunc(func(nodeID, event, payloadJSON string) {
		received <- nodeID + "/" + event
	}))

	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgeEvent, Event: "motion", PayloadJSON: `{}`})

	select {
	case got := <-received:
		assert.Equal(t, "node-1/motion", got)
	case <-time.After(2 * time.Second):
		t.Fatal("event never published")
	}
}

type sinkFunc func(nodeID, event, payloadJSON string)

func (f sinkFunc) SendNodeEvent(nodeID, event string, payloadJSON string) {
	f(nodeID, event, payloadJSON)
}

func TestBridge_ReqDispatch(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, nodeID, method, paramsJSON string) (string, *protocol.ErrorInfo) {
		return `{"bins":["weather"]}`, nil
	})
	client, _ := pairNode(t, env, "node-1")

	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgeReq, ID: "r1", Method: protocol.MethodSkillsBins})
	res := client.recv(t)
	require.Equal(t, protocol.BridgeRes, res.Type)
	assert.Equal(t, "r1", res.ID)
	require.NotNil(t, res.OK)
	assert.True(t, *res.OK)
	assert.JSONEq(t, `{"bins":["weather"]}`, res.PayloadJSON)
}

func TestBridge_ReqUnauthorizedMethod(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, nodeID, method, paramsJSON string) (string, *protocol.ErrorInfo) {
		t.Error("rpc handler must not run for unauthorized methods")
		return "", nil
	})
	client, _ := pairNode(t, env, "node-1")

	// Nodes never reach control-plane methods over the bridge either.
	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgeReq, ID: "r1", Method: protocol.MethodConfigApply})
	res := client.recv(t)
	require.Equal(t, protocol.BridgeRes, res.Type)
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	assert.Equal(t, protocol.CodeUnauthorizedRole, res.Code)
}

func TestBridge_CloseWithConnectedNode(t *testing.T) {
	env := newTestEnv(t, nil)
	client, _ := pairNode(t, env, "node-1")

	require.Eventually(t, func() bool {
		return env.bus.Connected("node-1")
	}, time.Second, 10*time.Millisecond)

	// Close must tear down live connections itself rather than wait for
	// the node to hang up; restarts depend on it returning.
	closed := make(chan struct{})
	go func() {
		env.server.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a connected node")
	}

	client.conn.SetReadDeadline(time.Now().Add(time.Second))
	assert.False(t, client.scanner.Scan(), "server side should be closed")
}

func TestBridge_CloseUnblocksPendingPair(t *testing.T) {
	env := newTestEnv(t, nil)

	client := dialBridge(t, env.server.Addr())
	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgePairRequest, NodeID: "node-1"})

	require.Eventually(t, func() bool {
		return len(env.pairing.ListPending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The handler is parked waiting for an operator decision; Close must
	// not wait out the pending TTL.
	closed := make(chan struct{})
	go func() {
		env.server.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a pending pairing wait")
	}
}

func TestBridge_MalformedFirstFrame(t *testing.T) {
	env := newTestEnv(t, nil)

	client := dialBridge(t, env.server.Addr())
	client.send(t, &protocol.BridgeFrame{Type: protocol.BridgeEvent, Event: "motion"})

	errFrame := client.recv(t)
	assert.Equal(t, protocol.BridgeError, errFrame.Type)
}
