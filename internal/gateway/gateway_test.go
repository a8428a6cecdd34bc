// ABOUTME: Tests for RPC dispatch, role authorization, and method handlers.
// ABOUTME: Exercises handlers directly against a gateway over temp state.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/nodes"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/restart"
)

func testConfigYAML(dir string) string {
	return fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
agent:
  workspace: %q
agents:
  - id: alpha
    default: true
sessions:
  dir: %q
state:
  dir: %q
`, filepath.Join(dir, "workspace"), filepath.Join(dir, "sessions"), filepath.Join(dir, "state"))
}

func newTestGateway(t *testing.T) (*Gateway, *restart.Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	raw := testConfigYAML(dir)

	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)

	configPath := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(raw), 0644))

	sup := restart.NewSupervisor()
	gw, err := New(cfg, configPath, sup, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
	})
	return gw, sup, configPath
}

// call runs one request through execute with a connection of the given role.
func call(gw *Gateway, role, method string, params any) *protocol.Response {
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	conn := &ClientConn{ID: "test-" + role, Role: role, logger: gw.logger}
	req := &protocol.Request{Type: protocol.TypeRequest, ID: "req-1", Method: method, Params: raw}
	return gw.execute(context.Background(), conn, req)
}

// payloadMap round-trips a response payload through JSON for assertions.
func payloadMap(t *testing.T, resp *protocol.Response) map[string]any {
	t.Helper()
	data, err := json.Marshal(resp.Payload)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// testNodeConn is an in-process node connection for invoke tests.
type testNodeConn struct {
	id      string
	invokes chan string
}

func newTestNodeConn(id string) *testNodeConn {
	return &testNodeConn{id: id, invokes: make(chan string, 4)}
}

func (c *testNodeConn) NodeID() string { return c.id }

func (c *testNodeConn) SendInvoke(id, command, paramsJSON string) error {
	c.invokes <- id
	return nil
}

func TestExecute_RoleAuthorization(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	// Operators never emit node traffic.
	resp := call(gw, protocol.RoleOperator, protocol.MethodNodeEvent,
		protocol.NodeEventPayload{Event: "motion"})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeUnauthorizedRole, resp.Error.Code)

	// Nodes never reach control-plane methods.
	resp = call(gw, protocol.RoleNode, protocol.MethodStatus, nil)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeUnauthorizedRole, resp.Error.Code)

	// Nodes may use the shared utility lookups.
	resp = call(gw, protocol.RoleNode, protocol.MethodSkillsBins, nil)
	assert.True(t, resp.OK)
}

func TestExecute_UnknownMethod(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	// Operators hold the full surface, so a miss is a method-not-found.
	resp := call(gw, protocol.RoleOperator, "no.such.method", nil)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)

	// Nodes stay behind their allowlist: an unknown method is
	// indistinguishable from a forbidden one.
	resp = call(gw, protocol.RoleNode, "no.such.method", nil)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeUnauthorizedRole, resp.Error.Code)
}

func TestExecute_HelloAfterHandshake(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	resp := call(gw, protocol.RoleOperator, protocol.MethodHello, nil)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestExecute_PanicRecovery(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	gw.handlers[protocol.MethodStatus] = func(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
		panic("boom")
	}

	resp := call(gw, protocol.RoleOperator, protocol.MethodStatus, nil)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)
	assert.Equal(t, "req-1", resp.ID)
}

func TestExecute_Status(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	resp := call(gw, protocol.RoleOperator, protocol.MethodStatus, nil)
	require.True(t, resp.OK)

	m := payloadMap(t, resp)
	assert.Equal(t, gw.ServerID(), m["serverId"])
	assert.EqualValues(t, 0, m["pendingPairs"])
}

func TestExecute_SkillsBins(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	binDir := filepath.Join(gw.config.Agent.Workspace, "skills", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "weather"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "README"), []byte("docs"), 0644))

	resp := call(gw, protocol.RoleOperator, protocol.MethodSkillsBins, nil)
	require.True(t, resp.OK)

	m := payloadMap(t, resp)
	assert.Equal(t, []any{"weather"}, m["bins"])
}

func TestExecute_PairFlow(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.pairing.Submit(ctx, &nodes.PendingRequest{NodeID: "node-1", DisplayName: "Kitchen"})
	require.NoError(t, err)

	resp := call(gw, protocol.RoleOperator, protocol.MethodNodePairList, nil)
	require.True(t, resp.OK)
	pending := payloadMap(t, resp)["pending"].([]any)
	require.Len(t, pending, 1)
	requestID := pending[0].(map[string]any)["requestId"].(string)

	resp = call(gw, protocol.RoleOperator, protocol.MethodNodePairApprove,
		protocol.PairDecideParams{RequestID: requestID})
	require.True(t, resp.OK)
	assert.Equal(t, "node-1", payloadMap(t, resp)["nodeId"])

	// The request was consumed; approving again is NOT_FOUND.
	resp = call(gw, protocol.RoleOperator, protocol.MethodNodePairApprove,
		protocol.PairDecideParams{RequestID: requestID})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeNotFound, resp.Error.Code)
}

func TestExecute_PairApproveMissingRequestID(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	resp := call(gw, protocol.RoleOperator, protocol.MethodNodePairApprove, protocol.PairDecideParams{})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestExecute_PairReject(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	_, err := gw.pairing.Submit(context.Background(), &nodes.PendingRequest{NodeID: "node-1"})
	require.NoError(t, err)
	requestID := gw.pairing.ListPending()[0].RequestID

	resp := call(gw, protocol.RoleOperator, protocol.MethodNodePairReject,
		protocol.PairDecideParams{RequestID: requestID})
	require.True(t, resp.OK)

	resp = call(gw, protocol.RoleOperator, protocol.MethodNodePairReject,
		protocol.PairDecideParams{RequestID: requestID})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeNotFound, resp.Error.Code)
}

func TestExecute_NodeRenameUnknown(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	resp := call(gw, protocol.RoleOperator, protocol.MethodNodeRename,
		protocol.RenameParams{NodeID: "ghost", DisplayName: "x"})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeNotFound, resp.Error.Code)
}

func TestExecute_NodeList(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.pairing.Submit(ctx, &nodes.PendingRequest{NodeID: "node-1", DisplayName: "Kitchen"})
	require.NoError(t, err)
	_, err = gw.pairing.Approve(ctx, gw.pairing.ListPending()[0].RequestID)
	require.NoError(t, err)

	resp := call(gw, protocol.RoleOperator, protocol.MethodNodeList, nil)
	require.True(t, resp.OK)
	list := payloadMap(t, resp)["nodes"].([]any)
	require.Len(t, list, 1)
	entry := list[0].(map[string]any)
	assert.Equal(t, "node-1", entry["nodeId"])
	assert.Equal(t, false, entry["connected"])

	gw.bus.Register(newTestNodeConn("node-1"))
	resp = call(gw, protocol.RoleOperator, protocol.MethodNodeList, nil)
	entry = payloadMap(t, resp)["nodes"].([]any)[0].(map[string]any)
	assert.Equal(t, true, entry["connected"])
}

func TestExecute_InvokeNodeNotConnected(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	resp := call(gw, protocol.RoleOperator, protocol.MethodNodeInvoke,
		protocol.InvokeParams{NodeID: "ghost", Command: "camera.snap"})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeNotFound, resp.Error.Code)
}

func TestExecute_InvokeRoundTrip(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	conn := newTestNodeConn("node-1")
	gw.bus.Register(conn)

	done := make(chan *protocol.Response, 1)
	go func() {
		done <- call(gw, protocol.RoleOperator, protocol.MethodNodeInvoke,
			protocol.InvokeParams{NodeID: "node-1", Command: "camera.snap", TimeoutMs: 2000})
	}()

	// Answer the invoke the way a node would: via node.invoke.result.
	var invokeID string
	select {
	case invokeID = <-conn.invokes:
	case <-time.After(time.Second):
		t.Fatal("invoke never reached the node")
	}

	resp := call(gw, protocol.RoleNode, protocol.MethodNodeInvokeResult,
		protocol.InvokeResultParams{ID: invokeID, OK: true, PayloadJSON: `{"path":"/tmp/x.jpg"}`})
	require.True(t, resp.OK)

	result := <-done
	require.True(t, result.OK)
	assert.JSONEq(t, `{"path":"/tmp/x.jpg"}`, payloadMap(t, result)["payloadJSON"].(string))
}

func TestExecute_NodeEventFanOut(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	received := make(chan string, 1)
	gw.bus.Subscribe("op-1", sinkFunc(func(nodeID, event, payloadJSON string) {
		received <- nodeID + "/" + event
	}))

	// The event's nodeId is the authenticated connection, not the params.
	conn := &ClientConn{ID: "node-1", Role: protocol.RoleNode, logger: gw.logger}
	raw, _ := json.Marshal(protocol.NodeEventPayload{Event: "motion", PayloadJSON: `{}`})
	resp := gw.execute(context.Background(), conn, &protocol.Request{
		Type: protocol.TypeRequest, ID: "req-1", Method: protocol.MethodNodeEvent, Params: raw,
	})
	require.True(t, resp.OK)
	assert.Equal(t, "node-1/motion", <-received)
}

// sinkFunc adapts a function to nodes.EventSink.
type sinkFunc func(nodeID, event, payloadJSON string)

func (f sinkFunc) SendNodeEvent(nodeID, event string, payloadJSON string) {
	f(nodeID, event, payloadJSON)
}

func TestExecute_SessionsLifecycle(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	resp := call(gw, protocol.RoleOperator, protocol.MethodSessionsResolve,
		protocol.SessionKeyParams{Key: "main"})
	require.True(t, resp.OK)
	assert.Equal(t, "agent:alpha:main", payloadMap(t, resp)["key"])

	resp = call(gw, protocol.RoleOperator, protocol.MethodSessionsPatch,
		map[string]any{"key": "main", "sessionId": "sess-1"})
	require.True(t, resp.OK)
	assert.Equal(t, "agent:alpha:main", payloadMap(t, resp)["key"])

	resp = call(gw, protocol.RoleOperator, protocol.MethodSessionsList, protocol.SessionsListParams{})
	require.True(t, resp.OK)
	list := payloadMap(t, resp)["sessions"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].(map[string]any)["sessionId"])

	resp = call(gw, protocol.RoleOperator, protocol.MethodSessionsDelete,
		protocol.SessionKeyParams{Key: "main"})
	require.True(t, resp.OK)

	resp = call(gw, protocol.RoleOperator, protocol.MethodSessionsList, protocol.SessionsListParams{})
	assert.Empty(t, payloadMap(t, resp)["sessions"])
}

func TestExecute_ConfigApply(t *testing.T) {
	gw, sup, configPath := newTestGateway(t)

	replacement := testConfigYAML(t.TempDir()) + "\nlogging:\n  level: debug\n"
	resp := call(gw, protocol.RoleOperator, protocol.MethodConfigApply,
		protocol.ConfigApplyParams{Raw: replacement, RestartDelayMs: 5})
	require.True(t, resp.OK)

	// Config file replaced on disk.
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, replacement, string(data))

	// Sentinel persisted before the restart fires.
	s, err := restart.ReadAndClearSentinel(gw.config.State.Dir)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, restart.KindConfigApply, s.Kind)

	select {
	case intent := <-sup.Requests():
		assert.Equal(t, restart.IntentRestart, intent)
	case <-time.After(time.Second):
		t.Fatal("restart never requested")
	}
}

func TestExecute_ConfigApplyMalformed(t *testing.T) {
	gw, _, configPath := newTestGateway(t)

	before, err := os.ReadFile(configPath)
	require.NoError(t, err)

	resp := call(gw, protocol.RoleOperator, protocol.MethodConfigApply,
		protocol.ConfigApplyParams{Raw: "{"})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)

	// Nothing was written: no config change, no sentinel.
	after, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	s, err := restart.ReadAndClearSentinel(gw.config.State.Dir)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestExecute_UpdateRun(t *testing.T) {
	gw, sup, _ := newTestGateway(t)
	gw.SetUpdateFunc(func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"mode": "test", "durationMs": 7}, nil
	})

	resp := call(gw, protocol.RoleOperator, protocol.MethodUpdateRun,
		protocol.UpdateRunParams{RestartDelayMs: 5})
	require.True(t, resp.OK)

	m := payloadMap(t, resp)
	stats := m["stats"].(map[string]any)
	assert.Equal(t, "test", stats["mode"])

	s, err := restart.ReadAndClearSentinel(gw.config.State.Dir)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, restart.KindUpdate, s.Kind)
	assert.Equal(t, "test", s.Stats["mode"])

	select {
	case intent := <-sup.Requests():
		assert.Equal(t, restart.IntentRestart, intent)
	case <-time.After(time.Second):
		t.Fatal("restart never requested")
	}
}

func TestExecute_UpdateRunFailure(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	gw.SetUpdateFunc(func(ctx context.Context) (map[string]any, error) {
		return nil, assert.AnError
	})

	resp := call(gw, protocol.RoleOperator, protocol.MethodUpdateRun, protocol.UpdateRunParams{})
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeInternal, resp.Error.Code)

	// A failed update leaves no sentinel behind.
	s, err := restart.ReadAndClearSentinel(gw.config.State.Dir)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestBridgeRPC(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	payload, errInfo := gw.BridgeRPC(context.Background(), "node-1", protocol.MethodSkillsBins, "")
	require.Nil(t, errInfo)
	assert.Contains(t, payload, "bins")

	_, errInfo = gw.BridgeRPC(context.Background(), "node-1", "no.such.method", "")
	require.NotNil(t, errInfo)
	assert.Equal(t, protocol.CodeMethodNotFound, errInfo.Code)
}
