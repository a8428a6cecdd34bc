// ABOUTME: Method handlers for the control-plane RPC surface.
// ABOUTME: Covers status, pairing, invocation, sessions, and config/update orchestration.

package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/nodes"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/restart"
	"github.com/2389/relay-gateway/internal/sessions"
	"github.com/2389/relay-gateway/internal/store"
)

func notFound(msg string) error {
	return &protocol.ErrorInfo{Code: protocol.CodeNotFound, Message: msg}
}

func invalidParams(msg string) error {
	return &protocol.ErrorInfo{Code: protocol.CodeInvalidParams, Message: msg}
}

func (g *Gateway) handleStatus(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	g.connMu.RLock()
	operators := 0
	for _, c := range g.conns {
		if c.Role == protocol.RoleOperator {
			operators++
		}
	}
	g.connMu.RUnlock()

	return map[string]any{
		"serverId":       g.serverID,
		"uptimeMs":       time.Since(g.startedAt).Milliseconds(),
		"operators":      operators,
		"connectedNodes": g.bus.ConnectedIDs(),
		"pendingPairs":   len(g.pairing.ListPending()),
	}, nil
}

// handleSkillsBins lists the executable skill binaries available in the
// agent workspace. Nodes use this to decide what they can run locally.
func (g *Gateway) handleSkillsBins(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	bins := []string{}
	binDir := filepath.Join(g.config.Agent.Workspace, "skills", "bin")
	entries, err := os.ReadDir(binDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if info, err := e.Info(); err == nil && info.Mode()&0111 != 0 {
				bins = append(bins, e.Name())
			}
		}
	}
	return map[string]any{"bins": bins}, nil
}

func (g *Gateway) handlePairList(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	return map[string]any{"pending": g.pairing.ListPending()}, nil
}

func (g *Gateway) handlePairApprove(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.PairDecideParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}
	if params.RequestID == "" {
		return nil, invalidParams("requestId is required")
	}

	node, err := g.pairing.Approve(ctx, params.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("unknown pairing request: " + params.RequestID)
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"nodeId":      node.NodeID,
		"displayName": node.DisplayName,
	}, nil
}

func (g *Gateway) handlePairReject(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.PairDecideParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}
	if params.RequestID == "" {
		return nil, invalidParams("requestId is required")
	}

	if err := g.pairing.Reject(params.RequestID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("unknown pairing request: " + params.RequestID)
		}
		return nil, err
	}
	return map[string]any{"rejected": true}, nil
}

func (g *Gateway) handleNodeRename(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.RenameParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}
	if params.NodeID == "" || params.DisplayName == "" {
		return nil, invalidParams("nodeId and displayName are required")
	}

	if err := g.pairing.Rename(ctx, params.NodeID, params.DisplayName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("unknown node: " + params.NodeID)
		}
		return nil, err
	}
	return map[string]any{"nodeId": params.NodeID, "displayName": params.DisplayName}, nil
}

func (g *Gateway) handleNodeList(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	paired, err := g.pairing.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	type nodeView struct {
		NodeID      string   `json:"nodeId"`
		DisplayName string   `json:"displayName"`
		Platform    string   `json:"platform,omitempty"`
		Version     string   `json:"version,omitempty"`
		Commands    []string `json:"commands,omitempty"`
		Connected   bool     `json:"connected"`
	}

	views := make([]nodeView, 0, len(paired))
	for _, n := range paired {
		views = append(views, nodeView{
			NodeID:      n.NodeID,
			DisplayName: n.DisplayName,
			Platform:    n.Platform,
			Version:     n.Version,
			Commands:    n.Commands,
			Connected:   g.bus.Connected(n.NodeID),
		})
	}
	return map[string]any{"nodes": views}, nil
}

func (g *Gateway) handleNodeInvoke(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.InvokeParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}
	if params.NodeID == "" || params.Command == "" {
		return nil, invalidParams("nodeId and command are required")
	}

	timeout := time.Duration(params.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = g.config.Bridge.InvokeTimeout
	}

	result, err := g.bus.Invoke(ctx, params.NodeID, params.Command, params.Params, timeout)
	if err != nil {
		g.metrics.InvokesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !result.OK {
		g.metrics.InvokesTotal.WithLabelValues("failed").Inc()
		if result.Err != nil {
			return nil, result.Err
		}
		return nil, &protocol.ErrorInfo{Code: protocol.CodeInternal, Message: "invoke failed"}
	}

	g.metrics.InvokesTotal.WithLabelValues("ok").Inc()
	return map[string]any{"payloadJSON": string(result.Payload)}, nil
}

// handleNodeInvokeResult accepts a node's answer to an earlier invoke.
func (g *Gateway) handleNodeInvokeResult(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.InvokeResultParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}
	if params.ID == "" {
		return nil, invalidParams("id is required")
	}

	g.bus.HandleResult(params.ID, &nodes.InvokeResult{
		OK:      params.OK,
		Payload: []byte(params.PayloadJSON),
		Err:     params.Error,
	})
	return map[string]any{"accepted": true}, nil
}

// handleNodeEvent broadcasts a node's event to subscribed operators.
func (g *Gateway) handleNodeEvent(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.NodeEventPayload
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}
	if params.Event == "" {
		return nil, invalidParams("event is required")
	}

	g.bus.Publish(conn.ID, params.Event, params.PayloadJSON)
	g.metrics.EventsTotal.Inc()
	return map[string]any{"accepted": true}, nil
}

func (g *Gateway) handleNodeSubscribe(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	g.bus.Subscribe(conn.ID, conn)
	return map[string]any{"subscribed": true}, nil
}

func (g *Gateway) handleNodeUnsubscribe(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	g.bus.Unsubscribe(conn.ID)
	return map[string]any{"subscribed": false}, nil
}

func (g *Gateway) handleSessionsList(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.SessionsListParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}

	entries, err := g.sessions.List(sessions.ListFilter{
		AgentID:        params.AgentID,
		IncludeGlobal:  params.IncludeGlobal,
		IncludeUnknown: params.IncludeUnknown,
		Limit:          params.Limit,
		SpawnedBy:      params.SpawnedBy,
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*sessions.Entry{}
	}
	return map[string]any{"sessions": entries}, nil
}

func (g *Gateway) handleSessionsResolve(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.SessionKeyParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}
	return map[string]any{"ok": true, "key": g.sessions.Resolve(params.Key)}, nil
}

func (g *Gateway) handleSessionsPatch(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var keyParams protocol.SessionKeyParams
	if errInfo := decodeParams(req.Params, &keyParams); errInfo != nil {
		return nil, errInfo
	}
	var patch sessions.Patch
	if errInfo := decodeParams(req.Params, &patch); errInfo != nil {
		return nil, errInfo
	}

	key, err := g.sessions.ApplyPatch(keyParams.Key, &patch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "key": key}, nil
}

func (g *Gateway) handleSessionsDelete(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.SessionKeyParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}

	key, err := g.sessions.Delete(params.Key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "key": key}, nil
}

// handleConfigApply validates a replacement config document, writes it
// durably, persists the restart sentinel, and only then schedules the
// restart. The caller sees success before the process goes down.
func (g *Gateway) handleConfigApply(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.ConfigApplyParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}
	if params.Raw == "" {
		return nil, invalidParams("raw config is required")
	}

	if _, err := config.Parse([]byte(params.Raw)); err != nil {
		return nil, invalidParams("config rejected: " + err.Error())
	}

	if err := config.SaveRaw(g.configPath, []byte(params.Raw)); err != nil {
		return nil, err
	}

	if err := restart.WriteSentinel(g.config.State.Dir, &restart.Sentinel{
		Kind:        restart.KindConfigApply,
		TimestampMs: time.Now().UnixMilli(),
	}); err != nil {
		return nil, err
	}

	delay := time.Duration(params.RestartDelayMs) * time.Millisecond
	g.supervisor.ScheduleRestart(delay)

	g.logger.Info("config applied, restart scheduled",
		"by", conn.ID, "delay_ms", params.RestartDelayMs)
	return map[string]any{"ok": true, "restartInMs": params.RestartDelayMs}, nil
}

// handleUpdateRun runs the self-update, then follows the same
// sentinel-before-signal sequence as config.apply.
func (g *Gateway) handleUpdateRun(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error) {
	var params protocol.UpdateRunParams
	if errInfo := decodeParams(req.Params, &params); errInfo != nil {
		return nil, errInfo
	}

	stats, err := g.updateFunc(ctx)
	if err != nil {
		return nil, &protocol.ErrorInfo{Code: protocol.CodeInternal, Message: "update failed: " + err.Error()}
	}

	if err := restart.WriteSentinel(g.config.State.Dir, &restart.Sentinel{
		Kind:        restart.KindUpdate,
		Stats:       stats,
		TimestampMs: time.Now().UnixMilli(),
	}); err != nil {
		return nil, err
	}

	delay := time.Duration(params.RestartDelayMs) * time.Millisecond
	g.supervisor.ScheduleRestart(delay)

	g.logger.Info("update complete, restart scheduled",
		"by", conn.ID, "delay_ms", params.RestartDelayMs)
	return map[string]any{"ok": true, "stats": stats}, nil
}
