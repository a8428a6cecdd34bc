// ABOUTME: RPC dispatch: role authorization, handler lookup, one-response guarantee.
// ABOUTME: Panics in handlers are converted to internal-error responses.

package gateway

import (
	"context"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
)

// handlerFunc handles one method. It returns either a payload or an error;
// dispatch turns the outcome into the single response frame.
type handlerFunc func(ctx context.Context, conn *ClientConn, req *protocol.Request) (any, error)

func (g *Gateway) buildHandlerTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.MethodStatus:           g.handleStatus,
		protocol.MethodSkillsBins:       g.handleSkillsBins,
		protocol.MethodNodePairList:     g.handlePairList,
		protocol.MethodNodePairApprove:  g.handlePairApprove,
		protocol.MethodNodePairReject:   g.handlePairReject,
		protocol.MethodNodeRename:       g.handleNodeRename,
		protocol.MethodNodeList:         g.handleNodeList,
		protocol.MethodNodeInvoke:       g.handleNodeInvoke,
		protocol.MethodNodeInvokeResult: g.handleNodeInvokeResult,
		protocol.MethodNodeEvent:        g.handleNodeEvent,
		protocol.MethodNodeSubscribe:    g.handleNodeSubscribe,
		protocol.MethodNodeUnsubscribe:  g.handleNodeUnsubscribe,
		protocol.MethodSessionsList:     g.handleSessionsList,
		protocol.MethodSessionsResolve:  g.handleSessionsResolve,
		protocol.MethodSessionsPatch:    g.handleSessionsPatch,
		protocol.MethodSessionsDelete:   g.handleSessionsDelete,
		protocol.MethodConfigApply:      g.handleConfigApply,
		protocol.MethodUpdateRun:        g.handleUpdateRun,
	}
}

// dispatch authorizes, routes, and answers exactly one response for the
// request id, whatever the handler does.
func (g *Gateway) dispatch(ctx context.Context, conn *ClientConn, req *protocol.Request) {
	start := time.Now()
	resp := g.execute(ctx, conn, req)
	conn.respond(resp)

	code := "ok"
	if !resp.OK && resp.Error != nil {
		code = resp.Error.Code
	}
	g.metrics.RequestsTotal.WithLabelValues(req.Method, code).Inc()
	g.metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
}

func (g *Gateway) execute(ctx context.Context, conn *ClientConn, req *protocol.Request) (resp *protocol.Response) {
	// A crashing handler must still produce its response.
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("handler panic", "method", req.Method, "panic", r)
			resp = protocol.ErrResponse(req.ID, protocol.CodeInternal, "internal error")
		}
	}()

	if req.Method == protocol.MethodHello {
		return protocol.ErrResponse(req.ID, protocol.CodeInvalidParams, "handshake already completed")
	}

	// Authorization runs before the handler is even looked at; a node
	// calling outside its allowlist is denied without revealing whether
	// the method exists. Operators fall through to handler lookup.
	if !protocol.RoleAllows(conn.Role, req.Method) {
		return protocol.ErrResponse(req.ID, protocol.CodeUnauthorizedRole,
			"role "+conn.Role+" may not call "+req.Method)
	}

	handler, ok := g.handlers[req.Method]
	if !ok {
		return protocol.ErrResponse(req.ID, protocol.CodeMethodNotFound, "unknown method: "+req.Method)
	}

	payload, err := handler(ctx, conn, req)
	if err != nil {
		info := protocol.AsErrorInfo(err)
		return protocol.ErrResponse(req.ID, info.Code, info.Message)
	}
	return protocol.OkResponse(req.ID, payload)
}
