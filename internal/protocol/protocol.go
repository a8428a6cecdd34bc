// ABOUTME: Wire types for the control-plane RPC protocol
// ABOUTME: Defines request/response frames, method names, roles, and error codes

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type discriminators for the control-plane connection.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Roles a connection can hold after handshake.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// RPC method names.
const (
	MethodHello            = "hello"
	MethodStatus           = "status"
	MethodSkillsBins       = "skills.bins"
	MethodNodePairList     = "node.pair.list"
	MethodNodePairApprove  = "node.pair.approve"
	MethodNodePairReject   = "node.pair.reject"
	MethodNodeRename       = "node.rename"
	MethodNodeList         = "node.list"
	MethodNodeInvoke       = "node.invoke"
	MethodNodeInvokeResult = "node.invoke.result"
	MethodNodeEvent        = "node.event"
	MethodNodeSubscribe    = "node.event.subscribe"
	MethodNodeUnsubscribe  = "node.event.unsubscribe"
	MethodSessionsList     = "sessions.list"
	MethodSessionsResolve  = "sessions.resolve"
	MethodSessionsPatch    = "sessions.patch"
	MethodSessionsDelete   = "sessions.delete"
	MethodConfigApply      = "config.apply"
	MethodUpdateRun        = "update.run"
)

// Error codes returned in structured error responses.
const (
	CodeUnauthorizedRole = "UNAUTHORIZED_ROLE"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeNotFound         = "NOT_FOUND"
	CodeTimeout          = "TIMEOUT"
	CodeTransportClosed  = "TRANSPORT_CLOSED"
	CodeInternal         = "INTERNAL"
)

// Request is an inbound RPC frame. Params stay raw until the method
// handler decodes them into its own typed struct.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the single frame emitted for a request id.
type Response struct {
	Type    string     `json:"type"`
	ID      string     `json:"id"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the structured error carried in a failed response.
// It implements error so handlers can return it directly.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsErrorInfo converts any error into a structured ErrorInfo, mapping
// unrecognized errors to an internal error code.
func AsErrorInfo(err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return &ErrorInfo{Code: CodeInternal, Message: err.Error()}
}

// OkResponse builds a success response for the given request id.
func OkResponse(id string, payload any) *Response {
	return &Response{Type: TypeResponse, ID: id, OK: true, Payload: payload}
}

// ErrResponse builds an error response for the given request id.
func ErrResponse(id, code, message string) *Response {
	return &Response{
		Type:  TypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// HelloParams is the handshake frame sent as the first request on a
// control-plane connection.
type HelloParams struct {
	Role     string   `json:"role"`
	ClientID string   `json:"clientId"`
	Mode     string   `json:"mode,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Version  string   `json:"version,omitempty"`
	Token    string   `json:"token,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Caps     []string `json:"caps,omitempty"`
}

// HelloResult acknowledges a completed handshake.
type HelloResult struct {
	ServerID string `json:"serverId"`
	Role     string `json:"role"`
}

// nodeEmissions are the methods only a node connection may send: its own
// invoke results and events. Operators are denied these; everything else
// on the control plane is theirs, so an unknown method falls through to
// dispatch and answers method-not-found.
var nodeEmissions = map[string]bool{
	MethodNodeInvokeResult: true,
	MethodNodeEvent:        true,
}

// nodeCalls is the set of methods a node-role connection may call or emit.
// Nodes get utility lookups plus their own result/event emissions; they
// never reach the control-plane methods.
var nodeCalls = map[string]bool{
	MethodSkillsBins:       true,
	MethodNodeInvokeResult: true,
	MethodNodeEvent:        true,
}

// EventFrame is a server-initiated push on the control-plane connection.
// Pushes carry no id and expect no response.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Push event names.
const (
	EventNodeEvent  = "node.event"
	EventNodeInvoke = "node.invoke"
)

// NodeEventPayload is the body of a node.event push to operators and of
// a node.event emission from a node.
type NodeEventPayload struct {
	NodeID      string `json:"nodeId"`
	Event       string `json:"event"`
	PayloadJSON string `json:"payloadJSON,omitempty"`
}

// NodeInvokePush asks a node connection to run a command.
type NodeInvokePush struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	ParamsJSON string `json:"paramsJSON,omitempty"`
}

// InvokeParams is the operator side of node.invoke.
type InvokeParams struct {
	NodeID    string          `json:"nodeId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// InvokeResultParams is a node's node.invoke.result emission.
type InvokeResultParams struct {
	ID          string     `json:"id"`
	OK          bool       `json:"ok"`
	PayloadJSON string     `json:"payloadJSON,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
}

// PairDecideParams addresses one pending pairing request.
type PairDecideParams struct {
	RequestID string `json:"requestId"`
}

// RenameParams renames a paired node.
type RenameParams struct {
	NodeID      string `json:"nodeId"`
	DisplayName string `json:"displayName"`
}

// SessionsListParams filters sessions.list.
type SessionsListParams struct {
	AgentID        string `json:"agentId,omitempty"`
	IncludeGlobal  bool   `json:"includeGlobal,omitempty"`
	IncludeUnknown bool   `json:"includeUnknown,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	SpawnedBy      string `json:"spawnedBy,omitempty"`
}

// SessionKeyParams addresses one session by raw (possibly aliased) key.
type SessionKeyParams struct {
	Key string `json:"key"`
}

// ConfigApplyParams carries a complete replacement config document.
type ConfigApplyParams struct {
	Raw            string `json:"raw"`
	SessionKey     string `json:"sessionKey,omitempty"`
	RestartDelayMs int64  `json:"restartDelayMs,omitempty"`
}

// UpdateRunParams triggers a gateway self-update.
type UpdateRunParams struct {
	SessionKey     string `json:"sessionKey,omitempty"`
	RestartDelayMs int64  `json:"restartDelayMs,omitempty"`
}

// RoleAllows reports whether a connection holding role may invoke method.
// Operators are denied only node emissions; nodes hold a small allowlist,
// so the wider method surface is not probeable from a node connection.
// The hello method is always handled before role assignment and is never
// routed through this check.
func RoleAllows(role, method string) bool {
	switch role {
	case RoleOperator:
		return !nodeEmissions[method]
	case RoleNode:
		return nodeCalls[method]
	default:
		return false
	}
}
