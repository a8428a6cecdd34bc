// ABOUTME: Frame types for the device bridge protocol
// ABOUTME: Newline-delimited JSON frames over TCP/TLS between gateway and nodes

package protocol

// Bridge frame type discriminators.
const (
	BridgeHello       = "hello"
	BridgeHelloOK     = "hello-ok"
	BridgePairRequest = "pair-request"
	BridgePairOK      = "pair-ok"
	BridgeError       = "error"
	BridgeReq         = "req"
	BridgeRes         = "res"
	BridgePing        = "ping"
	BridgePong        = "pong"
	BridgeInvoke      = "invoke"
	BridgeInvokeRes   = "invoke-res"
	BridgeEvent       = "event"
)

// BridgeFrame is the envelope for every bridge message. Only the fields
// relevant to a given Type are populated; nested JSON payloads travel as
// pre-encoded strings so the gateway never re-interprets node data.
type BridgeFrame struct {
	Type string `json:"type"`

	// hello / pair-request identity fields.
	NodeID        string          `json:"nodeId,omitempty"`
	DisplayName   string          `json:"displayName,omitempty"`
	Platform      string          `json:"platform,omitempty"`
	Version       string          `json:"version,omitempty"`
	Token         string          `json:"token,omitempty"`
	Caps          []string        `json:"caps,omitempty"`
	Commands      []string        `json:"commands,omitempty"`
	Permissions   map[string]bool `json:"permissions,omitempty"`
	RemoteAddress string          `json:"remoteAddress,omitempty"`
	Silent        bool            `json:"silent,omitempty"`

	// hello-ok.
	ServerName string `json:"serverName,omitempty"`

	// req / res / ping / pong / invoke / invoke-res correlation.
	ID     string `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	OK     *bool  `json:"ok,omitempty"`

	// invoke / invoke-res / req payloads.
	Command     string `json:"command,omitempty"`
	ParamsJSON  string `json:"paramsJSON,omitempty"`
	PayloadJSON string `json:"payloadJSON,omitempty"`

	// event.
	Event string `json:"event,omitempty"`

	// error / res failure detail.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// BoolPtr returns a pointer to b, for the optional OK field.
func BoolPtr(b bool) *bool { return &b }
