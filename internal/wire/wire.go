// Package wire defines the JSON control messages exchanged on a Tunnel
// Link's duplex channel. Every message is a text frame with a "type" tag;
// binary frames carry opaque request or response bodies and are paired to
// the most recently announced bodyLength for the same requestId.
package wire

// Type enumerates the recognised tunnel protocol message kinds.
type Type string

const (
	// TypeRegister is sent by the developer agent to attach to a session.
	TypeRegister Type = "register"
	// TypeRegistered is sent by the relay to acknowledge a successful attach.
	TypeRegistered Type = "registered"
	// TypeRequest carries an outbound HTTP request's metadata to the agent.
	TypeRequest Type = "request"
	// TypeResponse carries an HTTP response's metadata back to the relay.
	TypeResponse Type = "response"
	// TypePing is a heartbeat probe sent by the relay.
	TypePing Type = "ping"
	// TypePong is a heartbeat reply sent by the agent.
	TypePong Type = "pong"
	// TypeError reports a protocol-level failure for a specific request.
	TypeError Type = "error"
)

// Header is embedded in every text frame and carries the fields common to
// all message kinds.
type Header struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// Register is sent by the developer agent immediately after establishing the
// control connection, declaring which session it is attaching to.
type Register struct {
	Header
	// TargetPort is the loopback port the agent is forwarding to. It is
	// informational; the authoritative value lives on the Session.
	TargetPort int `json:"targetPort,omitempty"`
}

// Registered acknowledges a successful register and carries the session's
// public tunnel URL back to the agent.
type Registered struct {
	Header
	TunnelURL string `json:"tunnelUrl"`
}

// Request carries a public HTTP request's metadata to the developer agent.
// If BodyLength is nonzero, a binary frame with exactly that many bytes
// follows on the same link before the request is considered fully sent.
type Request struct {
	Header
	RequestID  string              `json:"requestId"`
	Method     string              `json:"method"`
	URL        string              `json:"url"`
	Headers    map[string][]string `json:"headers,omitempty"`
	BodyLength int64               `json:"bodyLength,omitempty"`
}

// Response carries an HTTP response's metadata back to the relay. If
// BodyLength is nonzero, a binary frame with exactly that many bytes follows
// on the same link before the response is considered complete.
type Response struct {
	Header
	RequestID  string              `json:"requestId"`
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers,omitempty"`
	BodyLength int64               `json:"bodyLength,omitempty"`
}

// Ping is a heartbeat probe. Nonce is echoed back in the corresponding Pong
// purely for diagnostic correlation; it carries no protocol meaning.
type Ping struct {
	Header
	Nonce int64 `json:"nonce"`
}

// Pong is a heartbeat reply.
type Pong struct {
	Header
	Nonce int64 `json:"nonce"`
}

// Error reports that a specific request could not be fulfilled by the
// developer agent (e.g. the local target connection refused).
type Error struct {
	Header
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}
