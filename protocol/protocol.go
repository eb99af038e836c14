// Package protocol defines the frames exchanged between provider modules and the relay.
//
// Text frames carry UTF-8 JSON. Binary frames carry raw blob bytes and are correlated
// with requests by content hash, never by position.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Capability is one of the protocol families a connection can be routed to.
type Capability int

const (
	CapabilitySocial Capability = iota
	CapabilityStorage
	CapabilityTransport
)

// Name returns the value clients send in the freedomAPI query parameter.
func (c Capability) Name() string {
	switch c {
	case CapabilityStorage:
		return "storage"
	case CapabilityTransport:
		return "transport"
	default:
		return "social"
	}
}

func (c Capability) String() string { return c.Name() }

// ParseCapability matches the exact capability names. ok is false for anything else.
func ParseCapability(name string) (Capability, bool) {
	switch name {
	case "storage":
		return CapabilityStorage, true
	case "transport":
		return CapabilityTransport, true
	case "social":
		return CapabilitySocial, true
	}
	return CapabilitySocial, false
}

// Query parameters read from the upgrade URL.
const (
	ParamUsername   = "radiatusUsername"
	ParamSecret     = "radiatusSecret"
	ParamCapability = "freedomAPI"
)

// Method is a request operation for the Storage and Transport capabilities.
type Method string

const (
	MethodReady   Method = "ready"
	MethodKeys    Method = "keys"
	MethodGet     Method = "get"
	MethodSet     Method = "set"
	MethodRemove  Method = "remove"
	MethodClear   Method = "clear"
	MethodSend    Method = "send"
	MethodReceive Method = "receive"
)

// Social commands.
const (
	CmdState   = "state"
	CmdRoster  = "roster"
	CmdMessage = "message"
	CmdSend    = "send"
	CmdPing    = "ping"
	CmdPong    = "pong"
)

// Error codes placed in the err field of a reply.
const (
	ErrOffline            = "OFFLINE"
	ErrUnknown            = "UNKNOWN"
	ErrInvalidDestination = "SEND_INVALIDDESTINATION"
	ErrConnection         = "ERR_CONNECTION"
	ErrAlreadyOnline      = "LOGIN_ALREADYONLINE"
	ErrWrongBuffer        = "received wrong buffer"
	ErrDataMissing        = "data missing"
	ErrHandshakeTimeout   = "handshake timeout"
	ErrUnsupportedMethod  = "UNSUPPORTED_METHOD"
	ErrMalformed          = "MALFORMED"
)

// Request is a JSON control frame sent by a Storage or Transport client.
type Request struct {
	ID          string `json:"id"`
	Method      Method `json:"method"`
	Key         string `json:"key,omitempty"`
	Tag         string `json:"tag,omitempty"`
	Value       string `json:"value,omitempty"`
	Hash        string `json:"hash,omitempty"`
	ValueIsHash bool   `json:"valueIsHash,omitempty"`
}

// ContentHash returns the hash a Transport request names. hash wins over value.
func (r *Request) ContentHash() string {
	if r.Hash != "" {
		return r.Hash
	}
	return r.Value
}

// Response echoes the request it answers and adds the result fields.
// ret is always present so that a null result is explicit on the wire.
type Response struct {
	Request
	Ret                  any    `json:"ret"`
	Err                  string `json:"err,omitempty"`
	NeedBufferFromClient *bool  `json:"needBufferFromClient,omitempty"`
	BufferSetDone        *bool  `json:"bufferSetDone,omitempty"`
	BufferSent           *bool  `json:"bufferSent,omitempty"`
}

// NewResponse starts a reply to req with a null result.
func NewResponse(req *Request) *Response {
	return &Response{Request: *req}
}

// Terminal reports whether the reply completes its request. Interim replies only
// announce the state of a binary handshake.
func (r *Response) Terminal() bool {
	if r.Err != "" {
		return true
	}
	if r.BufferSetDone != nil && !*r.BufferSetDone {
		return false
	}
	return true
}

// Ready is the first frame on a Storage or Transport connection.
type Ready struct {
	Method Method `json:"method"`
	UserID string `json:"userId"`
}

// State is the first frame on a Social connection.
type State struct {
	Cmd    string   `json:"cmd"`
	UserID string   `json:"userId"`
	Roster []string `json:"roster"`
}

// RosterEvent announces that a peer went online or offline.
type RosterEvent struct {
	Cmd    string `json:"cmd"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Message is a Social payload forwarded from one peer to another.
type Message struct {
	Cmd  string          `json:"cmd"`
	From string          `json:"from"`
	Msg  json.RawMessage `json:"msg"`
}

// Pong answers a Social ping.
type Pong struct {
	Cmd string `json:"cmd"`
}

// SocialCommand is a JSON frame sent by a Social client.
type SocialCommand struct {
	Cmd string          `json:"cmd"`
	To  string          `json:"to,omitempty"`
	Msg json.RawMessage `json:"msg,omitempty"`
}

// Bool returns a pointer to b, for the optional handshake flags.
func Bool(b bool) *bool { return &b }

// IsSet reports whether an optional flag is present and true.
func IsSet(b *bool) bool { return b != nil && *b }

// DecodeRequest parses a Storage/Transport frame. A frame without a method is an error.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.Method == "" {
		return &req, fmt.Errorf("decode request: missing method")
	}
	return &req, nil
}
