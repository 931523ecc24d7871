// Package proto defines the messages exchanged between the agent and the
// relay. The first yamux stream of a session is the control stream and
// carries Message values; every further stream is a data stream opened by
// the relay and starts with a StreamHeader line.
package proto

import "github.com/matst80/showoff-agent/internal/options"

type Type string

const (
	TypeAuth    Type = "auth"
	TypeAuthOK  Type = "auth_ok"
	TypeBind    Type = "bind"
	TypeBound   Type = "bound"
	TypeUnbind  Type = "unbind"
	TypeUnbound Type = "unbound"
	TypeCommand Type = "command"
	TypeAck     Type = "ack"
	TypeError   Type = "error"
)

// Commands the relay operator may send to an agent.
const (
	CommandStop    = "stop"
	CommandRestart = "restart"
)

// Message is the control stream envelope. ReqID pairs a request with its
// reply; exactly one payload matching Type is set.
type Message struct {
	Type    Type     `json:"type" cbor:"type"`
	ReqID   uint64   `json:"req_id,omitempty" cbor:"req_id,omitempty"`
	Auth    *Auth    `json:"auth,omitempty" cbor:"auth,omitempty"`
	AuthOK  *AuthOK  `json:"auth_ok,omitempty" cbor:"auth_ok,omitempty"`
	Bind    *Bind    `json:"bind,omitempty" cbor:"bind,omitempty"`
	Bound   *Bound   `json:"bound,omitempty" cbor:"bound,omitempty"`
	Unbind  *Unbind  `json:"unbind,omitempty" cbor:"unbind,omitempty"`
	Command *Command `json:"command,omitempty" cbor:"command,omitempty"`
	Error   *Error   `json:"error,omitempty" cbor:"error,omitempty"`
}

type ClientInfo struct {
	Type     string `json:"type" cbor:"type"`
	Version  string `json:"version" cbor:"version"`
	Comments string `json:"comments,omitempty" cbor:"comments,omitempty"`
}

// Auth is sent by the agent as the first control message. SessionID is set
// when resuming a session after a lost connection.
type Auth struct {
	Token      string       `json:"token" cbor:"token"`
	Metadata   string       `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	ClientInfo []ClientInfo `json:"client_info,omitempty" cbor:"client_info,omitempty"`
	SessionID  string       `json:"session_id,omitempty" cbor:"session_id,omitempty"`
}

// AuthOK server -> client acknowledgement.
type AuthOK struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	Msg       string `json:"msg,omitempty" cbor:"msg,omitempty"`
}

// Bind asks the relay for a listener. ID is set when re-binding an existing
// listener after reconnect.
type Bind struct {
	ID      string           `json:"id,omitempty" cbor:"id,omitempty"`
	Kind    options.Kind     `json:"kind" cbor:"kind"`
	Options options.Endpoint `json:"options" cbor:"options"`
}

// Bound describes a listener the relay created.
type Bound struct {
	ID         string            `json:"id" cbor:"id"`
	URL        string            `json:"url,omitempty" cbor:"url,omitempty"`
	Proto      string            `json:"proto,omitempty" cbor:"proto,omitempty"`
	Labels     map[string]string `json:"labels,omitempty" cbor:"labels,omitempty"`
	ForwardsTo string            `json:"forwards_to,omitempty" cbor:"forwards_to,omitempty"`
	Metadata   string            `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

type Unbind struct {
	ID string `json:"id" cbor:"id"`
}

type Command struct {
	Name string `json:"name" cbor:"name"`
}

// Error is a failure reply. Code is a short machine readable tag.
type Error struct {
	Code string `json:"code" cbor:"code"`
	Msg  string `json:"msg" cbor:"msg"`
}

// Error codes used by the relay.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeConflict     = "conflict"
	CodeNotFound     = "not_found"
	CodeUnsupported  = "unsupported"
	CodeInternal     = "internal"
)

// StreamHeader is the first line on every data stream.
type StreamHeader struct {
	ListenerID string `json:"listener_id"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}
