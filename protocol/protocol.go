// Package protocol implements the framed JSON control protocol spoken
// between the server and its agents. Each frame is one websocket text
// message holding a single envelope.
package protocol

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/overpass-net/overpass/tunnel"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformedFrame is returned by Decode for bytes that are not a valid envelope.
var ErrMalformedFrame = errors.New("malformed control frame")

// Type discriminates control messages.
type Type string

const (
	TypeAuth           Type = "auth"
	TypeAuthResponse   Type = "auth_response"
	TypeTunnelRequest  Type = "tunnel_request"
	TypeTunnelResponse Type = "tunnel_response"
	TypeTunnelClose    Type = "tunnel_close"
	TypeHTTPRequest    Type = "http_request"
	TypeHTTPResponse   Type = "http_response"
	TypeTCPData        Type = "tcp_data"
	TypeTCPClose       Type = "tcp_close"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
	TypeError          Type = "error"
)

// Known reports whether t is a message type this implementation handles.
// Unknown types are logged and dropped, never fatal to the session.
func (t Type) Known() bool {
	switch t {
	case TypeAuth, TypeAuthResponse, TypeTunnelRequest, TypeTunnelResponse,
		TypeTunnelClose, TypeHTTPRequest, TypeHTTPResponse, TypeTCPData,
		TypeTCPClose, TypePing, TypePong, TypeError:
		return true
	}
	return false
}

// Headers carries HTTP headers across the channel. Multi-valued headers
// keep their insertion order.
type Headers map[string][]string

// Message is the control-frame envelope. Type-specific fields are flat and
// omitted when empty, matching the wire schema.
type Message struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`

	// auth / auth_response
	Token    string `json:"token,omitempty"`
	Success  *bool  `json:"success,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	// tunnel lifecycle
	Config    *tunnel.Config `json:"config,omitempty"`
	TunnelID  string         `json:"tunnelId,omitempty"`
	PublicURL string         `json:"publicUrl,omitempty"`

	// http_request / http_response
	RequestID  string  `json:"requestId,omitempty"`
	Method     string  `json:"method,omitempty"`
	Path       string  `json:"path,omitempty"`
	Headers    Headers `json:"headers,omitempty"`
	Body       string  `json:"body,omitempty"`
	IsBase64   bool    `json:"isBase64,omitempty"`
	StatusCode int     `json:"statusCode,omitempty"`

	// tcp_data / tcp_close
	ConnectionID string `json:"connectionId,omitempty"`
	Data         string `json:"data,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// New builds an envelope of the given type with a fresh id and timestamp.
func New(t Type) *Message {
	return &Message{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode serializes a message into one frame.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode control frame")
	}
	return b, nil
}

// Decode parses one frame. Frames that are not valid envelopes fail with
// ErrMalformedFrame; frames of unknown type decode successfully and are
// left to the caller to drop.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "%v", err)
	}
	if m.Type == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "missing type")
	}
	return &m, nil
}

// EncodeData base64-encodes a tcp_data payload.
func EncodeData(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

// DecodeData reverses EncodeData.
func DecodeData(s string) ([]byte, error) {
	p, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, "invalid base64 payload")
	}
	return p, nil
}

// Bool returns a pointer suitable for the Success field.
func Bool(v bool) *bool { return &v }

// Succeeded reports the Success field, treating nil as false.
func (m *Message) Succeeded() bool {
	return m.Success != nil && *m.Success
}
