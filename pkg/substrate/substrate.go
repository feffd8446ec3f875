// Package substrate defines the messaging capability the protocol layer is
// built on: packing, unpacking, and sending typed envelopes between peer
// identities. The protocol components depend only on the Substrate interface
// so they can run against the COMMS-backed implementation or an in-process
// loopback.
package substrate

import (
	"context"
	"encoding/json"
)

// Outcome is the result enum for send and register operations. Transport
// failures are reported as outcomes, not errors.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeNoRoute      Outcome = "no-route"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeUnknownError Outcome = "unknown-error"
)

// Attachment is an opaque payload carried alongside a message body.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Base64   string `json:"base64,omitempty"`
}

// Message is an unpacked envelope.
type Message struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Thid        string          `json:"thid,omitempty"`
	CreatedTime int64           `json:"created_time,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
}

// PackResult is the structured outcome of a pack call. Pack failures are
// normal outcomes with a reason, never panics.
type PackResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Thid    string `json:"thid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UnpackResult is the structured outcome of an unpack call.
type UnpackResult struct {
	Success bool     `json:"success"`
	Message *Message `json:"-"`
	Error   string   `json:"error,omitempty"`
}

// Substrate is the messaging host capability.
type Substrate interface {
	// Pack builds an opaque envelope addressed to dest. body must be JSON.
	Pack(ctx context.Context, dest, messageType string, body []byte, attachments []Attachment, replyTo string) *PackResult
	// Unpack decodes an inbound envelope.
	Unpack(ctx context.Context, raw string) *UnpackResult
	// Send delivers a packed envelope to dest.
	Send(ctx context.Context, dest, packed string) Outcome
	// RegisterIdentity binds the local identity and starts inbound delivery
	// for it.
	RegisterIdentity(ctx context.Context, identity string) Outcome
	// Identity returns the registered local identity, or "" before
	// registration.
	Identity() string
}
