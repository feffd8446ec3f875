package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/peer-agent/pkg/commsutil"
)

// LoopbackNetwork connects Loopback substrates in-process. Delivery is
// synchronous in the sender's goroutine, which makes the zero-delay reply
// race observable in tests.
type LoopbackNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Loopback
}

// NewLoopbackNetwork creates an empty in-process network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{nodes: make(map[string]*Loopback)}
}

// Join creates a Loopback node with the given identity already registered.
func (n *LoopbackNetwork) Join(identity string) *Loopback {
	l := &Loopback{net: n, identity: identity}
	n.mu.Lock()
	n.nodes[identity] = l
	n.mu.Unlock()
	return l
}

func (n *LoopbackNetwork) route(from, dest, packed string) Outcome {
	n.mu.Lock()
	var targets []*Loopback
	if dest == commsutil.DestAll {
		for id, node := range n.nodes {
			if id != from {
				targets = append(targets, node)
			}
		}
	} else if node, ok := n.nodes[dest]; ok {
		targets = append(targets, node)
	}
	n.mu.Unlock()

	if len(targets) == 0 && dest != commsutil.DestAll {
		return OutcomeNoRoute
	}
	for _, t := range targets {
		t.deliver(packed)
	}
	return OutcomeSuccess
}

// Loopback is an in-process Substrate for tests and embedded use.
type Loopback struct {
	net *LoopbackNetwork

	mu         sync.Mutex
	identity   string
	onDelivery func(raw string)

	// Failure injection.
	FailPack     bool
	ForceOutcome Outcome
}

// OnDelivery sets the inbound delivery callback.
func (l *Loopback) OnDelivery(fn func(raw string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDelivery = fn
}

func (l *Loopback) deliver(raw string) {
	l.mu.Lock()
	fn := l.onDelivery
	l.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

// Pack builds a JSON envelope, honoring FailPack.
func (l *Loopback) Pack(_ context.Context, dest, messageType string, body []byte, attachments []Attachment, replyTo string) *PackResult {
	if l.FailPack {
		return &PackResult{Success: false, Error: "pack failure injected"}
	}
	msg := Message{
		ID:          uuid.NewString(),
		Type:        messageType,
		From:        l.Identity(),
		To:          dest,
		Thid:        replyTo,
		CreatedTime: time.Now().Unix(),
		Body:        body,
		Attachments: attachments,
	}
	if msg.Thid == "" {
		msg.Thid = msg.ID
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return &PackResult{Success: false, Error: fmt.Sprintf("envelope encode: %v", err)}
	}
	return &PackResult{Success: true, Message: string(data), Thid: msg.Thid}
}

// Unpack decodes a JSON envelope.
func (l *Loopback) Unpack(_ context.Context, raw string) *UnpackResult {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return &UnpackResult{Success: false, Error: fmt.Sprintf("envelope decode: %v", err)}
	}
	if msg.Type == "" {
		return &UnpackResult{Success: false, Error: "envelope has no type"}
	}
	return &UnpackResult{Success: true, Message: &msg}
}

// Send routes through the network synchronously, honoring ForceOutcome.
func (l *Loopback) Send(_ context.Context, dest, packed string) Outcome {
	if l.ForceOutcome != "" {
		return l.ForceOutcome
	}
	return l.net.route(l.Identity(), dest, packed)
}

// RegisterIdentity rebinds the node under a new identity.
func (l *Loopback) RegisterIdentity(_ context.Context, identity string) Outcome {
	if identity == "" {
		return OutcomeUnknownError
	}
	l.net.mu.Lock()
	l.mu.Lock()
	if l.identity != "" {
		delete(l.net.nodes, l.identity)
	}
	l.identity = identity
	l.net.nodes[identity] = l
	l.mu.Unlock()
	l.net.mu.Unlock()
	return OutcomeSuccess
}

// Identity returns the node's identity.
func (l *Loopback) Identity() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.identity
}
