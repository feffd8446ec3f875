package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-agent/pkg/commsutil"
)

const commsLogPrefix = "substrate:comms"

const flushTimeout = 5 * time.Second

// Comms is the COMMS-backed Substrate. Envelopes travel as JSON over per-
// identity delivery subjects plus a shared broadcast subject for the
// wildcard destination. Envelope encryption and verification belong to the
// messaging host and are out of scope here.
type Comms struct {
	nc *comms.Conn

	mu         sync.Mutex
	identity   string
	deliverSub *comms.Subscription
	broadcast  *comms.Subscription
	onDelivery func(raw string)
}

// NewComms creates a COMMS substrate on an established connection.
func NewComms(nc *comms.Conn) *Comms {
	return &Comms{nc: nc}
}

// OnDelivery sets the inbound delivery callback. Must be set before Start.
func (c *Comms) OnDelivery(fn func(raw string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDelivery = fn
}

// Start subscribes the broadcast subject so the agent hears discovery
// queries before an identity is registered.
func (c *Comms) Start(_ context.Context) error {
	sub, err := c.nc.Subscribe(commsutil.SubjectBroadcast, func(msg *comms.Msg) {
		c.deliver(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to broadcast: %w", commsLogPrefix, err)
	}
	c.mu.Lock()
	c.broadcast = sub
	c.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - Listening on %s", commsLogPrefix, commsutil.SubjectBroadcast))
	return nil
}

// Close drains the delivery subscriptions.
func (c *Comms) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliverSub != nil {
		c.deliverSub.Unsubscribe()
		c.deliverSub = nil
	}
	if c.broadcast != nil {
		c.broadcast.Unsubscribe()
		c.broadcast = nil
	}
}

func (c *Comms) deliver(raw string) {
	c.mu.Lock()
	fn := c.onDelivery
	c.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

// Pack builds a JSON envelope addressed to dest.
func (c *Comms) Pack(_ context.Context, dest, messageType string, body []byte, attachments []Attachment, replyTo string) *PackResult {
	if messageType == "" {
		return &PackResult{Success: false, Error: "message type is required"}
	}
	if len(body) > 0 && !json.Valid(body) {
		return &PackResult{Success: false, Error: "body is not valid JSON"}
	}

	msg := Message{
		ID:          uuid.NewString(),
		Type:        messageType,
		From:        c.Identity(),
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

// Unpack decodes an inbound JSON envelope.
func (c *Comms) Unpack(_ context.Context, raw string) *UnpackResult {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return &UnpackResult{Success: false, Error: fmt.Sprintf("envelope decode: %v", err)}
	}
	if msg.Type == "" {
		return &UnpackResult{Success: false, Error: "envelope has no type"}
	}
	return &UnpackResult{Success: true, Message: &msg}
}

// Send publishes a packed envelope to the destination's delivery subject.
func (c *Comms) Send(_ context.Context, dest, packed string) Outcome {
	subject := commsutil.BuildDeliverySubject(dest)
	if err := c.nc.Publish(subject, []byte(packed)); err != nil {
		slog.Warn(fmt.Sprintf("%s - publish to %s failed: %v", commsLogPrefix, subject, err))
		return OutcomeUnknownError
	}
	if err := c.nc.FlushTimeout(flushTimeout); err != nil {
		slog.Warn(fmt.Sprintf("%s - flush after publish to %s failed: %v", commsLogPrefix, subject, err))
		return OutcomeTimeout
	}
	return OutcomeSuccess
}

// RegisterIdentity binds the local identity and subscribes its delivery
// subject. Re-registering the same identity is a no-op success.
func (c *Comms) RegisterIdentity(_ context.Context, identity string) Outcome {
	if identity == "" {
		return OutcomeUnknownError
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.identity == identity && c.deliverSub != nil {
		return OutcomeSuccess
	}
	if c.deliverSub != nil {
		c.deliverSub.Unsubscribe()
		c.deliverSub = nil
	}

	subject := commsutil.BuildDeliverySubject(identity)
	sub, err := c.nc.Subscribe(subject, func(msg *comms.Msg) {
		c.deliver(string(msg.Data))
	})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to subscribe to %s: %v", commsLogPrefix, subject, err))
		return OutcomeUnknownError
	}

	c.identity = identity
	c.deliverSub = sub
	slog.Info(fmt.Sprintf("%s - Registered identity %s on %s", commsLogPrefix, identity, subject))
	return OutcomeSuccess
}

// Identity returns the registered local identity.
func (c *Comms) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}
