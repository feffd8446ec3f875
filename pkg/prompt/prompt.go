// Package prompt correlates outbound user-interaction prompts with the
// asynchronous replies the hosting UI eventually posts back.
package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/peer-agent/pkg/commsutil"
)

const logPrefix = "prompt:prompt"

// DefaultTimeout bounds how long a prompt waits for a human before the
// conversation is declined on their behalf.
const DefaultTimeout = 20 * time.Second

// ErrTimeout is returned when no reply arrives within the prompt window.
var ErrTimeout = errors.New("prompt timed out")

// Prompt is one pending question for the user.
type Prompt struct {
	CorrelationID string          `json:"correlation_id"`
	Action        string          `json:"action"`
	Tier          string          `json:"tier,omitempty"`
	From          string          `json:"from,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	CreatedTime   int64           `json:"created_time"`
}

// Reply is the UI's answer to a prompt.
type Reply struct {
	CorrelationID string          `json:"correlation_id"`
	Accepted      bool            `json:"accepted"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// Poster delivers a prompt toward whatever surface can show it. The
// delivery target is out of scope here; replies come back through
// Resolve.
type Poster interface {
	PostPrompt(ctx context.Context, p *Prompt) error
}

// NewBridgeParams holds Bridge construction parameters.
type NewBridgeParams struct {
	Poster  Poster
	Timeout time.Duration
}

// Bridge owns the pending prompt table. One entry per outstanding
// correlation token; each settles exactly once, by reply or by timeout.
type Bridge struct {
	poster  Poster
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *Reply
}

// NewBridge creates a Bridge.
func NewBridge(params NewBridgeParams) *Bridge {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		poster:  params.Poster,
		timeout: timeout,
		pending: make(map[string]chan *Reply),
	}
}

// Pending reports the number of unanswered prompts.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PromptAndAwait posts the prompt and blocks until the UI replies, the
// window elapses, or ctx is done. A missing correlation id is filled in.
func (b *Bridge) PromptAndAwait(ctx context.Context, p *Prompt) (*Reply, error) {
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.NewString()
	}
	if p.CreatedTime == 0 {
		p.CreatedTime = time.Now().Unix()
	}

	ch := make(chan *Reply, 1)
	b.mu.Lock()
	if _, exists := b.pending[p.CorrelationID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%s - correlation id already pending: %s", logPrefix, p.CorrelationID)
	}
	b.pending[p.CorrelationID] = ch
	b.mu.Unlock()

	// Register before posting so a surface answering within 0ms of the
	// post cannot race the table entry.
	if err := b.poster.PostPrompt(ctx, p); err != nil {
		b.drop(p.CorrelationID)
		return nil, fmt.Errorf("%s - post prompt: %w", logPrefix, err)
	}
	slog.Debug(fmt.Sprintf("%s - awaiting reply correlation_id=%s action=%s timeout=%s", logPrefix, p.CorrelationID, p.Action, b.timeout))

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		b.drop(p.CorrelationID)
		return nil, ErrTimeout
	case <-ctx.Done():
		b.drop(p.CorrelationID)
		return nil, ctx.Err()
	}
}

// Resolve hands a UI reply to its waiting prompt. Replies with no pending
// correlation id are dropped; a prompt settles at most once.
func (b *Bridge) Resolve(reply *Reply) bool {
	if reply == nil || reply.CorrelationID == "" {
		return false
	}
	b.mu.Lock()
	ch, ok := b.pending[reply.CorrelationID]
	if ok {
		delete(b.pending, reply.CorrelationID)
	}
	b.mu.Unlock()
	if !ok {
		slog.Debug(fmt.Sprintf("%s - stray reply dropped correlation_id=%s", logPrefix, reply.CorrelationID))
		return false
	}
	ch <- reply
	return true
}

// ResolveRaw decodes a wire-format reply and resolves it.
func (b *Bridge) ResolveRaw(data []byte) bool {
	var reply Reply
	if err := commsutil.DecodePayload(data, &reply); err != nil {
		slog.Warn(fmt.Sprintf("%s - reply decode: %v", logPrefix, err))
		return false
	}
	return b.Resolve(&reply)
}

func (b *Bridge) drop(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}
