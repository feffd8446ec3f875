package prompt

import (
	"context"
	"fmt"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-agent/pkg/commsutil"
)

const posterLogPrefix = "prompt:poster"

// CommsPoster publishes prompts on the hosting application's UI subject.
type CommsPoster struct {
	conn    *comms.Conn
	subject string
}

// NewCommsPoster creates a CommsPoster.
func NewCommsPoster(conn *comms.Conn, subject string) *CommsPoster {
	return &CommsPoster{conn: conn, subject: subject}
}

// PostPrompt publishes the prompt as JSON.
func (p *CommsPoster) PostPrompt(_ context.Context, prompt *Prompt) error {
	data, err := commsutil.EncodePayload(prompt)
	if err != nil {
		return fmt.Errorf("%s - prompt encode: %w", posterLogPrefix, err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("%s - publish %s: %w", posterLogPrefix, p.subject, err)
	}
	return nil
}

// NoOpPoster drops every prompt. Used where no UI surface exists.
type NoOpPoster struct{}

func (NoOpPoster) PostPrompt(context.Context, *Prompt) error { return nil }

// CallbackPoster invokes a callback per prompt and records what it saw.
// Test double.
type CallbackPoster struct {
	Callback func(ctx context.Context, p *Prompt) error

	mu     sync.Mutex
	posted []*Prompt
}

func (p *CallbackPoster) PostPrompt(ctx context.Context, prompt *Prompt) error {
	p.mu.Lock()
	p.posted = append(p.posted, prompt)
	p.mu.Unlock()
	if p.Callback != nil {
		return p.Callback(ctx, prompt)
	}
	return nil
}

// Posted returns a copy of every prompt seen so far.
func (p *CallbackPoster) Posted() []*Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Prompt, len(p.posted))
	copy(out, p.posted)
	return out
}
