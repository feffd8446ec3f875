package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const promptTestPrefix = "prompt:prompt_test"

func TestPromptAndAwait_ResolvedByReply(t *testing.T) {
	poster := &CallbackPoster{}
	bridge := NewBridge(NewBridgeParams{Poster: poster, Timeout: time.Second})

	// The surface answers from inside the post itself, the fastest a
	// reply can possibly arrive.
	poster.Callback = func(_ context.Context, p *Prompt) error {
		ok := bridge.Resolve(&Reply{
			CorrelationID: p.CorrelationID,
			Accepted:      true,
			Payload:       json.RawMessage(`{"value":"2026-09-01"}`),
		})
		if !ok {
			t.Errorf("%s - reply found no pending prompt", promptTestPrefix)
		}
		return nil
	}

	reply, err := bridge.PromptAndAwait(context.Background(), &Prompt{Action: "pick-datetime"})
	if err != nil {
		t.Fatalf("%s - PromptAndAwait failed: %v", promptTestPrefix, err)
	}
	if !reply.Accepted || reply.Payload == nil {
		t.Errorf("%s - unexpected reply %+v", promptTestPrefix, reply)
	}
	if bridge.Pending() != 0 {
		t.Errorf("%s - pending table not drained", promptTestPrefix)
	}

	posted := poster.Posted()
	if len(posted) != 1 || posted[0].CorrelationID == "" || posted[0].Action != "pick-datetime" {
		t.Errorf("%s - malformed posted prompt %+v", promptTestPrefix, posted)
	}
}

func TestPromptAndAwait_Timeout(t *testing.T) {
	bridge := NewBridge(NewBridgeParams{Poster: NoOpPoster{}, Timeout: 30 * time.Millisecond})

	started := time.Now()
	_, err := bridge.PromptAndAwait(context.Background(), &Prompt{Action: "pay"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("%s - expected ErrTimeout, got %v", promptTestPrefix, err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("%s - 30ms window took %s", promptTestPrefix, elapsed)
	}
	if bridge.Pending() != 0 {
		t.Errorf("%s - timed-out prompt left in table", promptTestPrefix)
	}
}

func TestPromptAndAwait_ContextCancel(t *testing.T) {
	bridge := NewBridge(NewBridgeParams{Poster: NoOpPoster{}, Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := bridge.PromptAndAwait(ctx, &Prompt{Action: "share"})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("%s - expected context.Canceled, got %v", promptTestPrefix, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("%s - cancel did not release the waiter", promptTestPrefix)
	}
	if bridge.Pending() != 0 {
		t.Errorf("%s - cancelled prompt left in table", promptTestPrefix)
	}
}

func TestPromptAndAwait_PostFailure(t *testing.T) {
	poster := &CallbackPoster{Callback: func(context.Context, *Prompt) error {
		return errors.New("no surface")
	}}
	bridge := NewBridge(NewBridgeParams{Poster: poster, Timeout: time.Second})

	if _, err := bridge.PromptAndAwait(context.Background(), &Prompt{Action: "print"}); err == nil {
		t.Fatalf("%s - post failure swallowed", promptTestPrefix)
	}
	if bridge.Pending() != 0 {
		t.Errorf("%s - failed prompt left in table", promptTestPrefix)
	}
}

func TestResolve_StrayAndDuplicateReplies(t *testing.T) {
	bridge := NewBridge(NewBridgeParams{Poster: NoOpPoster{}})

	if bridge.Resolve(&Reply{CorrelationID: "nobody-home"}) {
		t.Errorf("%s - stray reply claimed a prompt", promptTestPrefix)
	}
	if bridge.Resolve(nil) || bridge.Resolve(&Reply{}) {
		t.Errorf("%s - empty reply claimed a prompt", promptTestPrefix)
	}
}

func TestResolveRaw(t *testing.T) {
	poster := &CallbackPoster{}
	bridge := NewBridge(NewBridgeParams{Poster: poster, Timeout: time.Second})

	poster.Callback = func(_ context.Context, p *Prompt) error {
		raw, _ := json.Marshal(Reply{CorrelationID: p.CorrelationID, Accepted: false, Reason: "user_declined"})
		if !bridge.ResolveRaw(raw) {
			t.Errorf("%s - wire reply not matched", promptTestPrefix)
		}
		return nil
	}

	reply, err := bridge.PromptAndAwait(context.Background(), &Prompt{Action: "dial-call"})
	if err != nil {
		t.Fatalf("%s - PromptAndAwait failed: %v", promptTestPrefix, err)
	}
	if reply.Accepted || reply.Reason != "user_declined" {
		t.Errorf("%s - unexpected reply %+v", promptTestPrefix, reply)
	}

	if bridge.ResolveRaw([]byte("not json")) {
		t.Errorf("%s - garbage reply accepted", promptTestPrefix)
	}
}
