package intents

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/peer-agent/pkg/substrate"
)

const routerTestPrefix = "intents:router_test"

// mailbox records messages delivered to one agent's demux.
type mailbox struct {
	mu   sync.Mutex
	msgs []*substrate.Message
}

func (m *mailbox) record(msg *substrate.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

// awaitMessage polls until a message of the given type arrives or the
// deadline passes.
func (m *mailbox) awaitMessage(t *testing.T, messageType string, deadline time.Duration) *substrate.Message {
	t.Helper()
	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		m.mu.Lock()
		for _, msg := range m.msgs {
			if msg.Type == messageType {
				m.mu.Unlock()
				return msg
			}
		}
		m.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s - no %s within %s", routerTestPrefix, messageType, deadline)
	return nil
}

func (m *mailbox) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// routerHarness wires a provider running the router against a bare
// requester whose inbox is recorded.
func routerHarness(t *testing.T, handlers Handlers) (*substrate.Loopback, *mailbox) {
	t.Helper()
	net := substrate.NewLoopbackNetwork()

	provider := net.Join("did:peer:provider")
	providerDmx := wireAgent(provider)
	undo := NewRouter(provider, handlers).Install(providerDmx)
	t.Cleanup(undo)

	requester := net.Join("did:peer:requester")
	requesterDmx := wireAgent(requester)
	box := &mailbox{}
	requesterDmx.Subscribe(box.record)
	return requester, box
}

func sendRequest(t *testing.T, from *substrate.Loopback, dest string, action Action) {
	t.Helper()
	requestType, err := RequestType(action)
	if err != nil {
		t.Fatalf("%s - catalog lookup: %v", routerTestPrefix, err)
	}
	packed := from.Pack(context.Background(), dest, requestType, []byte(`{}`), nil, "")
	if !packed.Success {
		t.Fatalf("%s - pack: %s", routerTestPrefix, packed.Error)
	}
	if out := from.Send(context.Background(), dest, packed.Message); out != substrate.OutcomeSuccess {
		t.Fatalf("%s - send: %s", routerTestPrefix, out)
	}
}

func TestRouter_ReplyBecomesActionResponse(t *testing.T) {
	requester, box := routerHarness(t, Handlers{
		OnRequest: func(_ context.Context, action Action, _ *substrate.Message) (*HandlerOutcome, error) {
			if action != ActionPickDatetime {
				t.Errorf("%s - wrong action decoded: %s", routerTestPrefix, action)
			}
			return &HandlerOutcome{Reply: &Reply{Result: json.RawMessage(`{"value":"2026-09-01"}`)}}, nil
		},
	})

	sendRequest(t, requester, "did:peer:provider", ActionPickDatetime)

	responseType, _ := ResponseType(ActionPickDatetime)
	msg := box.awaitMessage(t, responseType, time.Second)

	var body ResponseBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatalf("%s - response decode: %v", routerTestPrefix, err)
	}
	if body.Status != "ok" || body.Result == nil {
		t.Errorf("%s - malformed response body: %+v", routerTestPrefix, body)
	}
}

func TestRouter_DeclineOutcome(t *testing.T) {
	requester, box := routerHarness(t, Handlers{
		OnRequest: func(context.Context, Action, *substrate.Message) (*HandlerOutcome, error) {
			return &HandlerOutcome{Decline: &Decline{Reason: "busy", RetryAfterMS: 500}}, nil
		},
	})

	sendRequest(t, requester, "did:peer:provider", ActionShare)
	msg := box.awaitMessage(t, DeclineType, time.Second)

	var d Decline
	if err := json.Unmarshal(msg.Body, &d); err != nil {
		t.Fatalf("%s - decline decode: %v", routerTestPrefix, err)
	}
	if d.Reason != "busy" || d.RetryAfterMS != 500 {
		t.Errorf("%s - decline body = %+v", routerTestPrefix, d)
	}
}

func TestRouter_HandlerErrorDeclines(t *testing.T) {
	requester, box := routerHarness(t, Handlers{
		OnRequest: func(context.Context, Action, *substrate.Message) (*HandlerOutcome, error) {
			return nil, errors.New("camera unavailable")
		},
	})

	sendRequest(t, requester, "did:peer:provider", ActionCapturePhoto)
	msg := box.awaitMessage(t, DeclineType, time.Second)

	var d Decline
	if err := json.Unmarshal(msg.Body, &d); err != nil {
		t.Fatalf("%s - decline decode: %v", routerTestPrefix, err)
	}
	if d.Reason != "error" || d.Detail != "camera unavailable" {
		t.Errorf("%s - decline body = %+v", routerTestPrefix, d)
	}
}

func TestRouter_HandlerPanicDeclines(t *testing.T) {
	requester, box := routerHarness(t, Handlers{
		OnRequest: func(context.Context, Action, *substrate.Message) (*HandlerOutcome, error) {
			panic("boom")
		},
	})

	sendRequest(t, requester, "did:peer:provider", ActionPickFile)
	msg := box.awaitMessage(t, DeclineType, time.Second)

	var d Decline
	if err := json.Unmarshal(msg.Body, &d); err != nil {
		t.Fatalf("%s - decline decode: %v", routerTestPrefix, err)
	}
	if d.Reason != "error" {
		t.Errorf("%s - decline body = %+v", routerTestPrefix, d)
	}
}

func TestRouter_NilOutcomeStaysSilent(t *testing.T) {
	requester, box := routerHarness(t, Handlers{
		OnRequest: func(context.Context, Action, *substrate.Message) (*HandlerOutcome, error) {
			return nil, nil
		},
	})

	sendRequest(t, requester, "did:peer:provider", ActionTranslate)
	time.Sleep(50 * time.Millisecond)
	if n := box.count(); n != 0 {
		t.Errorf("%s - expected silence, got %d messages", routerTestPrefix, n)
	}
}

func TestRouter_CancelObserved(t *testing.T) {
	cancelled := make(chan string, 1)
	requester, _ := routerHarness(t, Handlers{
		OnCancel: func(msg *substrate.Message) {
			cancelled <- msg.From
		},
	})

	packed := requester.Pack(context.Background(), "did:peer:provider", CancelType, []byte(`{}`), nil, "")
	if !packed.Success {
		t.Fatalf("%s - pack: %s", routerTestPrefix, packed.Error)
	}
	requester.Send(context.Background(), "did:peer:provider", packed.Message)

	select {
	case from := <-cancelled:
		if from != "did:peer:requester" {
			t.Errorf("%s - cancel from %q", routerTestPrefix, from)
		}
	case <-time.After(time.Second):
		t.Fatalf("%s - cancel never observed", routerTestPrefix)
	}
}

func TestRouter_IgnoresAnonymousAndUnknownTypes(t *testing.T) {
	invoked := make(chan struct{}, 1)
	net := substrate.NewLoopbackNetwork()
	provider := net.Join("did:peer:provider")
	providerDmx := wireAgent(provider)
	undo := NewRouter(provider, Handlers{
		OnRequest: func(context.Context, Action, *substrate.Message) (*HandlerOutcome, error) {
			invoked <- struct{}{}
			return nil, nil
		},
	}).Install(providerDmx)
	defer undo()

	requestType, _ := RequestType(ActionShare)
	providerDmx.Dispatch(&substrate.Message{Type: requestType, From: ""})
	providerDmx.Dispatch(&substrate.Message{Type: "https://didcomm.org/junk/1.0/thing", From: "did:peer:other"})

	select {
	case <-invoked:
		t.Fatalf("%s - handler invoked for ignorable traffic", routerTestPrefix)
	case <-time.After(50 * time.Millisecond):
	}
}
