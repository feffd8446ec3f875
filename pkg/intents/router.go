package intents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/peer-agent/pkg/demux"
	"github.com/morezero/peer-agent/pkg/substrate"
)

const routerLogPrefix = "intents:router"

// Reply is a handler's positive outcome: the result payload for the
// action's paired response message.
type Reply struct {
	Result  json.RawMessage
	Receipt json.RawMessage
}

// HandlerOutcome is what an OnRequest handler returns: exactly one of
// Reply or Decline. A nil outcome with a nil error means no reply at all.
type HandlerOutcome struct {
	Reply   *Reply
	Decline *Decline
}

// Handlers are supplied by the hosting application.
type Handlers struct {
	// OnRequest handles an inbound intent request, possibly after a long
	// user interaction. An error (or panic) becomes a decline with reason
	// "error".
	OnRequest func(ctx context.Context, action Action, msg *substrate.Message) (*HandlerOutcome, error)
	// OnCancel observes a cancel message; no reply is sent.
	OnCancel func(msg *substrate.Message)
}

// Router classifies inbound messages as intent requests and dispatches
// them to the registered handlers. The dispatch path never panics outward:
// a malformed inbound event must not take down the listener.
type Router struct {
	sender   *Sender
	handlers Handlers
}

// NewRouter creates a Router emitting replies through the given substrate.
func NewRouter(sub substrate.Substrate, handlers Handlers) *Router {
	return &Router{sender: NewSender(sub), handlers: handlers}
}

// Install subscribes the router to the inbound demux and returns its
// unsubscribe function.
func (r *Router) Install(dmx *demux.Demux) func() {
	return dmx.Subscribe(r.handle)
}

func (r *Router) handle(msg *substrate.Message) {
	if msg.From == "" {
		return
	}
	if action, ok := ActionFromRequestType(msg.Type); ok {
		if r.handlers.OnRequest == nil {
			return
		}
		// Handlers may block on a human; run them off the fan-out pass so
		// one slow conversation does not stall other listeners.
		go r.dispatchRequest(action, msg)
		return
	}
	if msg.Type == CancelType && r.handlers.OnCancel != nil {
		r.handlers.OnCancel(msg)
	}
}

func (r *Router) dispatchRequest(action Action, msg *substrate.Message) {
	ctx := context.Background()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error(fmt.Sprintf("%s - handler panic on %s: %v", routerLogPrefix, action, rec))
			r.sender.SendDecline(ctx, msg.From, Decline{Reason: "error", Detail: fmt.Sprint(rec)})
		}
	}()

	outcome, err := r.handlers.OnRequest(ctx, action, msg)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - handler error on %s: %v", routerLogPrefix, action, err))
		r.sender.SendDecline(ctx, msg.From, Decline{Reason: "error", Detail: err.Error()})
		return
	}
	if outcome == nil {
		return
	}

	switch {
	case outcome.Reply != nil:
		if out := r.sender.SendActionResponse(ctx, msg.From, action, outcome.Reply.Result, outcome.Reply.Receipt); out != substrate.OutcomeSuccess {
			slog.Warn(fmt.Sprintf("%s - response send to %s failed: %s", routerLogPrefix, msg.From, out))
		}
	case outcome.Decline != nil:
		if out := r.sender.SendDecline(ctx, msg.From, *outcome.Decline); out != substrate.OutcomeSuccess {
			slog.Warn(fmt.Sprintf("%s - decline send to %s failed: %s", routerLogPrefix, msg.From, out))
		}
	}
}
