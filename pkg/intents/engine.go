package intents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/morezero/peer-agent/pkg/demux"
	"github.com/morezero/peer-agent/pkg/substrate"
)

const engineLogPrefix = "intents:engine"

// DefaultRequestTimeout bounds a waited intent conversation when neither
// the caller nor the body's return.deadline_ms says otherwise.
const DefaultRequestTimeout = 15 * time.Second

// Transport error codes surfaced in Outcome.Error.
const (
	ErrPackFailed = "pack-failed"
	ErrSendFailed = "send-failed"
	ErrTimeout    = "timeout"
)

// RequestOptions tunes a single intent request.
type RequestOptions struct {
	// RequestType is the concrete request message type. Required: a request
	// with no resolvable type is a programming error, not a network error.
	RequestType string
	// NoWait sends without keeping any conversation state.
	NoWait bool
	// Timeout overrides the conversation deadline.
	Timeout time.Duration
	// OnProgress receives non-terminal progress bodies, any number of times.
	OnProgress func(body json.RawMessage)
}

// Outcome is the terminal result of an intent request.
type Outcome struct {
	Success  bool            `json:"success"`
	Sent     bool            `json:"sent,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Accept   json.RawMessage `json:"accept,omitempty"`
	Decline  json.RawMessage `json:"decline,omitempty"`
	Error    string          `json:"error,omitempty"`
	Details  string          `json:"details,omitempty"`
	TookMS   int64           `json:"took_ms,omitempty"`
}

// EngineParams holds Engine construction parameters.
type EngineParams struct {
	Substrate      substrate.Substrate
	Demux          *demux.Demux
	DefaultTimeout time.Duration
}

// Engine initiates outbound intent conversations and correlates their
// terminal events off the inbound demux.
type Engine struct {
	sub            substrate.Substrate
	dmx            *demux.Demux
	defaultTimeout time.Duration
}

// NewEngine creates an Engine.
func NewEngine(params EngineParams) *Engine {
	timeout := params.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Engine{sub: params.Substrate, dmx: params.Demux, defaultTimeout: timeout}
}

// Request runs one intent conversation against dest. Validation failures
// return a synchronous error; transport failures, declines, and timeouts
// are structured outcomes.
func (e *Engine) Request(ctx context.Context, dest string, body json.RawMessage, opts RequestOptions) (*Outcome, error) {
	normalized, err := ValidateRequestBody(body)
	if err != nil {
		return nil, err
	}

	if opts.RequestType == "" {
		return nil, fmt.Errorf("%s - request type is required", engineLogPrefix)
	}
	action, ok := ActionFromRequestType(opts.RequestType)
	if !ok {
		return nil, fmt.Errorf("%s - request type outside catalog: %q", engineLogPrefix, opts.RequestType)
	}
	expectedResponse, err := ResponseType(action)
	if err != nil {
		return nil, err
	}

	if opts.NoWait {
		return e.fireAndForget(ctx, dest, opts.RequestType, normalized), nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		if ms := bodyDeadlineMS(normalized); ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		} else {
			timeout = e.defaultTimeout
		}
	}

	started := time.Now()
	result := make(chan *Outcome, 1)

	var mu sync.Mutex
	settled := false

	// resolve only settles and hands off the outcome. The subscription is
	// torn down by Request on exit: the callback can fire from the delivery
	// goroutine before Subscribe has even returned, so it must not depend
	// on the subscription handle.
	resolve := func(o *Outcome) {
		mu.Lock()
		if settled {
			mu.Unlock()
			return
		}
		settled = true
		mu.Unlock()
		o.TookMS = time.Since(started).Milliseconds()
		result <- o
	}

	// Subscribe before sending so a responder replying within 0ms of send
	// cannot slip past the waiter.
	unsubscribe := e.dmx.Subscribe(func(msg *substrate.Message) {
		switch {
		case msg.Type == ProgressType:
			if opts.OnProgress != nil {
				opts.OnProgress(msg.Body)
			}
		case msg.Type == expectedResponse:
			resolve(&Outcome{Success: true, Response: msg.Body})
		case matchesFamilyResponse(msg.Type):
			// Any app-intent response for this family (fallback).
			resolve(&Outcome{Success: true, Response: msg.Body})
		case strings.HasSuffix(msg.Type, "/accept"):
			// Back-compat: old generic accept.
			resolve(&Outcome{Success: true, Accept: msg.Body})
		case msg.Type == DeclineType || strings.HasSuffix(msg.Type, "/decline"):
			resolve(&Outcome{Success: false, Decline: msg.Body})
		}
	})
	defer unsubscribe()

	// The timer is armed at subscribe time, before pack and send.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	packed := e.sub.Pack(ctx, dest, opts.RequestType, normalized, nil, "")
	if !packed.Success {
		resolve(&Outcome{Success: false, Error: ErrPackFailed, Details: packed.Error})
		return <-result, nil
	}
	if out := e.sub.Send(ctx, dest, packed.Message); out != substrate.OutcomeSuccess {
		resolve(&Outcome{Success: false, Error: ErrSendFailed, Details: string(out)})
		return <-result, nil
	}
	slog.Debug(fmt.Sprintf("%s - awaiting result dest=%s type=%s timeout=%s", engineLogPrefix, dest, opts.RequestType, timeout))

	select {
	case o := <-result:
		return o, nil
	case <-timer.C:
		resolve(&Outcome{Success: false, Error: ErrTimeout})
		return <-result, nil
	case <-ctx.Done():
		resolve(&Outcome{Success: false, Error: ErrTimeout, Details: ctx.Err().Error()})
		return <-result, nil
	}
}

func (e *Engine) fireAndForget(ctx context.Context, dest, requestType string, body json.RawMessage) *Outcome {
	packed := e.sub.Pack(ctx, dest, requestType, body, nil, "")
	if !packed.Success {
		return &Outcome{Success: false, Error: ErrPackFailed, Details: packed.Error}
	}
	if out := e.sub.Send(ctx, dest, packed.Message); out != substrate.OutcomeSuccess {
		return &Outcome{Success: false, Error: ErrSendFailed, Details: string(out)}
	}
	return &Outcome{Success: true, Sent: true}
}

func matchesFamilyResponse(messageType string) bool {
	_, ok := FamilyResponseAction(messageType)
	return ok
}
