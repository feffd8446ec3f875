package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/peer-agent/pkg/features"
	"github.com/morezero/peer-agent/pkg/intents"
	"github.com/morezero/peer-agent/pkg/outbox"
	"github.com/morezero/peer-agent/pkg/permissions"
	"github.com/morezero/peer-agent/pkg/store"
	"github.com/morezero/peer-agent/pkg/substrate"
)

const logPrefix = "rpc:bridge"

// NewBridgeParams holds Bridge construction parameters.
type NewBridgeParams struct {
	Substrate       substrate.Substrate
	Features        *features.Registry
	Discoverer      *features.Discoverer
	Engine          *intents.Engine
	Outbox          *outbox.Outbox
	Permissions     *permissions.Manager
	Store           store.Store
	DiscoveryWindow time.Duration
}

// Bridge routes envelope operations to the agent's components.
type Bridge struct {
	sub             substrate.Substrate
	reg             *features.Registry
	disc            *features.Discoverer
	engine          *intents.Engine
	box             *outbox.Outbox
	perms           *permissions.Manager
	st              store.Store
	discoveryWindow time.Duration
}

// NewBridge creates a Bridge.
func NewBridge(params NewBridgeParams) *Bridge {
	window := params.DiscoveryWindow
	if window <= 0 {
		window = features.DefaultWindow
	}
	return &Bridge{
		sub:             params.Substrate,
		reg:             params.Features,
		disc:            params.Discoverer,
		engine:          params.Engine,
		box:             params.Outbox,
		perms:           params.Permissions,
		st:              params.Store,
		discoveryWindow: window,
	}
}

// Dispatch routes a request to the appropriate operation and returns a
// response.
func (b *Bridge) Dispatch(ctx context.Context, req *Request) *Response {
	slog.Debug(fmt.Sprintf("%s - op=%s id=%s", logPrefix, req.Op, req.ID))

	switch req.Op {
	case "get-identity":
		return &Response{ID: req.ID, Ok: true, Result: map[string]string{"identity": b.sub.Identity()}}
	case "pack", "pack-with-attachments":
		return b.handlePack(ctx, req)
	case "unpack":
		return b.handleUnpack(ctx, req)
	case "register-identity":
		return b.handleRegisterIdentity(ctx, req)
	case "send":
		return b.handleSend(ctx, req)
	case "send-raw":
		return b.handleSendRaw(ctx, req)
	case "discover-features":
		return b.handleDiscoverFeatures(ctx, req)
	case "advertise-feature":
		return b.handleAdvertiseFeature(req)
	case "advertise-intent":
		return b.handleAdvertiseIntent(req)
	case "discover-intents":
		return b.handleDiscoverIntents(ctx, req)
	case "request-intent":
		return b.handleRequestIntent(ctx, req)
	case "check-permission":
		return b.handleCheckPermission(req)
	case "check-permissions-batch":
		return b.handleCheckPermissionsBatch(req)
	case "request-permissions":
		return b.handleRequestPermissions(ctx, req)
	case "list-granted-permissions":
		return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"granted": b.perms.ListGranted()}}
	default:
		return errorResponse(req.ID, "OP_NOT_FOUND", fmt.Sprintf("Unknown op: %s", req.Op), false)
	}
}

// HandleRaw decodes a wire envelope, dispatches it, and encodes the
// response. It always returns a valid envelope.
func (b *Bridge) HandleRaw(ctx context.Context, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return mustEncode(errorResponse("", "INVALID_ENVELOPE", "Failed to parse request envelope", false))
	}
	return mustEncode(b.Dispatch(ctx, &req))
}

func (b *Bridge) handlePack(ctx context.Context, req *Request) *Response {
	var input struct {
		To          string                 `json:"to"`
		Type        string                 `json:"type"`
		Body        json.RawMessage        `json:"body"`
		Attachments []substrate.Attachment `json:"attachments"`
		ReplyTo     string                 `json:"reply_to"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse pack params", false)
	}

	packed := b.sub.Pack(ctx, input.To, input.Type, input.Body, input.Attachments, input.ReplyTo)
	if !packed.Success {
		return errorResponse(req.ID, "PACK_FAILED", packed.Error, false)
	}
	return &Response{ID: req.ID, Ok: true, Result: packed}
}

func (b *Bridge) handleUnpack(ctx context.Context, req *Request) *Response {
	var input struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse unpack params", false)
	}

	up := b.sub.Unpack(ctx, input.Message)
	if !up.Success {
		return errorResponse(req.ID, "UNPACK_FAILED", up.Error, false)
	}
	return &Response{ID: req.ID, Ok: true, Result: up}
}

func (b *Bridge) handleRegisterIdentity(ctx context.Context, req *Request) *Response {
	var input struct {
		Identity string `json:"identity"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse register-identity params", false)
	}
	if input.Identity == "" {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "identity is required", false)
	}

	out := b.sub.RegisterIdentity(ctx, input.Identity)
	if out != substrate.OutcomeSuccess {
		return errorResponse(req.ID, "REGISTER_FAILED", string(out), true)
	}
	// The identity survives restarts; the server re-registers it at startup.
	if err := b.st.Put(ctx, store.KeyIdentity, input.Identity); err != nil {
		return errorResponse(req.ID, "PERSIST_FAILED", err.Error(), true)
	}
	// A registered identity makes queued deliveries viable.
	b.box.SetReady(ctx)
	return &Response{ID: req.ID, Ok: true, Result: map[string]string{"outcome": string(out)}}
}

func (b *Bridge) handleSend(ctx context.Context, req *Request) *Response {
	var input struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse send params", false)
	}

	if err := b.box.EnqueueAndSend(ctx, input.To, input.Message); err != nil {
		return errorResponse(req.ID, "PERSIST_FAILED", err.Error(), true)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"accepted": true, "queued": b.box.Len()}}
}

func (b *Bridge) handleSendRaw(ctx context.Context, req *Request) *Response {
	var input struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse send-raw params", false)
	}

	out := b.sub.Send(ctx, input.To, input.Message)
	if out != substrate.OutcomeSuccess {
		return errorResponse(req.ID, "SEND_FAILED", string(out), out == substrate.OutcomeTimeout)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]string{"outcome": string(out)}}
}

func (b *Bridge) handleDiscoverFeatures(ctx context.Context, req *Request) *Response {
	var input struct {
		Queries  []features.QuerySpec `json:"queries"`
		WindowMS int64                `json:"window_ms"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse discover-features params", false)
	}

	window := b.discoveryWindow
	if input.WindowMS > 0 {
		window = time.Duration(input.WindowMS) * time.Millisecond
	}
	disclosed, err := b.disc.Discover(ctx, features.NormalizeQueries(input.Queries), window)
	if err != nil {
		return errorResponse(req.ID, "DISCOVERY_FAILED", err.Error(), true)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"disclosed": disclosed}}
}

func (b *Bridge) handleAdvertiseFeature(req *Request) *Response {
	var input struct {
		FeatureType string   `json:"feature-type"`
		ID          string   `json:"id"`
		Roles       []string `json:"roles"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse advertise-feature params", false)
	}

	if err := b.reg.Advertise(input.FeatureType, input.ID, input.Roles); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", err.Error(), false)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]int{"advertised": len(b.reg.Snapshot())}}
}

func (b *Bridge) handleAdvertiseIntent(req *Request) *Response {
	var input struct {
		Actions []string `json:"actions"`
		Roles   []string `json:"roles"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse advertise-intent params", false)
	}

	actions := make([]intents.Action, len(input.Actions))
	for i, code := range input.Actions {
		actions[i] = intents.Action(code)
	}
	done := intents.AdvertiseIntents(b.reg, actions, input.Roles)
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"advertised": done}}
}

func (b *Bridge) handleDiscoverIntents(ctx context.Context, req *Request) *Response {
	var input struct {
		Matchers []string `json:"matchers"`
		WindowMS int64    `json:"window_ms"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse discover-intents params", false)
	}

	window := b.discoveryWindow
	if input.WindowMS > 0 {
		window = time.Duration(input.WindowMS) * time.Millisecond
	}
	disclosed, err := b.disc.Discover(ctx, intents.ProviderQueries(input.Matchers), window)
	if err != nil {
		return errorResponse(req.ID, "DISCOVERY_FAILED", err.Error(), true)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{
		"providers": intents.FilterProviderDisclosures(disclosed),
	}}
}

func (b *Bridge) handleRequestIntent(ctx context.Context, req *Request) *Response {
	var input struct {
		To        string          `json:"to"`
		Action    string          `json:"action"`
		Type      string          `json:"type"`
		Body      json.RawMessage `json:"body"`
		NoWait    bool            `json:"no_wait"`
		TimeoutMS int64           `json:"timeout_ms"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse request-intent params", false)
	}

	requestType := input.Type
	if requestType == "" && input.Action != "" {
		action, err := intents.ParseAction(input.Action)
		if err != nil {
			return errorResponse(req.ID, "INVALID_ARGUMENT", err.Error(), false)
		}
		requestType, _ = intents.RequestType(action)
	}

	outcome, err := b.engine.Request(ctx, input.To, input.Body, intents.RequestOptions{
		RequestType: requestType,
		NoWait:      input.NoWait,
		Timeout:     time.Duration(input.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", err.Error(), false)
	}
	return &Response{ID: req.ID, Ok: true, Result: outcome}
}

func (b *Bridge) handleCheckPermission(req *Request) *Response {
	var input struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse check-permission params", false)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]bool{"granted": b.perms.Check(input.Action)}}
}

func (b *Bridge) handleCheckPermissionsBatch(req *Request) *Response {
	var input struct {
		Actions []string `json:"actions"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse check-permissions-batch params", false)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"granted": b.perms.CheckBatch(input.Actions)}}
}

func (b *Bridge) handleRequestPermissions(ctx context.Context, req *Request) *Response {
	var input struct {
		Actions []string `json:"actions"`
	}
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, "INVALID_ARGUMENT", "Failed to parse request-permissions params", false)
	}

	results, err := b.perms.Request(ctx, input.Actions)
	if err != nil {
		return errorResponse(req.ID, "PERSIST_FAILED", err.Error(), true)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"granted": results}}
}

// --- helpers ---

func errorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func mustEncode(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", logPrefix, err))
		return []byte(`{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"response encode failed","retryable":false}}`)
	}
	return data
}
