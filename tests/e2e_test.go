// Package tests contains end-to-end tests for the peer agent. These tests
// start an embedded NATS server and run two full agent stacks against it,
// exercising discovery and intent round trips over real transport.
package tests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-agent/pkg/commsutil"
	"github.com/morezero/peer-agent/pkg/demux"
	"github.com/morezero/peer-agent/pkg/features"
	"github.com/morezero/peer-agent/pkg/intents"
	"github.com/morezero/peer-agent/pkg/outbox"
	"github.com/morezero/peer-agent/pkg/permissions"
	"github.com/morezero/peer-agent/pkg/rpc"
	"github.com/morezero/peer-agent/pkg/store"
	"github.com/morezero/peer-agent/pkg/substrate"
)

const (
	e2eTestPrefix = "tests:e2e_test"
	testPort      = 14251
)

// agent is one full in-process peer stack on the shared NATS server.
type agent struct {
	nc  *comms.Conn
	sub *substrate.Comms
	dmx *demux.Demux
	reg *features.Registry
}

func startServer(t *testing.T) *commsserver.Server {
	t.Helper()
	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   testPort,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", e2eTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - NATS server failed to start", e2eTestPrefix)
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func startAgent(t *testing.T, url, identity string) *agent {
	t.Helper()
	ctx := context.Background()

	nc, err := comms.Connect(url, comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - failed to connect %s: %v", e2eTestPrefix, identity, err)
	}
	t.Cleanup(nc.Close)

	sub := substrate.NewComms(nc)
	dmx := demux.New()
	sub.OnDelivery(func(raw string) {
		up := sub.Unpack(ctx, raw)
		if up.Success {
			dmx.Dispatch(up.Message)
		}
	})
	if err := sub.Start(ctx); err != nil {
		t.Fatalf("%s - failed to start substrate for %s: %v", e2eTestPrefix, identity, err)
	}
	t.Cleanup(sub.Close)
	if out := sub.RegisterIdentity(ctx, identity); out != substrate.OutcomeSuccess {
		t.Fatalf("%s - failed to register %s: %s", e2eTestPrefix, identity, out)
	}

	return &agent{nc: nc, sub: sub, dmx: dmx, reg: features.NewRegistry()}
}

func TestDiscoverAndRequestIntent(t *testing.T) {
	ns := startServer(t)
	ctx := context.Background()

	// Provider advertises pick-datetime and answers it.
	provider := startAgent(t, ns.ClientURL(), "did:peer:provider")
	if err := intents.AdvertiseIntent(provider.reg, intents.ActionPickDatetime, nil); err != nil {
		t.Fatalf("%s - advertise: %v", e2eTestPrefix, err)
	}
	undoResponder := features.NewAutoResponder(provider.sub, provider.reg).Install(provider.dmx)
	defer undoResponder()
	undoRouter := intents.NewRouter(provider.sub, intents.Handlers{
		OnRequest: func(_ context.Context, action intents.Action, _ *substrate.Message) (*intents.HandlerOutcome, error) {
			if action != intents.ActionPickDatetime {
				t.Errorf("%s - provider saw action %s", e2eTestPrefix, action)
			}
			return &intents.HandlerOutcome{Reply: &intents.Reply{
				Result: json.RawMessage(`{"value":"2026-09-01T10:00:00Z"}`),
			}}, nil
		},
	}).Install(provider.dmx)
	defer undoRouter()

	requester := startAgent(t, ns.ClientURL(), "did:peer:requester")

	// Discovery: who can pick a datetime?
	disc := features.NewDiscoverer(requester.sub, requester.dmx)
	disclosed, err := disc.Discover(ctx, intents.ProviderQueries([]string{"pick-datetime"}), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("%s - discover: %v", e2eTestPrefix, err)
	}
	providers := intents.FilterProviderDisclosures(disclosed)
	if len(providers["did:peer:provider"]) != 1 {
		t.Fatalf("%s - provider not discovered: %v", e2eTestPrefix, disclosed)
	}

	// Intent round trip against the discovered peer.
	engine := intents.NewEngine(intents.EngineParams{Substrate: requester.sub, Demux: requester.dmx})
	requestType, _ := intents.RequestType(intents.ActionPickDatetime)
	outcome, err := engine.Request(ctx, "did:peer:provider", nil, intents.RequestOptions{
		RequestType: requestType,
		Timeout:     3 * time.Second,
	})
	if err != nil {
		t.Fatalf("%s - request: %v", e2eTestPrefix, err)
	}
	if !outcome.Success {
		t.Fatalf("%s - intent failed: %+v", e2eTestPrefix, outcome)
	}

	var body intents.ResponseBody
	if err := json.Unmarshal(outcome.Response, &body); err != nil {
		t.Fatalf("%s - response decode: %v", e2eTestPrefix, err)
	}
	var result struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body.Result, &result); err != nil || result.Value != "2026-09-01T10:00:00Z" {
		t.Errorf("%s - result %v (%v)", e2eTestPrefix, result, err)
	}
}

func TestDeclineOverRealTransport(t *testing.T) {
	ns := startServer(t)
	ctx := context.Background()

	provider := startAgent(t, ns.ClientURL(), "did:peer:provider")
	undoRouter := intents.NewRouter(provider.sub, intents.Handlers{
		OnRequest: func(context.Context, intents.Action, *substrate.Message) (*intents.HandlerOutcome, error) {
			return &intents.HandlerOutcome{Decline: &intents.Decline{Reason: "busy"}}, nil
		},
	}).Install(provider.dmx)
	defer undoRouter()

	requester := startAgent(t, ns.ClientURL(), "did:peer:requester")
	engine := intents.NewEngine(intents.EngineParams{Substrate: requester.sub, Demux: requester.dmx})
	requestType, _ := intents.RequestType(intents.ActionShare)
	outcome, err := engine.Request(ctx, "did:peer:provider", nil, intents.RequestOptions{
		RequestType: requestType,
		Timeout:     3 * time.Second,
	})
	if err != nil {
		t.Fatalf("%s - request: %v", e2eTestPrefix, err)
	}
	if outcome.Success || outcome.Decline == nil {
		t.Fatalf("%s - expected decline, got %+v", e2eTestPrefix, outcome)
	}
}

func TestRPCOverRealTransport(t *testing.T) {
	ns := startServer(t)
	ctx := context.Background()

	self := startAgent(t, ns.ClientURL(), "did:peer:self")
	st := store.NewMemStore()
	bridge := rpc.NewBridge(rpc.NewBridgeParams{
		Substrate:       self.sub,
		Features:        self.reg,
		Discoverer:      features.NewDiscoverer(self.sub, self.dmx),
		Engine:          intents.NewEngine(intents.EngineParams{Substrate: self.sub, Demux: self.dmx}),
		Outbox:          outbox.NewOutbox(outbox.NewOutboxParams{Transport: self.sub, Store: st}),
		Permissions:     permissions.NewManager(permissions.NewManagerParams{Store: st}),
		Store:           st,
		DiscoveryWindow: 200 * time.Millisecond,
	})

	rpcSubject := commsutil.BuildRPCSubject("e2e-agent")
	sub, err := self.nc.Subscribe(rpcSubject, func(msg *comms.Msg) {
		msg.Respond(bridge.HandleRaw(ctx, msg.Data))
	})
	if err != nil {
		t.Fatalf("%s - rpc subscribe: %v", e2eTestPrefix, err)
	}
	defer sub.Unsubscribe()

	// A second connection plays the hosting application.
	host, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("%s - host connect: %v", e2eTestPrefix, err)
	}
	defer host.Close()

	msg, err := host.Request(rpcSubject, []byte(`{"id":"r1","op":"get-identity"}`), 3*time.Second)
	if err != nil {
		t.Fatalf("%s - rpc request: %v", e2eTestPrefix, err)
	}
	var resp rpc.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("%s - rpc response decode: %v", e2eTestPrefix, err)
	}
	if !resp.Ok || resp.ID != "r1" {
		t.Fatalf("%s - unexpected rpc response %+v", e2eTestPrefix, resp)
	}
	identity := ""
	if fields, ok := resp.Result.(map[string]interface{}); ok {
		identity, _ = fields["identity"].(string)
	}
	if identity != "did:peer:self" {
		t.Errorf("%s - rpc identity = %q", e2eTestPrefix, identity)
	}
}
