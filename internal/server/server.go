// Package server orchestrates all components: NATS client, state store,
// feature registry, intent engine, prompt bridge, and the RPC surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/peer-agent/internal/config"
	"github.com/morezero/peer-agent/pkg/commsutil"
	"github.com/morezero/peer-agent/pkg/demux"
	"github.com/morezero/peer-agent/pkg/features"
	"github.com/morezero/peer-agent/pkg/intents"
	"github.com/morezero/peer-agent/pkg/outbox"
	"github.com/morezero/peer-agent/pkg/permissions"
	"github.com/morezero/peer-agent/pkg/prompt"
	"github.com/morezero/peer-agent/pkg/rpc"
	"github.com/morezero/peer-agent/pkg/store"
	"github.com/morezero/peer-agent/pkg/substrate"
)

const logPrefix = "server:server"

// Server is the peer-agent orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	sub        *substrate.Comms
}

// Run starts the agent, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting peer-agent", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Step 1: Connect to NATS
	nc, err := commsutil.Connect(commsutil.ConnectParams{
		URL:           cfg.COMMSURL,
		Name:          cfg.COMMSName,
		Timeout:       cfg.COMMSTimeout,
		ReconnectWait: cfg.COMMSReconnectWait,
		MaxReconnects: cfg.COMMSMaxReconnects,
	})
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 2: Open the state store
	st, err := s.openStore(ctx)
	if err != nil {
		nc.Close()
		return err
	}

	// Step 3: Substrate and inbound pump. Inbound frames are unpacked
	// once, then fanned out to every listener through the demux.
	sub := substrate.NewComms(nc)
	s.sub = sub
	dmx := demux.New()
	sub.OnDelivery(func(raw string) {
		up := sub.Unpack(ctx, raw)
		if !up.Success {
			slog.Warn(fmt.Sprintf("%s - dropping undecodable frame: %s", logPrefix, up.Error))
			return
		}
		dmx.Dispatch(up.Message)
	})
	if err := sub.Start(ctx); err != nil {
		s.closeEarly()
		return fmt.Errorf("%s - failed to start substrate: %w", logPrefix, err)
	}

	// Step 4: Feature registry and discovery auto-responder
	reg := features.NewRegistry()
	if err := reg.Advertise(features.TypeProtocol, intents.Base, []string{"provider", "requester"}); err != nil {
		s.closeEarly()
		return fmt.Errorf("%s - failed to advertise protocol: %w", logPrefix, err)
	}
	advertised := intents.AdvertiseAllIntents(reg, nil)
	slog.Info(fmt.Sprintf("%s - Advertising %d intent actions", logPrefix, len(advertised)))

	undoResponder := features.NewAutoResponder(sub, reg).Install(dmx)
	defer undoResponder()

	// Step 5: Prompt bridge over the UI subjects
	promptSubject := cfg.UIPromptSubject
	if promptSubject == "" {
		promptSubject = commsutil.BuildUIPromptSubject(cfg.COMMSName)
	}
	replySubject := cfg.UIReplySubject
	if replySubject == "" {
		replySubject = commsutil.BuildUIReplySubject(cfg.COMMSName)
	}
	bridge := prompt.NewBridge(prompt.NewBridgeParams{
		Poster:  prompt.NewCommsPoster(nc, promptSubject),
		Timeout: cfg.PromptTimeout,
	})
	replySub, err := nc.Subscribe(replySubject, func(msg *comms.Msg) {
		bridge.ResolveRaw(msg.Data)
	})
	if err != nil {
		s.closeEarly()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, replySubject, err)
	}
	defer replySub.Unsubscribe()
	slog.Info(fmt.Sprintf("%s - UI prompts on %s, replies on %s", logPrefix, promptSubject, replySubject))

	// Step 6: Permissions and outbox, restored from the store
	perms := permissions.NewManager(permissions.NewManagerParams{Bridge: bridge, Store: st})
	if err := perms.Restore(ctx); err != nil {
		slog.Warn(fmt.Sprintf("%s - permission restore: %v", logPrefix, err))
	}
	box := outbox.NewOutbox(outbox.NewOutboxParams{Transport: sub, Store: st})
	if err := box.Restore(ctx); err != nil {
		slog.Warn(fmt.Sprintf("%s - outbox restore: %v", logPrefix, err))
	}

	// Step 7: Register the agent identity, configured or persisted, and
	// open the outbox for delivery.
	identity, err := restoreIdentity(ctx, st, sub, box, cfg.AgentIdentity)
	if err != nil {
		s.closeEarly()
		return err
	}
	if identity != "" {
		slog.Info(fmt.Sprintf("%s - Registered identity %s", logPrefix, identity))
	}

	// Step 8: Intent engine and inbound router
	engine := intents.NewEngine(intents.EngineParams{
		Substrate:      sub,
		Demux:          dmx,
		DefaultTimeout: cfg.IntentTimeout,
	})
	undoRouter := intents.NewRouter(sub, intents.Handlers{
		OnRequest: s.handleIntentRequest(perms, bridge),
		OnCancel: func(msg *substrate.Message) {
			slog.Info(fmt.Sprintf("%s - conversation cancelled by %s", logPrefix, msg.From))
		},
	}).Install(dmx)
	defer undoRouter()

	// Step 9: RPC surface for the hosting application
	rpcSubject := cfg.RPCSubject
	if rpcSubject == "" {
		rpcSubject = commsutil.BuildRPCSubject(cfg.COMMSName)
	}
	agentRPC := rpc.NewBridge(rpc.NewBridgeParams{
		Substrate:       sub,
		Features:        reg,
		Discoverer:      features.NewDiscoverer(sub, dmx),
		Engine:          engine,
		Outbox:          box,
		Permissions:     perms,
		Store:           st,
		DiscoveryWindow: cfg.DiscoveryWindow,
	})
	rpcSub, err := nc.Subscribe(rpcSubject, func(msg *comms.Msg) {
		msg.Respond(agentRPC.HandleRaw(ctx, msg.Data))
	})
	if err != nil {
		s.closeEarly()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, rpcSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, rpcSubject))

	// Step 10: HTTP health server
	s.startHTTP(st)

	slog.Info(fmt.Sprintf("%s - Peer-agent is ready", logPrefix))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	rpcSub.Unsubscribe()
	s.httpServer.Shutdown(ctx)
	sub.Close()
	nc.Drain()
	if s.pool != nil {
		s.pool.Close()
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// restoreIdentity registers the agent identity and opens the outbox once
// registered. A configured identity wins over the persisted one and is
// written back to the store, so an RPC-registered identity survives a
// restart and the restored outbox can flush. No identity from either
// source leaves the outbox held until register-identity arrives over RPC.
func restoreIdentity(ctx context.Context, st store.Store, sub substrate.Substrate, box *outbox.Outbox, configured string) (string, error) {
	identity := configured
	if identity == "" {
		value, err := st.Get(ctx, store.KeyIdentity)
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("%s - identity restore: %w", logPrefix, err)
		}
		identity = value
	}

	if out := sub.RegisterIdentity(ctx, identity); out != substrate.OutcomeSuccess {
		return "", fmt.Errorf("%s - failed to register identity %s: %s", logPrefix, identity, out)
	}
	if err := st.Put(ctx, store.KeyIdentity, identity); err != nil {
		slog.Warn(fmt.Sprintf("%s - identity persist: %v", logPrefix, err))
	}
	box.SetReady(ctx)
	return identity, nil
}

// openStore opens the durable state store, falling back to memory when no
// database is configured.
func (s *Server) openStore(ctx context.Context) (store.Store, error) {
	if s.cfg.DatabaseURL == "" {
		slog.Warn(fmt.Sprintf("%s - no DATABASE_URL, state will not survive restarts", logPrefix))
		return store.NewMemStore(), nil
	}

	pool, err := store.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrationSQL, err := store.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := store.RunMigrations(ctx, pool, migrationSQL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return store.NewPgStore(pool), nil
}

// handleIntentRequest answers an inbound intent by asking the user. The
// permission gate runs first; ungranted high-tier actions are declined
// without a prompt when the user says no.
func (s *Server) handleIntentRequest(perms *permissions.Manager, bridge *prompt.Bridge) func(ctx context.Context, action intents.Action, msg *substrate.Message) (*intents.HandlerOutcome, error) {
	return func(ctx context.Context, action intents.Action, msg *substrate.Message) (*intents.HandlerOutcome, error) {
		granted, err := perms.Request(ctx, []string{string(action)})
		if err != nil {
			return nil, err
		}
		if !granted[string(action)] {
			return &intents.HandlerOutcome{Decline: &intents.Decline{Reason: "not_allowed"}}, nil
		}

		tier, _ := intents.ActionTier(action)
		reply, err := bridge.PromptAndAwait(ctx, &prompt.Prompt{
			Action: string(action),
			Tier:   string(tier),
			From:   msg.From,
			Params: msg.Body,
		})
		if errors.Is(err, prompt.ErrTimeout) {
			return &intents.HandlerOutcome{Decline: &intents.Decline{Reason: "timeout"}}, nil
		}
		if err != nil {
			return nil, err
		}
		if !reply.Accepted {
			reason := reply.Reason
			if reason == "" {
				reason = "user_declined"
			}
			return &intents.HandlerOutcome{Decline: &intents.Decline{Reason: reason}}, nil
		}
		return &intents.HandlerOutcome{Reply: &intents.Reply{Result: reply.Payload}}, nil
	}
}

// health is the /health response body.
type health struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) startHTTP(st store.Store) {
	healthTimeout := s.cfg.HealthCheckTimeout
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		h := health{
			Status:    "healthy",
			Checks:    map[string]bool{"comms": s.nc.IsConnected(), "store": true},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if _, err := st.Get(healthCtx, store.KeyIdentity); err != nil && !errors.Is(err, store.ErrNotFound) {
			h.Checks["store"] = false
		}
		for _, ok := range h.Checks {
			if !ok {
				h.Status = "unhealthy"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	httpAddr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()
}

func (s *Server) closeEarly() {
	if s.sub != nil {
		s.sub.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}
