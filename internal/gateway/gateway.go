// ABOUTME: Gateway orchestrator that wires the agent controller, command service and HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), the store, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/command"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/dedupe"
	"github.com/2389/fleet-gateway/internal/fleet"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/notify"
	"github.com/2389/fleet-gateway/internal/store"
)

// dedupeMaxEntries bounds the replayed-event cache.
const dedupeMaxEntries = 100_000

// Gateway owns every long-lived component of fleet-gateway.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	registry   *agent.Registry
	fleet      *fleet.Store
	controller *agent.Controller
	commands   *command.Service
	dedupe     *dedupe.Cache

	upgrader    websocket.Upgrader
	limiter     *handshakeLimiter
	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// OpenStore opens the SQLite store, letting FLEET_DB_PATH override the config.
// The CLI uses it too so both agree on which database they touch.
func OpenStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newVerifier accepts JWTs when a secret is configured and store-issued
// agent tokens always.
func newVerifier(cfg *config.Config, s *store.SQLiteStore, logger *slog.Logger) auth.Verifier {
	chain := &auth.ChainVerifier{Store: auth.NewStoreVerifier(s)}
	if cfg.Auth.JWTSecret != "" {
		chain.JWT = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("no jwt_secret configured; only registered agent tokens are accepted")
	}
	return chain
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.Notify.Backend != config.NotifyBackendMatrix {
		return notify.NewLogNotifier(logger), nil
	}
	m := cfg.Notify.Matrix
	n, err := notify.NewMatrixNotifier(notify.MatrixConfig{
		Homeserver:  m.Homeserver,
		UserID:      m.UserID,
		AccessToken: m.AccessToken,
		RoomID:      m.RoomID,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating matrix notifier: %w", err)
	}
	return n, nil
}

// New creates a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	sqlStore, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	correlator := agent.NewCorrelator(registry, logger)
	fleetStore := fleet.NewStore()
	commands := command.NewService(registry, correlator, fleetStore, cfg.Agents.RequestTimeout, logger)
	dedupeCache := dedupe.New(cfg.Agents.EventDedupeTTL, dedupeMaxEntries)

	router := agent.NewRouter(agent.RouterConfig{
		Store:      fleetStore,
		Reconciler: fleet.NewReconciler(fleetStore, commands, logger),
		Correlator: correlator,
		Notifier:   notifier,
		Dedupe:     dedupeCache,
		Logger:     logger,
	})

	controller := agent.NewController(agent.ControllerConfig{
		Registry:          registry,
		Correlator:        correlator,
		Router:            router,
		Fleet:             fleetStore,
		Verifier:          newVerifier(cfg, sqlStore, logger),
		Recorder:          sqlStore,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Agents.HeartbeatTimeout,
		GracePeriod:       cfg.Agents.ReconnectGracePeriod,
		Logger:            logger,
	})

	gw := &Gateway{
		config:     cfg,
		store:      sqlStore,
		logger:     logger.With("component", "gateway"),
		registry:   registry,
		fleet:      fleetStore,
		controller: controller,
		commands:   commands,
		dedupe:     dedupeCache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; credentials gate the endpoint.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.Server.HandshakeRate > 0 {
		gw.limiter = newHandshakeLimiter(cfg.Server.HandshakeRate, cfg.Server.HandshakeBurst)
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	mux.HandleFunc("GET "+cfg.Server.AgentPath, gw.handleAgentConnect)
	gw.registerAPIRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	gw.handler = mux
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// handleAgentConnect upgrades an agent connection and runs its session
// until it ends. Authentication happens after the upgrade so rejected
// agents receive a policy-violation close frame.
func (g *Gateway) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	if g.limiter != nil && !g.limiter.Allow(r.RemoteAddr) {
		metrics.Handshakes.WithLabelValues("rate_limited").Inc()
		g.logger.Warn("agent handshake rate limited", "remote_addr", r.RemoteAddr)
		g.sendJSONError(w, http.StatusTooManyRequests, "too many connection attempts")
		return
	}

	credential := auth.CredentialFromRequest(r)
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	err = g.controller.Serve(r.Context(), newWSTransport(conn), credential, r.RemoteAddr)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnauthorized):
		g.logger.Debug("agent rejected", "remote_addr", r.RemoteAddr, "error", err)
	default:
		g.logger.Warn("agent session ended with error", "remote_addr", r.RemoteAddr, "error", err)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// Run listens and serves until ctx is canceled or a server fails, then
// shuts everything down. Returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.listen(ctx)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"agent_path", g.config.Server.AgentPath,
		)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		g.logger.Info("initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (g *Gateway) listen(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.listenTailscale(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fleet-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// listenTailscale joins the tailnet and listens on :80 of the node.
func (g *Gateway) listenTailscale(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, tears down every agent session
// without arming grace timers, and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "sessions", g.registry.Len())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked websocket connections are not covered by http.Server.Shutdown.
	g.controller.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	return errors.Join(errs...)
}
