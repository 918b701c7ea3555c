// ABOUTME: Gateway orchestrator that builds every component and runs the servers
// ABOUTME: Manages listeners (TCP or tsnet), the optional gRPC server, and graceful shutdown

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/challenge"
	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/discovery"
	"github.com/2389/agentgate/internal/metrics"
	"github.com/2389/agentgate/internal/policy"
	"github.com/2389/agentgate/internal/ratelimit"
	"github.com/2389/agentgate/internal/registration"
	"github.com/2389/agentgate/internal/reputation"
	"github.com/2389/agentgate/internal/spending"
	"github.com/2389/agentgate/internal/store"
	"github.com/2389/agentgate/internal/token"
	"github.com/2389/agentgate/internal/webhook"
)

// DBPathEnv overrides database.path and forces the sqlite driver.
const DBPathEnv = "AGENTGATE_DB_PATH"

// Gateway owns the agentgate components and servers.
type Gateway struct {
	config  *config.Resolved
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	discovery    *discovery.Provider
	registration *registration.Service
	limiter      *ratelimit.Limiter
	guard        *auth.Guard
	enforcer     *policy.Enforcer
	events       *webhook.Emitter
	publisher    *webhook.NATSPublisher

	handler     http.Handler
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	version   string
	startedAt time.Time
}

// Option customises New.
type Option func(*options)

type options struct {
	store   store.Store
	version string
}

// WithStore uses s instead of opening the configured database. The gateway
// takes ownership and closes s on shutdown.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// OpenStore creates the store described by cfg. AGENTGATE_DB_PATH, when set,
// selects sqlite at that path.
func OpenStore(cfg config.DatabaseConfig) (store.Store, error) {
	driver, path := cfg.Driver, cfg.Path
	if envPath := os.Getenv(DBPathEnv); envPath != "" {
		driver, path = "sqlite", envPath
	}

	switch driver {
	case "memory":
		s, err := store.NewMemoryStore(cfg.ChallengeCapacity)
		if err != nil {
			return nil, fmt.Errorf("initializing memory store: %w", err)
		}
		return s, nil
	case "sqlite":
		if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q (want memory or sqlite)", driver)
	}
}

// newEmitter creates the webhook emitter, connecting the NATS sink when
// configured.
func newEmitter(cfg config.WebhookSettings, m *metrics.Metrics, logger *slog.Logger) (*webhook.Emitter, *webhook.NATSPublisher, error) {
	opts := cfg.Options
	opts.OnOutcome = func(t webhook.EventType, outcome string) {
		m.WebhookOutcome(string(t), outcome)
	}

	var pub *webhook.NATSPublisher
	if cfg.NATSURL != "" {
		p, err := webhook.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			return nil, nil, err
		}
		pub = p
		opts.Publisher = p
		opts.SubjectPrefix = cfg.SubjectPrefix
	}
	return webhook.NewEmitter(opts, logger), pub, nil
}

// New creates a Gateway. It opens the store and connects to NATS but does
// not listen until Run.
func New(cfg *config.Resolved, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = OpenStore(cfg.Database); err != nil {
			return nil, err
		}
	}

	gw := &Gateway{
		config:    cfg,
		store:     s,
		logger:    logger.With("component", "gateway"),
		version:   o.version,
		startedAt: time.Now(),
	}
	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New()
	}

	if err := gw.buildComponents(logger); err != nil {
		gw.closeComponents(context.Background())
		_ = s.Close()
		return nil, err
	}

	handler, err := gw.routes()
	if err != nil {
		gw.closeComponents(context.Background())
		_ = s.Close()
		return nil, err
	}
	gw.handler = handler
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = gw.newGRPCServer()
	}
	return gw, nil
}

func (g *Gateway) buildComponents(logger *slog.Logger) error {
	cfg := g.config
	m := g.metrics

	provider, err := discovery.NewProvider(cfg)
	if err != nil {
		return fmt.Errorf("building discovery document: %w", err)
	}
	g.discovery = provider

	tokens, err := token.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	g.events, g.publisher, err = newEmitter(cfg.Webhooks, m, logger)
	if err != nil {
		return err
	}

	g.limiter = ratelimit.New(g.store, logger)
	rep := reputation.NewManager(g.store, cfg.Reputation.Bounds, cfg.Reputation.Gates, g.events, logger)
	spend := spending.NewTracker(g.store, cfg.Spending.Caps, cfg.Spending.Location, g.events, logger)

	g.guard = auth.NewGuard(g.store, tokens, auth.GuardOptions{
		APIKeyPrefix: cfg.Auth.APIKeyPrefix,
		OnResult: func(method auth.Method, ok bool) {
			m.AuthResolution(string(method), ok)
		},
	}, logger)

	g.enforcer = policy.NewEnforcer(cfg, policy.Deps{
		Agents:     g.store,
		Limiter:    g.limiter,
		Reputation: rep,
		Spending:   spend,
		Events:     g.events,
		Observer:   m.PolicyDecision,
		OnSpend:    m.Spend,
	}, logger)

	g.registration = registration.NewService(cfg, registration.Deps{
		Agents:     g.store,
		Challenges: challenge.NewRegistry(g.store, cfg.Registration.ChallengeTTL, logger),
		Tokens:     tokens,
		Events:     g.events,
		OnStep:     m.RegistrationStep,
	}, logger)
	return nil
}

// routes builds the HTTP handler.
func (g *Gateway) routes() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.observe)
	r.Use(middleware.Recoverer)

	r.Handle(discovery.PathWellKnown, g.discovery)
	r.Handle(discovery.PathDiscovery, g.discovery)
	r.Post(discovery.PathRegister, g.handleRegister)
	r.Post(discovery.PathVerify, g.handleVerify)
	r.Post(discovery.PathAuth, g.handleAuth)
	r.Get(discovery.PathHealth, g.handleHealth)

	if path := g.config.Service.DocsMarkdown; path != "" {
		docs, err := discovery.NewDocsHandler(g.config.Service.Name, path)
		if err != nil {
			return nil, fmt.Errorf("loading service docs: %w", err)
		}
		r.Handle(discovery.PathDocs, docs)
	}
	if g.metrics != nil {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	r.With(g.guard.Middleware, g.enforcer.Middleware(policy.QueryScope("scope"))).
		Get(discovery.PathAgentProfile, g.handleAgentProfile)

	return r, nil
}

// observe records request metrics and logs each request at debug level.
func (g *Gateway) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		g.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		g.logger.Debug("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
		)
	})
}

func (g *Gateway) newGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(g.guard.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(g.guard.StreamServerInterceptor()),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// Handler returns the HTTP handler. Useful for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Registration returns the registration service, used by the CLI for
// lifecycle changes.
func (g *Gateway) Registration() *registration.Service {
	return g.registration
}

// Store returns the gateway's store.
func (g *Gateway) Store() store.Store {
	return g.store
}

// Metrics returns the metrics collector, or nil when disabled.
func (g *Gateway) Metrics() *metrics.Metrics {
	return g.metrics
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer == nil {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "agentgate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and returns the HTTP listener and,
// when gRPC is enabled, a gRPC listener on :50051.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents drains the webhook queue and closes the NATS connection.
func (g *Gateway) closeComponents(ctx context.Context) []error {
	var errs []error
	if g.events != nil {
		errs = appendCloseError(errs, "webhook drain", g.events.Close(ctx))
	}
	if g.publisher != nil {
		errs = appendCloseError(errs, "nats close", g.publisher.Close())
	}
	return errs
}

// Shutdown gracefully stops all servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents(ctx)...)
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
