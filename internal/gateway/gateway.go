// ABOUTME: Core gateway server wiring the control-plane transport to the registries.
// ABOUTME: Owns connection handshake, HTTP listeners, and graceful shutdown.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/nodes"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/restart"
	"github.com/2389/relay-gateway/internal/sessions"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/trust"
)

// UpdateFunc performs a self-update and returns statistics describing how
// the update ran. Injected so the orchestration is testable without
// touching real binaries.
type UpdateFunc func(ctx context.Context) (map[string]any, error)

// Gateway is the server-state object. Every registry hangs off this
// struct; nothing lives in package-level state.
type Gateway struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger
	serverID   string
	startedAt  time.Time

	store      store.Store
	pairing    *nodes.Pairing
	bus        *nodes.Bus
	sessions   *sessions.Registry
	supervisor *restart.Supervisor
	trust      *trust.Classifier
	metrics    *Metrics

	jwtVerifier *auth.JWTVerifier
	sshVerifier *auth.SSHVerifier

	updateFunc UpdateFunc

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	connMu sync.RWMutex
	conns  map[string]*ClientConn

	handlers map[string]handlerFunc
}

// New builds a gateway from configuration. The supervisor is shared with
// the caller's serve loop so restart requests reach it.
func New(cfg *config.Config, configPath string, sup *restart.Supervisor, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	sqlStore, err := store.NewSQLiteStore(filepath.Join(cfg.State.Dir, "nodes.db"))
	if err != nil {
		return nil, fmt.Errorf("initializing node store: %w", err)
	}

	var jwtVerifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			sqlStore.Close()
			return nil, fmt.Errorf("initializing JWT verifier: %w", err)
		}
	}

	var sshVerifier *auth.SSHVerifier
	if cfg.Auth.AllowSSH {
		sshVerifier = auth.NewSSHVerifier()
	}

	pairing := nodes.NewPairing(sqlStore)

	g := &Gateway{
		config:      cfg,
		configPath:  configPath,
		logger:      logger,
		serverID:    "relay-" + uuid.NewString()[:8],
		startedAt:   time.Now(),
		store:       sqlStore,
		pairing:     pairing,
		bus:         nodes.NewBus(),
		supervisor:  sup,
		trust:       trust.NewClassifier(),
		jwtVerifier: jwtVerifier,
		sshVerifier: sshVerifier,
		updateFunc:  defaultUpdate,
		conns:       make(map[string]*ClientConn),
	}

	g.sessions = sessions.NewRegistry(
		cfg.Sessions.Dir,
		func() string { return g.config.Sessions.MainKey },
		func() string { return g.config.DefaultAgentID() },
		func() []string { return g.config.AgentIDs() },
	)

	g.metrics = NewMetrics(func() float64 {
		return float64(len(pairing.ListPending()))
	})

	g.handlers = g.buildHandlerTable()
	return g, nil
}

// SetUpdateFunc replaces the self-update mechanism.
func (g *Gateway) SetUpdateFunc(fn UpdateFunc) {
	g.updateFunc = fn
}

// ServerID identifies this gateway instance.
func (g *Gateway) ServerID() string { return g.serverID }

// Store exposes the node store to sibling transports (the bridge).
func (g *Gateway) Store() store.Store { return g.store }

// Pairing exposes the pairing registry to sibling transports.
func (g *Gateway) Pairing() *nodes.Pairing { return g.pairing }

// Bus exposes the invocation/event bus to sibling transports.
func (g *Gateway) Bus() *nodes.Bus { return g.bus }

// Sessions exposes the session registry.
func (g *Gateway) Sessions() *sessions.Registry { return g.sessions }

func (g *Gateway) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, promhttp.HandlerFor(g.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run serves until the listener fails or ctx is canceled, then performs
// graceful shutdown bounded by the configured grace period.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.httpServer = &http.Server{
		Handler:           g.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		g.logger.Error("server error", "error", serveErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	return net.Listen("tcp", g.config.Server.HTTPAddr)
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
		}
		stateDir = filepath.Join(home, ".local", "share", "relay-gateway", "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var selfAddrs []netip.Addr
	if status.Self != nil {
		selfAddrs = append(selfAddrs, status.Self.TailscaleIPs...)
		g.logger.Info("tailscale node up", "hostname", tsCfg.Hostname, "ips", status.Self.TailscaleIPs)
	}
	// tsnet addresses don't show up as OS interfaces, so feed the
	// classifier the node's own tailnet IPs directly.
	g.trust = &trust.Classifier{SelfAddrs: func() []netip.Addr { return selfAddrs }}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale: %w", err)
	}
	return ln, nil
}

// gracefulShutdown drains within the configured grace period. Exceeding
// the budget is logged as a distinct shutdown-timeout event; the caller
// force-exits regardless.
func (g *Gateway) gracefulShutdown() error {
	grace := g.config.Server.ShutdownGrace
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	// Watchdog for a shutdown that wedges past its budget entirely;
	// better to die loudly than hang forever.
	watchdog := time.AfterFunc(grace+5*time.Second, func() {
		g.logger.Error("shutdown wedged past grace period, forcing exit", "grace", grace)
		os.Exit(1)
	})
	defer watchdog.Stop()

	err := g.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		g.logger.Error("graceful shutdown exceeded budget, forcing exit", "grace", grace)
		return fmt.Errorf("shutdown timeout after %s", grace)
	}
	return err
}

// Shutdown closes the listeners, live connections, and backing stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}

	g.connMu.Lock()
	for _, c := range g.conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	g.conns = make(map[string]*ClientConn)
	g.connMu.Unlock()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
		g.tsnetServer = nil
	}

	g.pairing.Close()
	if g.sshVerifier != nil {
		g.sshVerifier.Close()
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness along with the connected node count.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes connected)", len(g.bus.ConnectedIDs()))
}

// clientIP resolves the request's true client address, honoring
// forwarding headers only when the direct peer is a trusted proxy.
func (g *Gateway) clientIP(r *http.Request) string {
	return trust.ResolveClientIP(
		r.RemoteAddr,
		r.Header.Get("X-Forwarded-For"),
		r.Header.Get("X-Real-Ip"),
		g.config.Auth.TrustedProxies,
	)
}

// handleWS upgrades the connection and runs the handshake plus read loop.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sshAuth := auth.ExtractSSHAuthFromHeader(r.Header)
	clientIP := g.clientIP(r)

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusInternalError, "connection closed")

	conn, err := g.handshake(r.Context(), ws, sshAuth, clientIP)
	if err != nil {
		g.logger.Info("handshake rejected", "remote", clientIP, "error", err)
		ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	g.registerConn(conn)
	defer g.unregisterConn(conn)

	g.readLoop(r.Context(), conn)
}

// handshake reads the hello frame, authenticates by role, and responds.
// No other method is reachable before this completes.
func (g *Gateway) handshake(ctx context.Context, ws *websocket.Conn, sshAuth *auth.SSHAuthRequest, clientIP string) (*ClientConn, error) {
	helloCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var req protocol.Request
	if err := wsjson.Read(helloCtx, ws, &req); err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if req.Method != protocol.MethodHello {
		return nil, fmt.Errorf("expected hello, got %q", req.Method)
	}

	var hello protocol.HelloParams
	if errInfo := decodeParams(req.Params, &hello); errInfo != nil {
		return nil, errInfo
	}

	switch hello.Role {
	case protocol.RoleOperator:
		if err := g.authenticateOperator(&hello, sshAuth, clientIP); err != nil {
			return nil, err
		}
	case protocol.RoleNode:
		node, err := g.pairing.Authenticate(ctx, hello.Token)
		if err != nil {
			return nil, fmt.Errorf("node token rejected")
		}
		hello.ClientID = node.NodeID
	default:
		return nil, fmt.Errorf("unknown role %q", hello.Role)
	}

	if hello.ClientID == "" {
		hello.ClientID = uuid.NewString()
	}

	conn := newClientConn(ws, &hello, g.logger)

	resp := protocol.OkResponse(req.ID, &protocol.HelloResult{
		ServerID: g.serverID,
		Role:     conn.Role,
	})
	if err := conn.write(resp); err != nil {
		return nil, fmt.Errorf("writing hello response: %w", err)
	}

	g.logger.Info("handshake complete",
		"client_id", conn.ID, "role", conn.Role, "remote", clientIP)
	return conn, nil
}

// authenticateOperator accepts a valid JWT, a valid SSH signature, or a
// peer on loopback/tailnet. Everything else is rejected.
func (g *Gateway) authenticateOperator(hello *protocol.HelloParams, sshAuth *auth.SSHAuthRequest, clientIP string) error {
	if hello.Token != "" && g.jwtVerifier != nil {
		operatorID, err := g.jwtVerifier.Verify(hello.Token)
		if err != nil {
			return fmt.Errorf("invalid operator token: %w", err)
		}
		if hello.ClientID == "" {
			hello.ClientID = operatorID
		}
		return nil
	}

	if sshAuth != nil && g.sshVerifier != nil {
		fp, err := g.sshVerifier.Verify(sshAuth)
		if err != nil {
			return fmt.Errorf("ssh auth failed: %w", err)
		}
		if hello.ClientID == "" {
			hello.ClientID = "ssh-" + fp[:12]
		}
		return nil
	}

	if g.trust.IsLocalAddress(clientIP) {
		return nil
	}

	return errors.New("operator authentication required")
}

func (g *Gateway) registerConn(c *ClientConn) {
	g.connMu.Lock()
	g.conns[c.ID] = c
	g.connMu.Unlock()

	g.metrics.ConnectionsActive.WithLabelValues(c.Role).Inc()
	if c.Role == protocol.RoleNode {
		g.bus.Register(c)
	}
}

func (g *Gateway) unregisterConn(c *ClientConn) {
	g.connMu.Lock()
	if g.conns[c.ID] == c {
		delete(g.conns, c.ID)
	}
	g.connMu.Unlock()

	g.metrics.ConnectionsActive.WithLabelValues(c.Role).Dec()
	if c.Role == protocol.RoleNode {
		g.bus.Unregister(c)
	} else {
		g.bus.Unsubscribe(c.ID)
	}
	g.logger.Info("connection closed", "client_id", c.ID, "role", c.Role)
}

// readLoop processes frames until the connection drops. Each request is
// dispatched on its own goroutine so slow handlers never block the loop.
func (g *Gateway) readLoop(ctx context.Context, conn *ClientConn) {
	for {
		var req protocol.Request
		if err := wsjson.Read(ctx, conn.ws, &req); err != nil {
			conn.logger.Debug("read loop ended", "error", err)
			return
		}
		if req.Type != protocol.TypeRequest {
			continue
		}
		go g.dispatch(ctx, conn, &req)
	}
}

// BridgeRPC answers generic req frames arriving over the device bridge.
// The bridge has already enforced the node-role allowlist; this routes to
// the same handlers the control-plane transport uses.
func (g *Gateway) BridgeRPC(ctx context.Context, nodeID, method, paramsJSON string) (string, *protocol.ErrorInfo) {
	handler, ok := g.handlers[method]
	if !ok {
		return "", &protocol.ErrorInfo{Code: protocol.CodeMethodNotFound, Message: "unknown method: " + method}
	}

	// Bridge nodes get a connection stand-in carrying just their identity;
	// node-permitted handlers never write to the socket directly.
	pseudo := &ClientConn{ID: nodeID, Role: protocol.RoleNode, logger: g.logger}
	req := &protocol.Request{
		Type:   protocol.TypeRequest,
		Method: method,
		Params: json.RawMessage(paramsJSON),
	}

	payload, err := handler(ctx, pseudo, req)
	if err != nil {
		return "", protocol.AsErrorInfo(err)
	}

	encoded, merr := json.Marshal(payload)
	if merr != nil {
		return "", &protocol.ErrorInfo{Code: protocol.CodeInternal, Message: merr.Error()}
	}
	return string(encoded), nil
}

// defaultUpdate is the built-in package-mode self-update.
func defaultUpdate(ctx context.Context) (map[string]any, error) {
	start := time.Now()
	// The binary is replaced out of band by the package manager; the
	// gateway only restarts into it.
	return map[string]any{
		"mode":       "package",
		"durationMs": time.Since(start).Milliseconds(),
	}, nil
}
