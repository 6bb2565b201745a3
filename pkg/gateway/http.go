package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
)

const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
)

type streamSession struct {
	transport *mcp.StreamableServerTransport
	session   *mcp.ServerSession
}

type streamSessions struct {
	mu sync.Mutex
	m  map[string]*streamSession
}

func newStreamSessions() *streamSessions {
	return &streamSessions{m: make(map[string]*streamSession)}
}

func (s *streamSessions) get(id string) *streamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id]
}

func (s *streamSessions) put(id string, ss *streamSession) {
	s.mu.Lock()
	s.m[id] = ss
	s.mu.Unlock()
}

func (s *streamSessions) remove(id string) *streamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.m[id]
	delete(s.m, id)
	return ss
}

// Handler serves the streamable MCP endpoint plus /healthz and, when a
// Gatherer is configured, /metrics.
func (g *Server) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux exposes the mux behind Handler so callers can add routes.
func (g *Server) ServeMux() *http.ServeMux {
	return g.mux
}

func (g *Server) mountHandler() http.Handler {
	var endpoint http.Handler = http.HandlerFunc(g.serveStreamable)
	if g.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(endpoint)
	}
	mux := http.NewServeMux()
	mux.Handle(g.opts.Path, endpoint)
	if !strings.HasSuffix(g.opts.Path, "/") {
		mux.Handle(g.opts.Path+"/", endpoint)
	}
	mux.HandleFunc("/healthz", g.serveHealth)
	if g.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	g.mux = mux

	if len(g.opts.CORSOrigins) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins: g.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Accept", sessionIDHeader, protocolVersionHeader, g.opts.IdentityHeader},
		ExposedHeaders: []string{sessionIDHeader},
	}).Handler(mux)
}

func (g *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if g.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// serveStreamable routes requests to per-session streamable transports. New
// sessions get ids of the form "{identity}_{hex}".
func (g *Server) serveStreamable(w http.ResponseWriter, r *http.Request) {
	if v := r.Header.Get(protocolVersionHeader); v != "" && !slices.Contains(SupportedProtocolVersions, v) {
		http.Error(w, fmt.Sprintf("Bad Request: unsupported protocol version (supported versions: %s)", strings.Join(SupportedProtocolVersions, ",")), http.StatusBadRequest)
		return
	}

	if id := r.Header.Get(sessionIDHeader); id != "" {
		stream := g.streams.get(id)
		if stream == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		// a verified token may only drive sessions opened for its own identity
		if g.opts.TokenVerifier != nil && g.identityFromRequest(r) != g.sessions.identity(stream.session) {
			http.Error(w, "Forbidden: session belongs to another identity", http.StatusForbidden)
			return
		}
		if r.Method == http.MethodDelete {
			g.streams.remove(id)
			if err := stream.session.Close(); err != nil {
				g.logError("close session", err, "session", id)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		stream.transport.ServeHTTP(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		http.Error(w, "Bad Request: DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
		return
	case http.MethodGet:
		http.Error(w, "GET requires an active session", http.StatusMethodNotAllowed)
		return
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	sessionID, err := authz.NewSessionID(g.identityFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	transport := &mcp.StreamableServerTransport{SessionID: sessionID}
	ss, err := g.connect(r.Context(), transport)
	if err != nil {
		g.logError("connect stream session", err)
		http.Error(w, "failed connection", http.StatusInternalServerError)
		return
	}
	g.streams.put(sessionID, &streamSession{transport: transport, session: ss})
	go func() {
		_ = ss.Wait()
		g.streams.remove(sessionID)
	}()
	transport.ServeHTTP(w, r)
}

// identityFromRequest reads the caller identity. With a token verifier only
// the verified claim is trusted; otherwise the identity header is used.
func (g *Server) identityFromRequest(r *http.Request) string {
	if g.opts.TokenVerifier != nil {
		info := auth.TokenInfoFromContext(r.Context())
		if info == nil || info.Extra == nil {
			return ""
		}
		identity, _ := info.Extra[g.opts.IdentityClaim].(string)
		return identity
	}
	return strings.TrimSpace(r.Header.Get(g.opts.IdentityHeader))
}

// ListenAndServe runs an HTTP server until ctx is cancelled or the server
// stops.
func (g *Server) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the embedded HTTP server if it is running.
func (g *Server) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Server) closeHTTPServer() error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// ServeStdio serves a single session over stdin/stdout for identity until
// the client disconnects or ctx ends.
func (g *Server) ServeStdio(ctx context.Context, identity string) error {
	return g.Serve(ctx, &mcp.StdioTransport{}, identity)
}

// Serve runs one session over t until it ends or ctx is cancelled.
func (g *Server) Serve(ctx context.Context, t mcp.Transport, identity string) error {
	ss, err := g.Connect(ctx, t, identity)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- ss.Wait() }()
	select {
	case <-ctx.Done():
		_ = ss.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
