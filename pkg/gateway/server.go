package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/catalog"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
)

// Server is the downstream-facing MCP server. Registry mutations go through
// the catalog and are mirrored into the embedded mcp.Server under the
// catalog lock, so both always agree.
type Server struct {
	opts     Options
	caps     Capabilities
	dispatch dispatchTable

	server   *mcp.Server
	catalog  *catalog.Catalog
	sessions *sessionTable
	closed   atomic.Bool

	mux         *http.ServeMux
	httpHandler http.Handler
	streams     *streamSessions

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Server. System tools are registered when opts.SystemTools is
// set.
func New(opts *Options) (*Server, error) {
	options := opts.withDefaults()
	if err := options.validate(); err != nil {
		return nil, err
	}
	g := &Server{
		opts:     options,
		caps:     *options.Capabilities,
		dispatch: newDispatchTable(),
		catalog:  catalog.New(),
		sessions: newSessionTable(),
		streams:  newStreamSessions(),
	}
	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		Instructions: options.Instructions,
		KeepAlive:    options.KeepAlive,
		HasTools:     g.caps.Tools != nil,
		HasResources: g.caps.Resources != nil,
		HasPrompts:   g.caps.Prompts != nil,
	})
	g.server.AddReceivingMiddleware(g.receivingMiddleware)
	g.server.AddSendingMiddleware(g.sendingMiddleware)
	g.catalog.Subscribe(func(ch catalog.Change) {
		g.opts.Metrics.SetCatalogEntries(string(ch.Kind), ch.Size)
	})
	g.httpHandler = g.mountHandler()

	if options.SystemTools {
		if err := g.addSystemTools(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Capabilities returns the declared capabilities.
func (g *Server) Capabilities() Capabilities { return g.caps }

// MCPServer exposes the underlying SDK server.
func (g *Server) MCPServer() *mcp.Server { return g.server }

// AddTool registers a tool. Duplicate names fail with ErrDuplicate and leave
// the existing tool in place.
func (g *Server) AddTool(spec catalog.ToolSpec) error {
	if g.closed.Load() {
		return gwerrors.ErrShutdown
	}
	return g.catalog.AddToolThen(spec, func() {
		g.server.AddTool(spec.Tool, spec.Handler)
	})
}

// RemoveTool unregisters a tool, failing with ErrNotFound when absent.
func (g *Server) RemoveTool(name string) error {
	if g.closed.Load() {
		return gwerrors.ErrShutdown
	}
	_, err := g.catalog.RemoveToolThen(name, func() {
		g.server.RemoveTools(name)
	})
	return err
}

// AddResource registers a resource keyed by URI.
func (g *Server) AddResource(spec catalog.ResourceSpec) error {
	if g.closed.Load() {
		return gwerrors.ErrShutdown
	}
	return g.catalog.AddResourceThen(spec, func() {
		g.server.AddResource(spec.Resource, spec.Handler)
	})
}

// RemoveResource unregisters a resource.
func (g *Server) RemoveResource(uri string) error {
	if g.closed.Load() {
		return gwerrors.ErrShutdown
	}
	_, err := g.catalog.RemoveResourceThen(uri, func() {
		g.server.RemoveResources(uri)
	})
	return err
}

// AddPrompt registers a prompt.
func (g *Server) AddPrompt(spec catalog.PromptSpec) error {
	if g.closed.Load() {
		return gwerrors.ErrShutdown
	}
	return g.catalog.AddPromptThen(spec, func() {
		g.server.AddPrompt(spec.Prompt, spec.Handler)
	})
}

// RemovePrompt unregisters a prompt.
func (g *Server) RemovePrompt(name string) error {
	if g.closed.Load() {
		return gwerrors.ErrShutdown
	}
	_, err := g.catalog.RemovePromptThen(name, func() {
		g.server.RemovePrompts(name)
	})
	return err
}

// ToolNames lists registered tool names starting with prefix.
func (g *Server) ToolNames(prefix string) []string {
	return g.catalog.ToolNamesWithPrefix(prefix)
}

// Tool looks up a registered tool.
func (g *Server) Tool(name string) (catalog.ToolSpec, bool) {
	return g.catalog.Tool(name)
}

// Sessions snapshots the live downstream sessions.
func (g *Server) Sessions() []SessionInfo {
	return g.sessions.snapshot()
}

// Connect serves one session over t on behalf of identity. The session id
// encodes the identity so authorization can recover it.
func (g *Server) Connect(ctx context.Context, t mcp.Transport, identity string) (*mcp.ServerSession, error) {
	sessionID, err := authz.NewSessionID(identity)
	if err != nil {
		return nil, err
	}
	return g.connect(ctx, &identityTransport{Transport: t, sessionID: sessionID})
}

func (g *Server) connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	if g.closed.Load() {
		return nil, gwerrors.ErrShutdown
	}
	ss, err := g.server.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connect session: %w", err)
	}
	g.watch(ss)
	return ss, nil
}

// watch tracks ss until its connection ends.
func (g *Server) watch(ss *mcp.ServerSession) {
	entry, _ := g.sessions.track(ss)
	entry.watch.Do(func() {
		g.opts.Metrics.SessionOpened()
		g.opts.Logger.Debug("session opened", "session", entry.id, "identity", entry.identity)
		go func() {
			err := ss.Wait()
			g.sessions.advance(ss, StateClosed)
			g.sessions.remove(ss)
			g.opts.Metrics.SessionClosed()
			g.opts.Logger.Debug("session closed", "session", entry.id, "error", err)
		}()
	})
}

// Close stops serving immediately. Every session moves to Closing and is
// closed; later mutations and connections fail with ErrShutdown.
func (g *Server) Close() error {
	g.closed.Store(true)
	var result *multierror.Error
	if err := g.closeHTTPServer(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.closeSessions(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// CloseGracefully stops accepting work, drains the HTTP server and waits for
// sessions to finish closing, or for ctx to end.
func (g *Server) CloseGracefully(ctx context.Context) error {
	g.closed.Store(true)
	var result *multierror.Error
	if err := g.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.closeSessions(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (g *Server) closeSessions(ctx context.Context) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	var eg errgroup.Group
	for _, ss := range g.sessions.sessions() {
		g.sessions.advance(ss, StateClosing)
		eg.Go(func() error {
			if err := ss.Close(); err != nil {
				g.logError("close session", err, "session", ss.ID())
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			g.sessions.advance(ss, StateClosed)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	return result.ErrorOrNil()
}

func (g *Server) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}

// identityTransport gives the connection an identity-bearing session id.
type identityTransport struct {
	mcp.Transport
	sessionID string
}

func (t *identityTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &identityConnection{Connection: conn, sessionID: t.sessionID}, nil
}

type identityConnection struct {
	mcp.Connection
	sessionID string
}

func (c *identityConnection) SessionID() string { return c.sessionID }
