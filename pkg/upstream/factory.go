package upstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/metrics"
)

var errChildKilled = errors.New("upstream process killed before start")

// Connector establishes initialized upstream connections.
type Connector interface {
	Connect(ctx context.Context, taskID, taskName string, profile Profile) (*Connection, error)
}

// Factory builds Connections from profiles.
type Factory struct {
	opts FactoryOptions

	goos   string
	lookup func(string) (string, bool)
}

var _ Connector = (*Factory)(nil)

// NewFactory returns a Factory using opts.
func NewFactory(opts *FactoryOptions) *Factory {
	return &Factory{opts: opts.withDefaults(), goos: hostGOOS(), lookup: os.LookupEnv}
}

// Connect validates profile, opens its transport, and completes the MCP
// handshake within HandshakeTimeout. On failure nothing is left running.
func (f *Factory) Connect(ctx context.Context, taskID, taskName string, profile Profile) (*Connection, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: task %q has no connection profile", gwerrors.ErrValidation, taskID)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, f.opts.HandshakeTimeout)
	defer cancel()

	var (
		conn *Connection
		err  error
	)
	switch p := profile.(type) {
	case *StdioProfile:
		conn, err = f.connectStdio(handshakeCtx, taskID, taskName, p)
	case *StreamProfile:
		conn, err = f.connectStream(handshakeCtx, taskID, taskName, p)
	default:
		return nil, fmt.Errorf("%w: unsupported profile %T for task %q", gwerrors.ErrValidation, profile, taskID)
	}
	if err != nil {
		f.opts.Metrics.RecordUpstreamConnect(string(profile.Type()), metrics.ResultError)
		f.opts.Logger.Warn("upstream connect failed", "task", taskID, "type", profile.Type(), "error", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(handshakeCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: task %q: handshake timed out after %s", gwerrors.ErrConnection, taskID, f.opts.HandshakeTimeout)
		}
		return nil, fmt.Errorf("%w: task %q: %v", gwerrors.ErrConnection, taskID, err)
	}
	f.opts.Metrics.RecordUpstreamConnect(string(profile.Type()), metrics.ResultOK)
	f.opts.Logger.Info("upstream connected", "task", taskID, "type", profile.Type())
	return conn, nil
}

func (f *Factory) connectStdio(ctx context.Context, taskID, taskName string, p *StdioProfile) (*Connection, error) {
	line := resolveCommand(f.goos, p.Command, p.Args)
	cmd := exec.Command(line.Path, line.Args...)
	cmd.Env = buildEnv(f.goos, f.lookup, p.Env, resolveWorkDir(p.WorkDir))
	child := &childTransport{command: &mcp.CommandTransport{Command: cmd, TerminateDuration: f.opts.TerminateDuration}}

	// A child that never answers keeps the session's reader blocked until
	// it exits, so the handshake deadline has to kill it.
	stop := context.AfterFunc(ctx, child.kill)
	session, release, err := f.attempt(ctx, taskID, child)
	if err != nil {
		stop()
		child.kill()
		return nil, err
	}
	if !stop() {
		_ = session.Close()
		release()
		return nil, ctx.Err()
	}
	return f.newConnection(taskID, taskName, TypeStdio, session, release), nil
}

// childTransport is a CommandTransport whose process can be killed from
// another goroutine while the handshake is in flight.
type childTransport struct {
	command *mcp.CommandTransport

	mu      sync.Mutex
	started bool
	killed  bool
}

func (t *childTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed {
		return nil, errChildKilled
	}
	conn, err := t.command.Connect(ctx)
	if err == nil {
		t.started = true
	}
	return conn, err
}

// kill stops the process if it started and keeps it from starting later.
func (t *childTransport) kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed = true
	if t.started {
		_ = t.command.Command.Process.Kill()
	}
}

func (f *Factory) connectStream(ctx context.Context, taskID, taskName string, p *StreamProfile) (*Connection, error) {
	headers := profileHeaders(p)
	tracker := &sessionIDTracker{}

	streamable := func() mcp.Transport {
		return &mcp.StreamableClientTransport{
			Endpoint:   streamableEndpoint(p.URL),
			HTTPClient: decorateHTTPClient(f.opts.HTTPClient, headers, tracker),
			MaxRetries: f.opts.MaxRetries,
		}
	}
	sse := func() mcp.Transport {
		return &mcp.SSEClientTransport{
			Endpoint:   sseEndpoint(p.URL),
			HTTPClient: decorateHTTPClient(f.opts.HTTPClient, headers, nil),
		}
	}

	var order []func() mcp.Transport
	switch p.mode() {
	case StreamModeStreamable:
		order = []func() mcp.Transport{streamable}
	case StreamModeSSE:
		order = []func() mcp.Transport{sse}
	default:
		if preferSSE(p) {
			order = []func() mcp.Transport{sse}
		} else {
			order = []func() mcp.Transport{streamable, sse}
		}
	}

	var errs []error
	for _, build := range order {
		session, release, err := f.attempt(ctx, taskID, build())
		if err == nil {
			tracker.Set(session.ID())
			return f.newConnection(taskID, taskName, TypeStream, session, release), nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// attempt runs the handshake over transport. The transport itself is bound to
// a detached context so the handshake deadline does not end the stream; the
// returned release func cancels it.
func (f *Factory) attempt(ctx context.Context, taskID string, transport mcp.Transport) (*mcp.ClientSession, func(), error) {
	lifeCtx, release := context.WithCancel(context.WithoutCancel(ctx))
	var wrapped mcp.Transport = transport
	if f.opts.LogRPC {
		wrapped = &loggingTransport{taskID: taskID, delegate: wrapped, logger: f.opts.Logger}
	}
	wrapped = &detachedTransport{ctx: lifeCtx, cancel: release, delegate: wrapped}

	client := mcp.NewClient(&mcp.Implementation{Name: f.opts.ClientName, Version: f.opts.ClientVersion}, f.clientOptions(taskID))
	if f.opts.EnableRoots && len(f.opts.Roots) > 0 {
		client.AddRoots(f.opts.Roots...)
	}
	session, err := client.Connect(ctx, wrapped, nil)
	if err != nil {
		release()
		return nil, nil, err
	}
	return session, release, nil
}

func (f *Factory) newConnection(taskID, taskName string, typ Type, session *mcp.ClientSession, release func()) *Connection {
	conn := NewConnection(taskID, taskName, typ, session)
	conn.release = release
	go func() {
		_ = session.Wait()
		if conn.Initialized() {
			f.opts.Logger.Warn("upstream session ended", "task", taskID)
		}
	}()
	return conn
}

func (f *Factory) clientOptions(taskID string) *mcp.ClientOptions {
	opts := &mcp.ClientOptions{}
	if f.opts.EnableSampling {
		opts.CreateMessageHandler = func(context.Context, *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
			return nil, fmt.Errorf("sampling is not available through the gateway")
		}
	}
	if cb := f.opts.OnToolListChanged; cb != nil {
		opts.ToolListChangedHandler = func(context.Context, *mcp.ToolListChangedRequest) { cb(taskID) }
	}
	if cb := f.opts.OnPromptListChanged; cb != nil {
		opts.PromptListChangedHandler = func(context.Context, *mcp.PromptListChangedRequest) { cb(taskID) }
	}
	if cb := f.opts.OnResourceListChanged; cb != nil {
		opts.ResourceListChangedHandler = func(context.Context, *mcp.ResourceListChangedRequest) { cb(taskID) }
	}
	if cb := f.opts.OnProgress; cb != nil {
		opts.ProgressNotificationHandler = func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
			if req != nil && req.Params != nil {
				cb(ctx, taskID, req.Params)
			}
		}
	}
	return opts
}

type detachedTransport struct {
	ctx      context.Context
	cancel   context.CancelFunc
	delegate mcp.Transport
}

// Connect opens the delegate on the detached context but still gives up when
// ctx ends first.
func (t *detachedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	type result struct {
		conn mcp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := t.delegate.Connect(t.ctx)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		t.cancel()
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
