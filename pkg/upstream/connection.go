package upstream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the subset of *mcp.ClientSession a Connection relies on.
type Session interface {
	Ping(ctx context.Context, params *mcp.PingParams) error
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	ListPrompts(ctx context.Context, params *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)
	ListResources(ctx context.Context, params *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)
	Close() error
	Wait() error
}

var _ Session = (*mcp.ClientSession)(nil)

// Connection is a live, initialized session with one upstream task.
type Connection struct {
	TaskID   string
	TaskName string
	Type     Type

	session     Session
	initialized atomic.Bool
	release     func()

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}

	hbOnce   sync.Once
	hbStop   chan struct{}
	hbActive atomic.Bool
}

// NewConnection wraps an already-initialized session.
func NewConnection(taskID, taskName string, typ Type, session Session) *Connection {
	c := &Connection{
		TaskID:   taskID,
		TaskName: taskName,
		Type:     typ,
		session:  session,
		closed:   make(chan struct{}),
		hbStop:   make(chan struct{}),
	}
	c.initialized.Store(session != nil)
	return c
}

// Initialized reports whether the handshake completed and the connection has
// not been closed.
func (c *Connection) Initialized() bool { return c.initialized.Load() }

// Session exposes the underlying session.
func (c *Connection) Session() Session { return c.session }

func (c *Connection) Ping(ctx context.Context) error {
	return c.session.Ping(ctx, nil)
}

// ListTools pages through the upstream's complete tool list.
func (c *Connection) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return tools, nil
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

func (c *Connection) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return c.session.CallTool(ctx, params)
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Close stops the heartbeat and closes the session. Subsequent calls return
// the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.initialized.Store(false)
		c.stopHeartbeat()
		if c.session != nil {
			c.closeErr = c.session.Close()
		}
		if c.release != nil {
			c.release()
		}
		close(c.closed)
	})
	return c.closeErr
}

// heartbeat pings the upstream every interval. Failures are reported through
// onFailure and never close the connection.
type heartbeat struct {
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	onFailure func()
}

func (c *Connection) startHeartbeat(hb heartbeat) {
	if hb.interval <= 0 || !c.hbActive.CompareAndSwap(false, true) {
		return
	}
	go func() {
		ticker := time.NewTicker(hb.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.hbStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), hb.timeout)
				err := c.Ping(ctx)
				cancel()
				if err != nil {
					hb.logger.Warn("upstream heartbeat failed", "task", c.TaskID, "error", err)
					if hb.onFailure != nil {
						hb.onFailure()
					}
				}
			}
		}
	}()
}

func (c *Connection) stopHeartbeat() {
	c.hbOnce.Do(func() { close(c.hbStop) })
}
