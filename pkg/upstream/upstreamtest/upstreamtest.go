// Package upstreamtest provides in-process upstream MCP servers and a
// Connector that reaches them over in-memory transports.
package upstreamtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/upstream"
)

// NewEchoServer returns a server exposing one tool per name. Each tool
// answers with "<tool>:<raw arguments>".
func NewEchoServer(name string, tools ...string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, nil)
	for _, tool := range tools {
		AddEchoTool(server, tool)
	}
	return server
}

// AddEchoTool registers an echo tool on server.
func AddEchoTool(server *mcp.Server, tool string) {
	server.AddTool(&mcp.Tool{
		Name:        tool,
		Description: "echo " + tool,
		InputSchema: map[string]any{"type": "object"},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := "{}"
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = string(req.Params.Arguments)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: tool + ":" + args}},
		}, nil
	})
}

// Connector maps task ids to in-process servers.
type Connector struct {
	mu       sync.Mutex
	servers  map[string]*mcp.Server
	failures map[string]error
	connects map[string]int
	sessions map[string][]*mcp.ServerSession
}

var _ upstream.Connector = (*Connector)(nil)

func NewConnector() *Connector {
	return &Connector{
		servers:  make(map[string]*mcp.Server),
		failures: make(map[string]error),
		connects: make(map[string]int),
		sessions: make(map[string][]*mcp.ServerSession),
	}
}

// Serve routes connections for taskID to server.
func (c *Connector) Serve(taskID string, server *mcp.Server) {
	c.mu.Lock()
	c.servers[taskID] = server
	c.mu.Unlock()
}

// FailWith makes connections for taskID fail with err; nil clears it.
func (c *Connector) FailWith(taskID string, err error) {
	c.mu.Lock()
	if err == nil {
		delete(c.failures, taskID)
	} else {
		c.failures[taskID] = err
	}
	c.mu.Unlock()
}

// Connects reports how many connection attempts reached taskID.
func (c *Connector) Connects(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[taskID]
}

// Disconnect closes the server side of every session opened for taskID,
// simulating an upstream that went away.
func (c *Connector) Disconnect(taskID string) {
	c.mu.Lock()
	sessions := c.sessions[taskID]
	delete(c.sessions, taskID)
	c.mu.Unlock()
	for _, ss := range sessions {
		_ = ss.Close()
	}
}

func (c *Connector) Connect(ctx context.Context, taskID, taskName string, profile upstream.Profile) (*upstream.Connection, error) {
	c.mu.Lock()
	c.connects[taskID]++
	server := c.servers[taskID]
	failure := c.failures[taskID]
	c.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	if server == nil {
		return nil, fmt.Errorf("%w: no test server for task %q", gwerrors.ErrConnection, taskID)
	}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrConnection, err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "upstreamtest", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		_ = ss.Close()
		return nil, fmt.Errorf("%w: %v", gwerrors.ErrConnection, err)
	}
	c.mu.Lock()
	c.sessions[taskID] = append(c.sessions[taskID], ss)
	c.mu.Unlock()

	typ := upstream.TransportOf(profile)
	if typ == "" {
		typ = upstream.TypeStdio
	}
	return upstream.NewConnection(taskID, taskName, typ, cs), nil
}
