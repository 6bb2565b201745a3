package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/metrics"
)

// receivingMiddleware drives the session state machine, rejects methods of
// undeclared families, and applies authorization.
func (g *Server) receivingMiddleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		ss, _ := req.GetSession().(*mcp.ServerSession)
		if f, ok := g.dispatch[method]; ok && !g.caps.declares(f) {
			return nil, gwerrors.WithCode(fmt.Errorf("%w: %s", gwerrors.ErrMethodNotSupported, method), gwerrors.CodeMethodNotFound)
		}

		switch method {
		case "initialize":
			g.sessions.advance(ss, StateInitializing)
			res, err := next(ctx, method, req)
			if err != nil {
				return res, err
			}
			if ir, ok := res.(*mcp.InitializeResult); ok {
				if params, ok := req.GetParams().(*mcp.InitializeParams); ok && params != nil {
					ir.ProtocolVersion = NegotiateVersion(params.ProtocolVersion)
				}
				ir.Capabilities = g.caps.server()
				ir.ServerInfo = g.opts.Implementation
			}
			return res, nil

		case "notifications/initialized":
			res, err := next(ctx, method, req)
			if err == nil {
				g.sessions.advance(ss, StateReady)
			}
			return res, err

		case "tools/list":
			res, err := next(ctx, method, req)
			if err != nil || g.opts.Authorizer == nil {
				return res, err
			}
			if lr, ok := res.(*mcp.ListToolsResult); ok {
				lr.Tools = g.opts.Authorizer.ListVisibleTools(ctx, g.sessions.identity(ss), lr.Tools)
			}
			return res, nil

		case "tools/call":
			if ctr, ok := req.(*mcp.CallToolRequest); ok && ctr.Params != nil {
				if err := g.authorize(ctx, ss, ctr.Params.Name); err != nil {
					g.opts.Metrics.RecordToolCall(secretaryOf(ctr.Params.Name), metrics.ResultDenied)
					return nil, err
				}
			}

		case "prompts/list":
			res, err := next(ctx, method, req)
			if err != nil || g.opts.Authorizer == nil {
				return res, err
			}
			if lr, ok := res.(*mcp.ListPromptsResult); ok {
				lr.Prompts = g.opts.Authorizer.ListVisiblePrompts(ctx, g.sessions.identity(ss), lr.Prompts)
			}
			return res, nil

		case "prompts/get":
			if gpr, ok := req.(*mcp.GetPromptRequest); ok && gpr.Params != nil {
				if err := g.authorize(ctx, ss, gpr.Params.Name); err != nil {
					return nil, err
				}
			}
		}
		return next(ctx, method, req)
	}
}

func (g *Server) authorize(ctx context.Context, ss *mcp.ServerSession, name string) error {
	if g.opts.Authorizer == nil {
		return nil
	}
	identity := g.sessions.identity(ss)
	if err := g.opts.Authorizer.AuthorizeCall(ctx, identity, name); err != nil {
		g.opts.Logger.Info("call denied", "identity", identity, "name", name)
		return gwerrors.WithCode(err, gwerrors.CodeAccessDenied)
	}
	return nil
}

// sendingMiddleware drops list_changed notifications for families that did
// not declare them and for sessions that are not Ready.
func (g *Server) sendingMiddleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		if f, ok := listChangedNotifications[method]; ok {
			ss, _ := req.GetSession().(*mcp.ServerSession)
			if !g.caps.listChanged(f) || ss == nil || g.sessions.state(ss) != StateReady {
				return nil, nil
			}
		}
		return next(ctx, method, req)
	}
}

// secretaryOf returns the namespace segment of a tool name for metric labels.
func secretaryOf(name string) string {
	if authz.IsSystemTool(name) {
		return "system"
	}
	sec, _, found := strings.Cut(name, authz.Separator)
	if !found {
		return ""
	}
	return sec
}
