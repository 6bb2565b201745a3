package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/catalog"
)

// Names of the built-in tools.
const (
	StatusToolName = authz.SystemPrefix + "status"
	WhoamiToolName = authz.SystemPrefix + "whoami"
)

type emptyInput struct{}

// StatusOutput is the structured result of system_status.
type StatusOutput struct {
	Server        string          `json:"server"`
	Version       string          `json:"version"`
	Sessions      int             `json:"sessions"`
	ReadySessions int             `json:"readySessions"`
	Tools         int             `json:"tools"`
	Resources     int             `json:"resources"`
	Prompts       int             `json:"prompts"`
	Upstream      *UpstreamStatus `json:"upstream,omitempty"`
}

// WhoamiOutput is the structured result of system_whoami.
type WhoamiOutput struct {
	Identity    string   `json:"identity"`
	SessionID   string   `json:"sessionId"`
	Secretaries []string `json:"secretaries"`
}

type secretaryLister interface {
	Secretaries(ctx context.Context, identity string) ([]string, error)
}

func (g *Server) addSystemTools() error {
	status, err := newTypedTool(StatusToolName, "Report gateway, session and upstream status", g.systemStatus)
	if err != nil {
		return err
	}
	whoami, err := newTypedTool(WhoamiToolName, "Report the caller's identity and visible secretaries", g.systemWhoami)
	if err != nil {
		return err
	}
	for _, spec := range []catalog.ToolSpec{status, whoami} {
		if err := g.AddTool(spec); err != nil {
			return err
		}
	}
	return nil
}

func (g *Server) systemStatus(context.Context, *mcp.CallToolRequest, emptyInput) (StatusOutput, error) {
	out := StatusOutput{
		Server:    g.opts.Implementation.Name,
		Version:   g.opts.Implementation.Version,
		Tools:     g.catalog.Len(catalog.KindTools),
		Resources: g.catalog.Len(catalog.KindResources),
		Prompts:   g.catalog.Len(catalog.KindPrompts),
	}
	for _, s := range g.sessions.snapshot() {
		out.Sessions++
		if s.State == StateReady {
			out.ReadySessions++
		}
	}
	if g.opts.Upstreams != nil {
		up := g.opts.Upstreams()
		out.Upstream = &up
	}
	return out, nil
}

func (g *Server) systemWhoami(ctx context.Context, req *mcp.CallToolRequest, _ emptyInput) (WhoamiOutput, error) {
	out := WhoamiOutput{Secretaries: []string{}}
	if req != nil && req.Session != nil {
		out.SessionID = req.Session.ID()
		out.Identity = g.sessions.identity(req.Session)
	}
	if lister, ok := g.opts.Authorizer.(secretaryLister); ok && out.Identity != "" {
		secretaries, err := lister.Secretaries(ctx, out.Identity)
		if err != nil {
			return out, err
		}
		if secretaries != nil {
			out.Secretaries = secretaries
		}
	}
	return out, nil
}

// newTypedTool builds a tool whose schemas are inferred from In and Out and
// whose result carries Out both as structured content and as JSON text.
func newTypedTool[In, Out any](name, description string, fn func(context.Context, *mcp.CallToolRequest, In) (Out, error)) (catalog.ToolSpec, error) {
	inSchema, err := jsonschema.For[In](nil)
	if err != nil {
		return catalog.ToolSpec{}, fmt.Errorf("tool %q input schema: %w", name, err)
	}
	outSchema, err := jsonschema.For[Out](nil)
	if err != nil {
		return catalog.ToolSpec{}, fmt.Errorf("tool %q output schema: %w", name, err)
	}
	tool := &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  inSchema,
		OutputSchema: outSchema,
	}
	handler := func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in In
		if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return nil, fmt.Errorf("tool %q: invalid arguments: %w", name, err)
			}
		}
		out, err := fn(ctx, req, in)
		if err != nil {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, nil
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("tool %q: marshal result: %w", name, err)
		}
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: string(raw)}},
			StructuredContent: out,
		}, nil
	}
	return catalog.ToolSpec{Tool: tool, Handler: handler}, nil
}
