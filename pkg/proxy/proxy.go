// Package proxy turns tools discovered on an upstream task into gateway tools
// under the "{secretary}_{task}_" namespace and forwards calls back to the
// upstream.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/catalog"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/metrics"
)

// Keys written into the _meta of every proxied tool definition.
const (
	MetaSecretary  = "gateway/secretary"
	MetaTaskID     = "gateway/taskId"
	MetaNativeName = "gateway/nativeName"
)

const defaultCallTimeout = 60 * time.Second

// Invoker forwards a call to the upstream that owns a tool.
// *upstream.Connection implements it.
type Invoker interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
}

// Options tunes proxied handlers.
type Options struct {
	// CallTimeout bounds each upstream call. Zero means 60s.
	CallTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	// Progress relays upstream progress to the calling session when set.
	Progress *ProgressTracker
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = defaultCallTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// WrapUpstreamTools builds one catalog entry per upstream tool. The returned
// specs are not registered; the caller adds them to the gateway.
func WrapUpstreamTools(secretary, taskID, taskName string, tools []*mcp.Tool, invoker Invoker, opts *Options) []catalog.ToolSpec {
	o := opts.withDefaults()
	specs := make([]catalog.ToolSpec, 0, len(tools))
	for _, t := range tools {
		if t == nil || t.Name == "" {
			continue
		}
		origin := catalog.Origin{
			Secretary:  secretary,
			TaskID:     taskID,
			TaskName:   taskName,
			NativeName: t.Name,
		}
		specs = append(specs, catalog.ToolSpec{
			Tool:    proxiedTool(origin, t),
			Handler: forwardHandler(origin, invoker, o),
			Origin:  origin,
		})
	}
	return specs
}

func proxiedTool(origin catalog.Origin, t *mcp.Tool) *mcp.Tool {
	out := *t
	out.Name = ToolName(origin.Secretary, origin.TaskName, t.Name)
	out.Description = fmt.Sprintf("[%s] %s", origin.TaskName, t.Description)
	if !catalog.IsObjectSchema(t.InputSchema) {
		out.InputSchema = catalog.EmptyObjectSchema()
	}
	if t.OutputSchema != nil && !catalog.IsObjectSchema(t.OutputSchema) {
		out.OutputSchema = nil
	}
	out.Meta = maps.Clone(t.Meta)
	if out.Meta == nil {
		out.Meta = mcp.Meta{}
	}
	out.Meta[MetaSecretary] = origin.Secretary
	out.Meta[MetaTaskID] = origin.TaskID
	out.Meta[MetaNativeName] = origin.NativeName
	return &out
}

func forwardHandler(origin catalog.Origin, invoker Invoker, o Options) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := &mcp.CallToolParams{Name: origin.NativeName}
		if req != nil && req.Params != nil {
			if len(req.Params.Arguments) > 0 {
				params.Arguments = json.RawMessage(req.Params.Arguments)
			}
			params.Meta = maps.Clone(req.Params.Meta)
			if token := req.Params.GetProgressToken(); token != nil && req.Session != nil {
				release := o.Progress.Track(origin.TaskID, req.Session, token, params)
				defer release()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, o.CallTimeout)
		defer cancel()

		res, err := invoker.CallTool(callCtx, params)
		switch {
		case err == nil:
			o.Metrics.RecordToolCall(origin.Secretary, metrics.ResultOK)
			return res, nil
		case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			o.Metrics.RecordToolCall(origin.Secretary, metrics.ResultTimeout)
			o.Logger.Warn("upstream tool call timed out", "task", origin.TaskID, "tool", origin.NativeName, "timeout", o.CallTimeout)
			return softFailure(fmt.Sprintf("Error: tool %q on task %q timed out after %s", origin.NativeName, origin.TaskName, o.CallTimeout)), nil
		default:
			o.Metrics.RecordToolCall(origin.Secretary, metrics.ResultError)
			o.Logger.Warn("upstream tool call failed", "task", origin.TaskID, "tool", origin.NativeName, "error", err)
			return softFailure(fmt.Sprintf("Error: %v: tool %q on task %q: %v", gwerrors.ErrBackendInvocation, origin.NativeName, origin.TaskName, err)), nil
		}
	}
}

func softFailure(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

// Registry is the part of the gateway used to drop a task's tools.
type Registry interface {
	ToolNames(prefix string) []string
	RemoveTool(name string) error
}

// UnregisterForTask removes every tool registered under the task's prefix.
// Each failure is logged and the rest are still attempted; the failures are
// returned together.
func UnregisterForTask(ctx context.Context, registry Registry, secretary, taskID, taskName string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var result *multierror.Error
	for _, name := range registry.ToolNames(TaskPrefix(secretary, taskName)) {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if err := registry.RemoveTool(name); err != nil {
			if errors.Is(err, gwerrors.ErrNotFound) {
				continue
			}
			logger.Warn("unregister tool", "task", taskID, "tool", name, "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
