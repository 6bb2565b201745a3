package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/catalog"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/upstream/upstreamtest"
)

type recordingInvoker struct {
	mu    sync.Mutex
	calls []*mcp.CallToolParams
	err   error
	block bool
}

func (r *recordingInvoker) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, params)
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func callRequest(name, args string) *mcp.CallToolRequest {
	params := &mcp.CallToolParamsRaw{Name: name}
	if args != "" {
		params.Arguments = json.RawMessage(args)
	}
	return &mcp.CallToolRequest{Params: params}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return text.Text
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "sales_leads_search", ToolName("sales", "leads", "search"))
	assert.Equal(t, "sales_leads_", TaskPrefix("sales", "leads"))
}

func TestValidateSegment(t *testing.T) {
	assert.NoError(t, ValidateSegment("task", "leads"))
	assert.ErrorIs(t, ValidateSegment("task", ""), gwerrors.ErrValidation)
	assert.ErrorIs(t, ValidateSegment("secretary", "sales_eu"), gwerrors.ErrValidation)
}

func TestWrapUpstreamTools(t *testing.T) {
	tools := []*mcp.Tool{
		{Name: "search", Description: "find leads", InputSchema: map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}}},
		{Name: "count", Description: "count leads"},
		{Name: "export", Description: "export", InputSchema: map[string]any{"type": "array"}, OutputSchema: map[string]any{"type": "string"}},
		nil,
		{Name: ""},
	}
	specs := WrapUpstreamTools("sales", "t-1", "leads", tools, &recordingInvoker{}, nil)
	require.Len(t, specs, 3)

	search := specs[0]
	assert.Equal(t, "sales_leads_search", search.Tool.Name)
	assert.Equal(t, "[leads] find leads", search.Tool.Description)
	assert.Equal(t, tools[0].InputSchema, search.Tool.InputSchema)
	assert.Equal(t, catalog.Origin{Secretary: "sales", TaskID: "t-1", TaskName: "leads", NativeName: "search"}, search.Origin)
	assert.Equal(t, "sales", search.Tool.Meta[MetaSecretary])
	assert.Equal(t, "t-1", search.Tool.Meta[MetaTaskID])
	assert.Equal(t, "search", search.Tool.Meta[MetaNativeName])

	assert.True(t, catalog.IsObjectSchema(specs[1].Tool.InputSchema))
	assert.True(t, catalog.IsObjectSchema(specs[2].Tool.InputSchema))
	assert.Nil(t, specs[2].Tool.OutputSchema)

	// the upstream definitions are left untouched
	assert.Equal(t, "search", tools[0].Name)
	assert.Nil(t, tools[0].Meta)
	for _, spec := range specs {
		assert.NoError(t, catalog.ValidateTool(spec))
	}
}

func TestForwardHandler(t *testing.T) {
	inv := &recordingInvoker{}
	specs := WrapUpstreamTools("sales", "t-1", "leads", []*mcp.Tool{{Name: "search"}}, inv, nil)
	require.Len(t, specs, 1)

	res, err := specs[0].Handler(context.Background(), callRequest("sales_leads_search", `{"q":"acme"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "ok", resultText(t, res))

	require.Len(t, inv.calls, 1)
	assert.Equal(t, "search", inv.calls[0].Name)
	assert.JSONEq(t, `{"q":"acme"}`, string(inv.calls[0].Arguments.(json.RawMessage)))
}

func TestForwardHandlerOmitsEmptyArguments(t *testing.T) {
	inv := &recordingInvoker{}
	specs := WrapUpstreamTools("sales", "t-1", "leads", []*mcp.Tool{{Name: "count"}}, inv, nil)

	_, err := specs[0].Handler(context.Background(), callRequest("sales_leads_count", ""))
	require.NoError(t, err)
	require.Len(t, inv.calls, 1)
	assert.Nil(t, inv.calls[0].Arguments)
}

func TestForwardHandlerSoftFailure(t *testing.T) {
	inv := &recordingInvoker{err: errors.New("connection reset")}
	specs := WrapUpstreamTools("sales", "t-1", "leads", []*mcp.Tool{{Name: "search"}}, inv, nil)

	res, err := specs[0].Handler(context.Background(), callRequest("sales_leads_search", `{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "connection reset")
	assert.Contains(t, resultText(t, res), gwerrors.ErrBackendInvocation.Error())
}

func TestForwardHandlerTimeout(t *testing.T) {
	inv := &recordingInvoker{block: true}
	specs := WrapUpstreamTools("sales", "t-1", "leads", []*mcp.Tool{{Name: "search"}}, inv, &Options{CallTimeout: 20 * time.Millisecond})

	res, err := specs[0].Handler(context.Background(), callRequest("sales_leads_search", `{}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "timed out")
}

func TestForwardThroughUpstreamConnection(t *testing.T) {
	ctx := context.Background()
	connector := upstreamtest.NewConnector()
	connector.Serve("t-1", upstreamtest.NewEchoServer("leads", "search"))

	conn, err := connector.Connect(ctx, "t-1", "leads", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	tools, err := conn.ListTools(ctx)
	require.NoError(t, err)
	specs := WrapUpstreamTools("sales", "t-1", "leads", tools, conn, nil)
	require.Len(t, specs, 1)
	assert.Equal(t, "sales_leads_search", specs[0].Tool.Name)

	res, err := specs[0].Handler(ctx, callRequest("sales_leads_search", `{"q":"acme"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, `search:{"q":"acme"}`, resultText(t, res))

	connector.Disconnect("t-1")
	require.Eventually(t, func() bool {
		res, err := specs[0].Handler(ctx, callRequest("sales_leads_search", `{}`))
		return err == nil && res.IsError
	}, 2*time.Second, 20*time.Millisecond)
}

type fakeRegistry struct {
	mu      sync.Mutex
	tools   map[string]bool
	failing map[string]bool
}

func newFakeRegistry(names ...string) *fakeRegistry {
	r := &fakeRegistry{tools: map[string]bool{}, failing: map[string]bool{}}
	for _, n := range names {
		r.tools[n] = true
	}
	return r
}

func (r *fakeRegistry) ToolNames(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for n := range r.tools {
		if len(n) >= len(prefix) && n[:len(prefix)] == prefix {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (r *fakeRegistry) RemoveTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing[name] {
		return fmt.Errorf("remove %s: boom", name)
	}
	if !r.tools[name] {
		return fmt.Errorf("%w: %s", gwerrors.ErrNotFound, name)
	}
	delete(r.tools, name)
	return nil
}

func TestUnregisterForTask(t *testing.T) {
	reg := newFakeRegistry("sales_leads_search", "sales_leads_count", "sales_crm_lookup", "system_status")

	require.NoError(t, UnregisterForTask(context.Background(), reg, "sales", "t-1", "leads", nil))
	assert.Equal(t, []string{"sales_crm_lookup"}, reg.ToolNames("sales_"))
	assert.Equal(t, []string{"system_status"}, reg.ToolNames("system_"))

	// nothing left to remove
	require.NoError(t, UnregisterForTask(context.Background(), reg, "sales", "t-1", "leads", nil))
}

func TestUnregisterForTaskContinuesAfterFailure(t *testing.T) {
	reg := newFakeRegistry("sales_leads_a", "sales_leads_b", "sales_leads_c")
	reg.failing["sales_leads_b"] = true

	err := UnregisterForTask(context.Background(), reg, "sales", "t-1", "leads", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sales_leads_b")
	assert.Equal(t, []string{"sales_leads_b"}, reg.ToolNames("sales_leads_"))
}
