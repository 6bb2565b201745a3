package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/catalog"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gateway"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/storage"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/upstream"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/upstream/upstreamtest"
)

type testEnv struct {
	store      *storage.MemStore
	connector  *upstreamtest.Connector
	cache      *upstream.Cache
	gw         *gateway.Server
	authorizer *authz.Authorizer
	orch       *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewMemStore()
	require.NoError(t, err)
	require.NoError(t, store.SaveSecretary(ctx, &storage.Secretary{Name: "sales"}))
	require.NoError(t, store.SaveSecretary(ctx, &storage.Secretary{Name: "hr"}))
	require.NoError(t, store.SaveTemplate(ctx, &storage.Template{
		ID:      "tpl-leads",
		Name:    "Leads",
		Profile: storage.ProfileSpec{Type: "stdio", Command: "leads-server"},
	}))

	connector := upstreamtest.NewConnector()
	cache := upstream.NewCache(connector, &upstream.CacheOptions{HeartbeatInterval: -1})
	authorizer := authz.New(store, nil)
	gw, err := gateway.New(&gateway.Options{Authorizer: authorizer, SystemTools: true})
	require.NoError(t, err)
	orch := New(store, cache, gw, &Options{Authz: authorizer})
	t.Cleanup(func() {
		_ = gw.Close()
		_ = orch.Shutdown(context.Background())
	})
	return &testEnv{store: store, connector: connector, cache: cache, gw: gw, authorizer: authorizer, orch: orch}
}

// createLeads creates sales/leads backed by an echo server with tools.
func (e *testEnv) createLeads(t *testing.T, tools ...string) (*storage.Task, *mcp.Server) {
	t.Helper()
	task, err := e.orch.CreateTaskFromTemplate(context.Background(), "tpl-leads", "sales", "leads")
	require.NoError(t, err)
	server := upstreamtest.NewEchoServer("leads", tools...)
	e.connector.Serve(task.ID, server)
	return task, server
}

func (e *testEnv) client(t *testing.T, identity string, opts *mcp.ClientOptions) *mcp.ClientSession {
	t.Helper()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	_, err := e.gw.Connect(context.Background(), serverTransport, identity)
	require.NoError(t, err)
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, opts)
	cs, err := client.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	require.Eventually(t, func() bool {
		for _, s := range e.gw.Sessions() {
			if s.State == gateway.StateReady {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return cs
}

func toolNames(t *testing.T, cs *mcp.ClientSession) []string {
	t.Helper()
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestActivateAndDeactivateEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, _ := env.createLeads(t, "search")
	require.NoError(t, env.orch.SetUserSecretaries(ctx, "alice", []string{"sales"}))

	changed := make(chan struct{}, 16)
	cs := env.client(t, "alice", &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			changed <- struct{}{}
		},
	})

	activated, err := env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, activated.Status)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no tools/list_changed after activation")
	}
	assert.Contains(t, toolNames(t, cs), "sales_leads_search")

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "sales_leads_search", Arguments: map[string]any{"q": "acme"}})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, `search:{"q":"acme"}`, res.Content[0].(*mcp.TextContent).Text)

	stored, err := env.store.LoadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, stored.Status)

	deactivated, err := env.orch.DeactivateTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInactive, deactivated.Status)
	assert.Empty(t, env.gw.ToolNames("sales_leads_"))
	assert.Nil(t, env.cache.Get(task.ID))
	assert.NotContains(t, toolNames(t, cs), "sales_leads_search")
}

func TestActivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, _ := env.createLeads(t, "search", "count")

	_, err := env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, env.connector.Connects(task.ID))
	assert.Equal(t, []string{"sales_leads_count", "sales_leads_search"}, env.gw.ToolNames("sales_leads_"))
}

func TestActivationFailureIsRecordedAndRetryable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, _ := env.createLeads(t, "search")

	env.connector.FailWith(task.ID, fmt.Errorf("%w: spawn leads-server: not found", gwerrors.ErrConnection))
	_, err := env.orch.ActivateTask(ctx, task.ID)
	require.ErrorIs(t, err, gwerrors.ErrConnection)

	stored, err := env.store.LoadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, stored.Status)
	assert.Contains(t, stored.StatusMessage, "spawn leads-server")
	assert.Empty(t, env.gw.ToolNames("sales_leads_"))

	env.connector.FailWith(task.ID, nil)
	activated, err := env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, activated.Status)
	assert.Empty(t, activated.StatusMessage)
}

func TestActivationRollsBackOnDuplicate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, _ := env.createLeads(t, "count", "search")

	// another writer claims one of the names mid-activation
	reg := &clashingRegistry{Registry: env.gw, clash: "sales_leads_search"}
	orch := New(env.store, env.cache, reg, nil)

	_, err := orch.ActivateTask(ctx, task.ID)
	require.ErrorIs(t, err, gwerrors.ErrDuplicate)
	assert.NotContains(t, env.gw.ToolNames("sales_leads_"), "sales_leads_count")
	assert.Nil(t, env.cache.Get(task.ID))

	stored, err := env.store.LoadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, stored.Status)
}

type clashingRegistry struct {
	Registry
	clash string
}

func (r *clashingRegistry) AddTool(spec catalog.ToolSpec) error {
	if spec.Tool.Name == r.clash {
		return fmt.Errorf("%w: tool %q is already registered", gwerrors.ErrDuplicate, r.clash)
	}
	return r.Registry.AddTool(spec)
}

func TestSoftFailureWhenBackendBreaks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, _ := env.createLeads(t, "search")
	require.NoError(t, env.orch.SetUserSecretaries(ctx, "alice", []string{"sales"}))
	cs := env.client(t, "alice", nil)

	_, err := env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)
	env.connector.Disconnect(task.ID)

	require.Eventually(t, func() bool {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "sales_leads_search"})
		return err == nil && res.IsError
	}, 3*time.Second, 20*time.Millisecond)

	// the downstream session is still usable
	_, err = cs.ListTools(ctx, nil)
	assert.NoError(t, err)
}

func TestUnmappedIdentityCannotCall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, _ := env.createLeads(t, "search")
	_, err := env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)

	cs := env.client(t, "bob", nil)
	assert.NotContains(t, toolNames(t, cs), "sales_leads_search")
	_, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "sales_leads_search"})
	require.Error(t, err)

	// granting access takes effect without waiting for the cache to expire
	require.NoError(t, env.orch.SetUserSecretaries(ctx, "bob", []string{"sales"}))
	assert.Contains(t, toolNames(t, cs), "sales_leads_search")
}

func TestRestoreReactivatesActiveTasks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, _ := env.createLeads(t, "search")
	task.Status = storage.StatusActive
	require.NoError(t, env.store.SaveTask(ctx, task))

	require.NoError(t, env.orch.Restore(ctx))
	assert.NotNil(t, env.cache.Get(task.ID))
	assert.Equal(t, []string{"sales_leads_search"}, env.gw.ToolNames("sales_leads_"))
}

func TestResyncTaskFollowsUpstream(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, server := env.createLeads(t, "search")
	_, err := env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)

	upstreamtest.AddEchoTool(server, "count")
	server.RemoveTools("search")
	require.NoError(t, env.orch.ResyncTask(ctx, task.ID))
	assert.Equal(t, []string{"sales_leads_count"}, env.gw.ToolNames("sales_leads_"))

	_, err = env.orch.DeactivateTask(ctx, task.ID)
	require.NoError(t, err)
	require.ErrorIs(t, env.orch.ResyncTask(ctx, task.ID), gwerrors.ErrValidation)
}

func TestToolListChangedTriggersResync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, server := env.createLeads(t, "search")
	_, err := env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)

	upstreamtest.AddEchoTool(server, "export")
	env.orch.ToolListChanged(task.ID)
	assert.Eventually(t, func() bool {
		_, ok := env.gw.Tool("sales_leads_export")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListToolsIsBounded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.orch.opts.ListTimeout = 200 * time.Millisecond
	task, server := env.createLeads(t, "search")

	var stall atomic.Bool
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	server.AddReceivingMiddleware(func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method == "tools/list" && stall.Load() {
				select {
				case <-ctx.Done():
				case <-release:
				}
			}
			return next(ctx, method, req)
		}
	})

	stall.Store(true)
	start := time.Now()
	_, err := env.orch.ActivateTask(ctx, task.ID)
	require.ErrorIs(t, err, gwerrors.ErrConnection)
	assert.Less(t, time.Since(start), 3*time.Second)
	stored, err := env.store.LoadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, stored.Status)

	stall.Store(false)
	_, err = env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)

	stall.Store(true)
	start = time.Now()
	require.ErrorIs(t, env.orch.ResyncTask(ctx, task.ID), gwerrors.ErrConnection)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCreateTaskFromTemplateValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.CreateTaskFromTemplate(ctx, "tpl-leads", "sales", "lead_v2")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
	_, err = env.orch.CreateTaskFromTemplate(ctx, "missing", "sales", "leads")
	assert.ErrorIs(t, err, gwerrors.ErrNotFound)
	_, err = env.orch.CreateTaskFromTemplate(ctx, "tpl-leads", "missing", "leads")
	assert.ErrorIs(t, err, gwerrors.ErrNotFound)

	task, err := env.orch.CreateTaskFromTemplate(ctx, "tpl-leads", "sales", "leads")
	require.NoError(t, err)
	assert.Equal(t, "tpl-leads", task.TemplateID)
	assert.Equal(t, "leads-server", task.Profile.Command)
	_, err = env.orch.CreateTaskFromTemplate(ctx, "tpl-leads", "sales", "leads")
	assert.ErrorIs(t, err, gwerrors.ErrDuplicate)

	sec, err := env.store.LoadSecretary(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, sec.TaskIDs)

	_, err = env.orch.ActivateTask(ctx, "")
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
	_, err = env.orch.ActivateTask(ctx, "nope")
	assert.ErrorIs(t, err, gwerrors.ErrNotFound)
}

func TestSecretaryActivation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	leads, _ := env.createLeads(t, "search")
	crm, err := env.orch.CreateTaskFromTemplate(ctx, "tpl-leads", "sales", "crm")
	require.NoError(t, err)
	env.connector.FailWith(crm.ID, errors.New("crm is down"))

	err = env.orch.ActivateSecretary(ctx, "sales")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm is down")
	assert.Equal(t, []string{"sales_leads_search"}, env.gw.ToolNames("sales_"))

	sec, err := env.store.LoadSecretary(ctx, "sales")
	require.NoError(t, err)
	assert.True(t, sec.Active)

	require.NoError(t, env.orch.DeactivateSecretary(ctx, "sales"))
	assert.Empty(t, env.gw.ToolNames("sales_"))
	assert.Nil(t, env.cache.Get(leads.ID))
	assert.ErrorIs(t, env.orch.ActivateSecretary(ctx, "nobody"), gwerrors.ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	task, _ := env.createLeads(t, "search")
	_, err := env.orch.ActivateTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, env.orch.DeleteTask(ctx, task.ID))
	stored, err := env.store.LoadTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Empty(t, env.gw.ToolNames("sales_leads_"))
	sec, err := env.store.LoadSecretary(ctx, "sales")
	require.NoError(t, err)
	assert.Empty(t, sec.TaskIDs)
}

func TestSetUserSecretariesValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	assert.ErrorIs(t, env.orch.SetUserSecretaries(ctx, "", []string{"sales"}), gwerrors.ErrValidation)
	assert.ErrorIs(t, env.orch.SetUserSecretaries(ctx, "a_b", []string{"sales"}), gwerrors.ErrValidation)
	assert.ErrorIs(t, env.orch.SetUserSecretaries(ctx, "alice", []string{"nobody"}), gwerrors.ErrNotFound)

	require.NoError(t, env.orch.SetUserSecretaries(ctx, "alice", []string{"sales", "hr"}))
	secs, err := env.authorizer.Secretaries(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales", "hr"}, secs)

	require.NoError(t, env.orch.SetUserSecretaries(ctx, "alice", nil))
	secs, err = env.authorizer.Secretaries(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, secs)
}

func TestResolveProfile(t *testing.T) {
	p, err := ResolveProfile(storage.ProfileSpec{Type: "stream", URL: "https://crm.example/mcp", Mode: "sse"})
	require.NoError(t, err)
	stream, ok := upstream.AsStream(p)
	require.True(t, ok)
	assert.Equal(t, upstream.StreamModeSSE, stream.Mode)

	_, err = ResolveProfile(storage.ProfileSpec{Type: "carrier-pigeon"})
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
	_, err = ResolveProfile(storage.ProfileSpec{Type: "stdio"})
	assert.ErrorIs(t, err, gwerrors.ErrValidation)
}
