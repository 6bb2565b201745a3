package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/storage"
)

const sampleConfig = `
server:
  addr: 127.0.0.1:9000
  corsOrigins: ["https://console.example"]
  capabilities:
    resources: false
    listChanged: false
upstream:
  callTimeout: 15s
  heartbeatInterval: -1s
  roots: ["file:///srv/shared"]
storage:
  driver: memory
log:
  level: debug
  format: json
activateOnStart: true
seed:
  secretaries:
    - name: sales
      description: Sales desk
  templates:
    - id: tpl-leads
      name: Leads
      profile:
        type: stdio
        command: npx
        args: ["-y", "@acme/leads-mcp"]
        env:
          LEADS_REGION: eu
  tasks:
    - id: task-leads
      name: leads
      secretary: sales
      template: tpl-leads
    - id: task-crm
      name: crm
      secretary: sales
      profile:
        type: stream
        url: https://crm.example/mcp
        mode: streamable
        headers:
          X-Tenant: acme
  users:
    - identity: alice
      secretaries: [sales]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8700", cfg.Server.Addr)
	assert.Equal(t, "/mcp", cfg.Server.Path)
	assert.Equal(t, "X-Gateway-Identity", cfg.Server.IdentityHeader)
	assert.True(t, cfg.Server.SystemTools)
	assert.Equal(t, 60*time.Second, cfg.Upstream.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Upstream.ListTimeout)
	assert.Equal(t, int64(8), cfg.Upstream.MaxConcurrentCreates)
	assert.Equal(t, 30*time.Second, cfg.Authz.CacheTTL)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.True(t, cfg.Seed.Empty())

	caps := cfg.Server.Capabilities.GatewayCapabilities()
	require.NotNil(t, caps.Tools)
	assert.True(t, caps.Tools.ListChanged)
	assert.True(t, caps.Logging)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "/mcp", cfg.Server.Path)
	assert.Equal(t, []string{"https://console.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 15*time.Second, cfg.Upstream.CallTimeout)
	assert.True(t, cfg.ActivateOnStart)

	caps := cfg.Server.Capabilities.GatewayCapabilities()
	assert.Nil(t, caps.Resources)
	require.NotNil(t, caps.Tools)
	assert.False(t, caps.Tools.ListChanged)

	factory := cfg.Upstream.FactoryOptions()
	require.Len(t, factory.Roots, 1)
	assert.Equal(t, "file:///srv/shared", factory.Roots[0].URI)
	assert.Equal(t, -time.Second, cfg.Upstream.CacheOptions().HeartbeatInterval)

	require.Len(t, cfg.Seed.Tasks, 2)
	leads := cfg.Seed.Tasks[0]
	assert.Equal(t, "sales", leads.SecretaryID)
	assert.Equal(t, "tpl-leads", leads.TemplateID)
	crm := cfg.Seed.Tasks[1]
	assert.Equal(t, "stream", crm.Profile.Type)
	assert.Equal(t, "acme", crm.Profile.Headers["x-tenant"])
	assert.Equal(t, []string{"-y", "@acme/leads-mcp"}, cfg.Seed.Templates[0].Profile.Args)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SECRETARY_GATEWAY_SERVER_ADDR", ":9900")
	t.Setenv("SECRETARY_GATEWAY_UPSTREAM_CALLTIMEOUT", "5s")
	t.Setenv("SECRETARY_GATEWAY_SERVER_SYSTEMTOOLS", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9900", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Upstream.CallTimeout)
	assert.False(t, cfg.Server.SystemTools)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Path = "mcp"
	cfg.Storage.Driver = "postgres"
	cfg.Log.Level = "chatty"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.ErrorIs(t, err, gwerrors.ErrValidation)
	for _, want := range []string{"server.path", "storage.driver", "log.level", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.Storage.Driver = "sqlite"
	assert.ErrorContains(t, cfg.Validate(), "storage.dsn")
}

func TestSeedValidate(t *testing.T) {
	seed := SeedConfig{
		Secretaries: []storage.Secretary{{Name: "sales"}, {Name: "back_office"}},
		Templates:   []storage.Template{{ID: "tpl", Profile: storage.ProfileSpec{Type: "stdio"}}},
		Tasks: []storage.Task{
			{ID: "t1", Name: "leads", SecretaryID: "marketing", Profile: storage.ProfileSpec{Type: "stdio", Command: "x"}},
			{ID: "t2", Name: "crm", SecretaryID: "sales", TemplateID: "missing"},
			{ID: "t3", Name: "crm", SecretaryID: "sales", Profile: storage.ProfileSpec{Type: "stream", URL: "ftp://crm"}},
		},
		Users: []storage.UserSecretaryMapping{{Identity: "a_b", Secretaries: []string{"hr"}}},
	}
	err := seed.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`"back_office"`,
		"stdio profile requires a command",
		`unknown secretary "marketing"`,
		`unknown template "missing"`,
		`two tasks named "crm"`,
		"must use http or https",
		`identity "a_b"`,
		`unknown secretary "hr"`,
	} {
		assert.Contains(t, msg, want)
	}
	assert.ErrorIs(t, err, gwerrors.ErrDuplicate)
}

func TestSeedApply(t *testing.T) {
	ctx := context.Background()
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	store, err := storage.NewMemStore()
	require.NoError(t, err)

	ids, err := cfg.Seed.Apply(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-leads", "task-crm"}, ids)

	leads, err := store.LoadTask(ctx, "task-leads")
	require.NoError(t, err)
	require.NotNil(t, leads)
	assert.Equal(t, "npx", leads.Profile.Command)
	assert.Equal(t, map[string]string{"LEADS_REGION": "eu"}, leads.Profile.Env)
	assert.Equal(t, storage.StatusInactive, leads.Status)

	sales, err := store.LoadSecretary(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-leads", "task-crm"}, sales.TaskIDs)

	mapping, err := store.LoadUserSecretaryMappings(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, mapping.Secretaries)

	// a second boot keeps runtime state
	leads.Status = storage.StatusActive
	require.NoError(t, store.SaveTask(ctx, leads))
	sales.TaskIDs = append(sales.TaskIDs, "task-manual")
	require.NoError(t, store.SaveSecretary(ctx, sales))

	_, err = cfg.Seed.Apply(ctx, store)
	require.NoError(t, err)
	leads, err = store.LoadTask(ctx, "task-leads")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, leads.Status)
	sales, err = store.LoadSecretary(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-leads", "task-crm", "task-manual"}, sales.TaskIDs)
}
