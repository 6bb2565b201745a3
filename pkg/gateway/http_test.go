package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/metrics"
)

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		clone.Header.Set(k, v)
	}
	return h.base.RoundTrip(clone)
}

func connectHTTP(t *testing.T, srv *httptest.Server, path string, headers map[string]string) *mcp.ClientSession {
	t.Helper()
	httpClient := &http.Client{Transport: &headerTransport{base: srv.Client().Transport, headers: headers}}
	transport := &mcp.StreamableClientTransport{
		Endpoint:   srv.URL + path,
		HTTPClient: httpClient,
		MaxRetries: -1,
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "http-client", Version: "test"}, nil)
	// the streamable client ties the session to this context
	cs, err := client.Connect(context.Background(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestStreamableSessionCarriesIdentity(t *testing.T) {
	authorizer := authz.New(mappings{"alice": {"sales"}}, nil)
	g := newTestServer(t, &Options{Authorizer: authorizer, SystemTools: true})
	require.NoError(t, g.AddTool(textTool("sales_leads_search", "leads")))
	require.NoError(t, g.AddTool(textTool("hr_payroll_run", "payroll")))

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	cs := connectHTTP(t, srv, "/mcp", map[string]string{"X-Gateway-Identity": "alice"})
	identity, ok := authz.ExtractIdentity(cs.ID())
	require.True(t, ok, "session id %q", cs.ID())
	assert.Equal(t, "alice", identity)

	assert.ElementsMatch(t, []string{"sales_leads_search", StatusToolName, WhoamiToolName}, listToolNames(t, cs))
	got, err := callText(t, cs, "sales_leads_search")
	require.NoError(t, err)
	assert.Equal(t, "leads", got)
	_, err = callText(t, cs, "hr_payroll_run")
	require.Error(t, err)
}

func TestStreamableRoutes(t *testing.T) {
	g := newTestServer(t, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", string(body))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", "nobody_0000")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, err = http.Get(srv.URL + "/mcp")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	g.ServeMux().HandleFunc("/late", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ready"))
	})
	res, err = http.Get(srv.URL + "/late")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestStreamableDeleteEndsSession(t *testing.T) {
	g := newTestServer(t, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	cs := connectHTTP(t, srv, "/mcp", map[string]string{"X-Gateway-Identity": "bob"})
	require.Eventually(t, func() bool { return len(g.Sessions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", cs.ID())
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Eventually(t, func() bool { return len(g.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBearerTokenIdentity(t *testing.T) {
	const resourceMetadataURL = "https://gateway.example/.well-known/oauth-protected-resource"
	verifier := func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		identity, ok := map[string]string{"alice-token": "alice", "bob-token": "bob"}[token]
		if !ok {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{
			Expiration: time.Now().Add(time.Hour),
			Extra:      map[string]any{"identity": identity},
		}, nil
	}
	g := newTestServer(t, &Options{
		TokenVerifier: verifier,
		TokenOptions:  &auth.RequireBearerTokenOptions{ResourceMetadataURL: resourceMetadataURL},
	})
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	res, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "Bearer resource_metadata="+resourceMetadataURL, res.Header.Get("WWW-Authenticate"))

	// the identity header is ignored once tokens are verified
	cs := connectHTTP(t, srv, "/mcp", map[string]string{
		"Authorization":      "Bearer alice-token",
		"X-Gateway-Identity": "mallory",
	})
	identity, ok := authz.ExtractIdentity(cs.ID())
	require.True(t, ok)
	assert.Equal(t, "alice", identity)

	// another verified identity cannot take over alice's session
	deleteSession := func(token string) int {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Mcp-Session-Id", cs.ID())
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}
	assert.Equal(t, http.StatusForbidden, deleteSession("bob-token"))
	assert.Len(t, g.Sessions(), 1)
	assert.Equal(t, http.StatusNoContent, deleteSession("alice-token"))

	res, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCORSAndMetricsRoutes(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New()
	registry.MustRegister(m)
	g := newTestServer(t, &Options{
		CORSOrigins: []string{"https://app.example"},
		Metrics:     m,
		Gatherer:    registry,
	})
	require.NoError(t, g.AddTool(textTool("sales_leads_search", "leads")))
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "https://app.example", res.Header.Get("Access-Control-Allow-Origin"))

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(body), `secretary_gateway_catalog_entries{kind="tools"} 1`)
}
