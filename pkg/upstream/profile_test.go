package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
)

func TestProfileHelpers(t *testing.T) {
	t.Parallel()

	stdio := &StdioProfile{Command: "npx", Args: []string{"@modelcontextprotocol/server-everything"}}
	stream := &StreamProfile{URL: "https://example.com/mcp"}

	assert.Equal(t, TypeStdio, TransportOf(stdio))
	assert.Equal(t, TypeStream, TransportOf(stream))
	assert.Equal(t, Type(""), TransportOf(nil))
	assert.Equal(t, Type(""), TransportOf((*StdioProfile)(nil)))

	c, ok := AsStdio(stdio)
	assert.True(t, ok)
	assert.Equal(t, "npx", c.Command)
	_, ok = AsStdio(stream)
	assert.False(t, ok)
	s, ok := AsStream(stream)
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/mcp", s.URL)
	_, ok = AsStream(stdio)
	assert.False(t, ok)
}

func TestProfileValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		profile Profile
		valid   bool
	}{
		{"stdio ok", &StdioProfile{Command: "node"}, true},
		{"stdio empty command", &StdioProfile{Command: "  "}, false},
		{"stream ok", &StreamProfile{URL: "http://localhost:3000"}, true},
		{"stream empty url", &StreamProfile{}, false},
		{"stream bad scheme", &StreamProfile{URL: "ftp://host"}, false},
		{"stream bad mode", &StreamProfile{URL: "http://host", Mode: "websocket"}, false},
		{"stream sse mode", &StreamProfile{URL: "http://host", Mode: StreamModeSSE}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.profile.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, gwerrors.ErrValidation)
			}
		})
	}
}

func TestSSEEndpointNeverDoublesSuffix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://h:1/sse", sseEndpoint("http://h:1"))
	assert.Equal(t, "http://h:1/sse", sseEndpoint("http://h:1/"))
	assert.Equal(t, "http://h:1/sse", sseEndpoint("http://h:1/sse"))
	assert.Equal(t, "http://h:1/api/sse", sseEndpoint("http://h:1/api/sse/"))

	assert.True(t, preferSSE(&StreamProfile{URL: "http://h/sse"}))
	assert.False(t, preferSSE(&StreamProfile{URL: "http://h/mcp"}))
}

func TestProfileHeadersAddsBearer(t *testing.T) {
	t.Parallel()

	h := profileHeaders(&StreamProfile{URL: "http://h", BearerToken: "tok", Headers: map[string]string{"X-Team": "sales"}})
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "sales", h.Get("X-Team"))
	assert.Nil(t, profileHeaders(&StreamProfile{URL: "http://h"}))
}
