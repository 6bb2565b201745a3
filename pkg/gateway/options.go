package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/metrics"
)

const (
	defaultAddr            = ":8700"
	defaultPath            = "/mcp"
	defaultIdentityHeader  = "X-Gateway-Identity"
	defaultIdentityClaim   = "identity"
	defaultShutdownTimeout = 10 * time.Second
)

// Authorizer decides what each identity may see and call.
// *authz.Authorizer implements it.
type Authorizer interface {
	ListVisibleTools(ctx context.Context, identity string, tools []*mcp.Tool) []*mcp.Tool
	ListVisiblePrompts(ctx context.Context, identity string, prompts []*mcp.Prompt) []*mcp.Prompt
	AuthorizeCall(ctx context.Context, identity, name string) error
}

// UpstreamStatus summarizes the upstream connections for system_status.
type UpstreamStatus struct {
	Connections int      `json:"connections"`
	Tasks       []string `json:"tasks,omitempty"`
}

// Options configure a Server.
type Options struct {
	// Implementation is reported to clients at initialize.
	Implementation *mcp.Implementation
	// Capabilities declares the feature families served. Nil means
	// DefaultCapabilities.
	Capabilities *Capabilities
	Instructions string

	// Addr is the ListenAndServe address. Defaults to ":8700".
	Addr string
	// Path mounts the streamable endpoint. Defaults to "/mcp".
	Path string
	// IdentityHeader carries the caller identity on the initialize request
	// when no TokenVerifier is configured.
	IdentityHeader string
	// IdentityClaim is the TokenInfo.Extra key holding the identity when a
	// TokenVerifier is configured.
	IdentityClaim string
	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string
	// TokenVerifier, when set, requires a bearer token on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	TokenOptions  *auth.RequireBearerTokenOptions

	// Authorizer filters listings and gates calls. Nil serves everything to
	// everyone.
	Authorizer Authorizer
	// SystemTools registers system_status and system_whoami.
	SystemTools bool
	// Upstreams feeds system_status.
	Upstreams func() UpstreamStatus

	// KeepAlive pings idle sessions; zero disables it.
	KeepAlive       time.Duration
	ShutdownTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "secretary-gateway",
			Title:   "Secretary Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Capabilities == nil {
		caps := DefaultCapabilities()
		opts.Capabilities = &caps
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if !strings.HasPrefix(opts.Path, "/") {
		opts.Path = "/" + opts.Path
	}
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = defaultIdentityHeader
	}
	if opts.IdentityClaim == "" {
		opts.IdentityClaim = defaultIdentityClaim
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

func (o Options) validate() error {
	if o.TokenOptions != nil && o.TokenVerifier == nil {
		return fmt.Errorf("%w: TokenOptions require a TokenVerifier", gwerrors.ErrValidation)
	}
	return nil
}
