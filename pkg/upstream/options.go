package upstream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/metrics"
)

// FactoryOptions configure a Factory.
type FactoryOptions struct {
	// ClientName and ClientVersion identify the gateway during handshakes.
	ClientName    string
	ClientVersion string
	// HandshakeTimeout bounds spawn/dial plus initialize. Defaults to 30s.
	HandshakeTimeout time.Duration
	// HTTPClient is the base client for stream upstreams.
	HTTPClient *http.Client
	// MaxRetries is passed to the streamable transport.
	MaxRetries int
	// TerminateDuration is how long a stdio child gets to exit after stdin
	// closes.
	TerminateDuration time.Duration

	// EnableRoots advertises Roots to upstreams.
	EnableRoots bool
	Roots       []*mcp.Root
	// EnableSampling advertises the sampling capability. Requests are
	// declined since the gateway does not host a model.
	EnableSampling bool

	// Change and progress callbacks, keyed by task id.
	OnToolListChanged     func(taskID string)
	OnPromptListChanged   func(taskID string)
	OnResourceListChanged func(taskID string)
	OnProgress            func(ctx context.Context, taskID string, params *mcp.ProgressNotificationParams)

	// LogRPC echoes JSON-RPC traffic at debug level. It disables the
	// standalone notification stream of streamable HTTP upstreams.
	LogRPC  bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *FactoryOptions) withDefaults() FactoryOptions {
	if o == nil {
		o = &FactoryOptions{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "secretary-gateway"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// CacheOptions configure a Cache.
type CacheOptions struct {
	// ProbeTimeout bounds the ping used to validate a cached connection.
	// Defaults to 5s.
	ProbeTimeout time.Duration
	// MaxConcurrentCreates bounds simultaneous connection establishment.
	// Defaults to 8.
	MaxConcurrentCreates int64
	// HeartbeatInterval and HeartbeatTimeout drive stream connection pings.
	// Defaults are 30s and 10s; a negative interval disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

func (o *CacheOptions) withDefaults() CacheOptions {
	if o == nil {
		o = &CacheOptions{}
	}
	opts := *o
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.MaxConcurrentCreates <= 0 {
		opts.MaxConcurrentCreates = 8
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
