// Package config loads gateway configuration from a file and
// SECRETARY_GATEWAY_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/viper"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gateway"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/upstream"
)

// EnvPrefix prefixes every environment override; "server.addr" becomes
// SECRETARY_GATEWAY_SERVER_ADDR.
const EnvPrefix = "SECRETARY_GATEWAY"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Authz    AuthzConfig    `mapstructure:"authz"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Log      LogConfig      `mapstructure:"log"`
	Seed     SeedConfig     `mapstructure:"seed"`

	// ActivateOnStart activates every seeded task at boot in addition to
	// restoring tasks persisted as active.
	ActivateOnStart bool `mapstructure:"activateOnStart"`
}

type ServerConfig struct {
	Addr            string             `mapstructure:"addr"`
	Path            string             `mapstructure:"path"`
	CORSOrigins     []string           `mapstructure:"corsOrigins"`
	IdentityHeader  string             `mapstructure:"identityHeader"`
	IdentityClaim   string             `mapstructure:"identityClaim"`
	Instructions    string             `mapstructure:"instructions"`
	SystemTools     bool               `mapstructure:"systemTools"`
	KeepAlive       time.Duration      `mapstructure:"keepAlive"`
	ShutdownTimeout time.Duration      `mapstructure:"shutdownTimeout"`
	Capabilities    CapabilitiesConfig `mapstructure:"capabilities"`
}

// CapabilitiesConfig selects the capability families the gateway declares.
type CapabilitiesConfig struct {
	Tools       bool `mapstructure:"tools"`
	Resources   bool `mapstructure:"resources"`
	Prompts     bool `mapstructure:"prompts"`
	Logging     bool `mapstructure:"logging"`
	ListChanged bool `mapstructure:"listChanged"`
}

type UpstreamConfig struct {
	HandshakeTimeout     time.Duration `mapstructure:"handshakeTimeout"`
	CallTimeout          time.Duration `mapstructure:"callTimeout"`
	ProbeTimeout         time.Duration `mapstructure:"probeTimeout"`
	ListTimeout          time.Duration `mapstructure:"listTimeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeatTimeout"`
	TerminateDuration    time.Duration `mapstructure:"terminateDuration"`
	MaxConcurrentCreates int64         `mapstructure:"maxConcurrentCreates"`
	MaxRetries           int           `mapstructure:"maxRetries"`
	EnableRoots          bool          `mapstructure:"enableRoots"`
	Roots                []string      `mapstructure:"roots"`
	EnableSampling       bool          `mapstructure:"enableSampling"`
	LogRPC               bool          `mapstructure:"logRPC"`
}

type AuthzConfig struct {
	CacheTTL time.Duration `mapstructure:"cacheTTL"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8700")
	v.SetDefault("server.path", "/mcp")
	v.SetDefault("server.corsOrigins", []string{})
	v.SetDefault("server.identityHeader", "X-Gateway-Identity")
	v.SetDefault("server.identityClaim", "identity")
	v.SetDefault("server.instructions", "")
	v.SetDefault("server.systemTools", true)
	v.SetDefault("server.keepAlive", time.Duration(0))
	v.SetDefault("server.shutdownTimeout", 10*time.Second)
	v.SetDefault("server.capabilities.tools", true)
	v.SetDefault("server.capabilities.resources", true)
	v.SetDefault("server.capabilities.prompts", true)
	v.SetDefault("server.capabilities.logging", true)
	v.SetDefault("server.capabilities.listChanged", true)

	v.SetDefault("upstream.handshakeTimeout", 30*time.Second)
	v.SetDefault("upstream.callTimeout", 60*time.Second)
	v.SetDefault("upstream.probeTimeout", 5*time.Second)
	v.SetDefault("upstream.listTimeout", 30*time.Second)
	v.SetDefault("upstream.heartbeatInterval", 30*time.Second)
	v.SetDefault("upstream.heartbeatTimeout", 10*time.Second)
	v.SetDefault("upstream.terminateDuration", 5*time.Second)
	v.SetDefault("upstream.maxConcurrentCreates", 8)
	v.SetDefault("upstream.maxRetries", 0)
	v.SetDefault("upstream.enableRoots", false)
	v.SetDefault("upstream.roots", []string{})
	v.SetDefault("upstream.enableSampling", false)
	v.SetDefault("upstream.logRPC", false)

	v.SetDefault("authz.cacheTTL", 30*time.Second)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("activateOnStart", false)
}

// NewViper returns a viper instance carrying the defaults and environment
// bindings. Callers may bind flags to it before calling Decode.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, when set, over the defaults and environment, then
// validates the result.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := Decode(NewViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate reports every problem found, wrapped in gwerrors.ErrValidation.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{gwerrors.ErrValidation}, args...)...))
	}

	if c.Server.Path != "" && !strings.HasPrefix(c.Server.Path, "/") {
		add("server.path %q must start with /", c.Server.Path)
	}
	if c.Server.IdentityHeader == "" {
		add("server.identityHeader is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		add("server.shutdownTimeout must not be negative")
	}
	if c.Upstream.CallTimeout < 0 || c.Upstream.HandshakeTimeout < 0 || c.Upstream.ProbeTimeout < 0 || c.Upstream.ListTimeout < 0 {
		add("upstream timeouts must not be negative")
	}
	if c.Upstream.MaxConcurrentCreates < 0 {
		add("upstream.maxConcurrentCreates must not be negative")
	}
	for _, root := range c.Upstream.Roots {
		if _, err := url.Parse(root); err != nil {
			add("upstream.roots: %v", err)
		}
	}
	switch c.Storage.Driver {
	case "", "memory":
	case "sqlite":
		if c.Storage.DSN == "" {
			add("storage.dsn is required for the sqlite driver")
		}
	default:
		add("unknown storage.driver %q", c.Storage.Driver)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		add("unknown log.format %q", c.Log.Format)
	}
	if err := c.Seed.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("%w: log.level: %v", gwerrors.ErrValidation, err)
	}
	return level, nil
}

// GatewayCapabilities converts the declared families.
func (c CapabilitiesConfig) GatewayCapabilities() *gateway.Capabilities {
	caps := &gateway.Capabilities{Logging: c.Logging}
	if c.Tools {
		caps.Tools = &gateway.ListCapability{ListChanged: c.ListChanged}
	}
	if c.Resources {
		caps.Resources = &gateway.ListCapability{ListChanged: c.ListChanged}
	}
	if c.Prompts {
		caps.Prompts = &gateway.ListCapability{ListChanged: c.ListChanged}
	}
	return caps
}

// FactoryOptions maps the upstream section onto factory options. Callbacks,
// logger and metrics are left for the caller.
func (u UpstreamConfig) FactoryOptions() *upstream.FactoryOptions {
	opts := &upstream.FactoryOptions{
		HandshakeTimeout:  u.HandshakeTimeout,
		MaxRetries:        u.MaxRetries,
		TerminateDuration: u.TerminateDuration,
		EnableRoots:       u.EnableRoots,
		EnableSampling:    u.EnableSampling,
		LogRPC:            u.LogRPC,
	}
	for _, uri := range u.Roots {
		opts.Roots = append(opts.Roots, &mcp.Root{URI: uri})
	}
	return opts
}

func (u UpstreamConfig) CacheOptions() *upstream.CacheOptions {
	return &upstream.CacheOptions{
		ProbeTimeout:         u.ProbeTimeout,
		MaxConcurrentCreates: u.MaxConcurrentCreates,
		HeartbeatInterval:    u.HeartbeatInterval,
		HeartbeatTimeout:     u.HeartbeatTimeout,
	}
}
