// Package authz decides which catalog entries a session may see and call.
// A session's identity maps to a set of secretaries; it may use any tool
// named "{secretary}_..." for one of them, plus every system tool.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/patrickmn/go-cache"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/storage"
)

// MappingSource loads the secretaries granted to an identity.
type MappingSource interface {
	LoadUserSecretaryMappings(ctx context.Context, identity string) (*storage.UserSecretaryMapping, error)
}

// Options configure an Authorizer.
type Options struct {
	// CacheTTL bounds how long a mapping lookup is reused. Defaults to 30s.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Authorizer filters lists and gates calls by secretary membership.
type Authorizer struct {
	source MappingSource
	cache  *cache.Cache
	logger *slog.Logger
}

// New returns an Authorizer backed by source. A nil source grants nothing
// beyond system tools.
func New(source MappingSource, opts *Options) *Authorizer {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Authorizer{
		source: source,
		cache:  cache.New(o.CacheTTL, 2*o.CacheTTL),
		logger: o.Logger,
	}
}

// Secretaries returns the secretaries mapped to identity.
func (a *Authorizer) Secretaries(ctx context.Context, identity string) ([]string, error) {
	if identity == "" || a.source == nil {
		return nil, nil
	}
	if cached, ok := a.cache.Get(identity); ok {
		return cached.([]string), nil
	}
	mapping, err := a.source.LoadUserSecretaryMappings(ctx, identity)
	if err != nil {
		return nil, err
	}
	var secretaries []string
	if mapping != nil {
		secretaries = append(secretaries, mapping.Secretaries...)
	}
	a.cache.Set(identity, secretaries, cache.DefaultExpiration)
	return secretaries, nil
}

// Invalidate forgets the cached mapping for identity.
func (a *Authorizer) Invalidate(identity string) {
	a.cache.Delete(identity)
}

// InvalidateAll forgets every cached mapping.
func (a *Authorizer) InvalidateAll() {
	a.cache.Flush()
}

// permits is the single visibility rule shared by lists and calls.
func permits(secretaries []string, name string) bool {
	if IsSystemTool(name) {
		return true
	}
	for _, sec := range secretaries {
		if sec != "" && strings.HasPrefix(name, sec+Separator) {
			return true
		}
	}
	return false
}

// secretariesOrNone resolves mappings, failing closed on lookup errors.
func (a *Authorizer) secretariesOrNone(ctx context.Context, identity string) []string {
	secretaries, err := a.Secretaries(ctx, identity)
	if err != nil {
		a.logger.Error("load secretary mappings", "identity", identity, "error", err)
		return nil
	}
	return secretaries
}

// ListVisibleTools returns the tools identity may see, preserving order.
func (a *Authorizer) ListVisibleTools(ctx context.Context, identity string, tools []*mcp.Tool) []*mcp.Tool {
	secretaries := a.secretariesOrNone(ctx, identity)
	out := make([]*mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool != nil && permits(secretaries, tool.Name) {
			out = append(out, tool)
		}
	}
	return out
}

// ListVisiblePrompts applies the tool rule to prompt names.
func (a *Authorizer) ListVisiblePrompts(ctx context.Context, identity string, prompts []*mcp.Prompt) []*mcp.Prompt {
	secretaries := a.secretariesOrNone(ctx, identity)
	out := make([]*mcp.Prompt, 0, len(prompts))
	for _, prompt := range prompts {
		if prompt != nil && permits(secretaries, prompt.Name) {
			out = append(out, prompt)
		}
	}
	return out
}

// AuthorizeCall returns nil when identity may invoke toolName.
func (a *Authorizer) AuthorizeCall(ctx context.Context, identity, toolName string) error {
	if permits(a.secretariesOrNone(ctx, identity), toolName) {
		return nil
	}
	if identity == "" {
		return fmt.Errorf("%w: anonymous session may not call %q", gwerrors.ErrAccessDenied, toolName)
	}
	return fmt.Errorf("%w: %q may not call %q", gwerrors.ErrAccessDenied, identity, toolName)
}
