package orchestrator

import (
	"fmt"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/storage"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/upstream"
)

// ResolveProfile turns a persisted profile into a validated upstream profile.
func ResolveProfile(spec storage.ProfileSpec) (upstream.Profile, error) {
	var p upstream.Profile
	switch upstream.Type(spec.Type) {
	case upstream.TypeStdio:
		p = &upstream.StdioProfile{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
			WorkDir: spec.WorkDir,
		}
	case upstream.TypeStream:
		p = &upstream.StreamProfile{
			URL:         spec.URL,
			BearerToken: spec.BearerToken,
			Headers:     spec.Headers,
			Mode:        upstream.StreamMode(spec.Mode),
		}
	default:
		return nil, fmt.Errorf("%w: unknown profile type %q", gwerrors.ErrValidation, spec.Type)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
