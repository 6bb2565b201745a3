package upstream

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
)

// Type identifies the transport family of a Profile.
type Type string

const (
	TypeStdio  Type = "stdio"
	TypeStream Type = "stream"
)

// StreamMode selects which HTTP transport a StreamProfile uses.
type StreamMode string

const (
	// StreamModeAuto tries streamable HTTP first and falls back to SSE. SSE is
	// tried first when the URL already ends in /sse.
	StreamModeAuto       StreamMode = "auto"
	StreamModeStreamable StreamMode = "streamable"
	StreamModeSSE        StreamMode = "sse"
)

// Profile is implemented by every transport-specific upstream description.
type Profile interface {
	Type() Type
	Validate() error
}

// StdioProfile describes an upstream launched as a local subprocess speaking
// MCP over stdin/stdout.
type StdioProfile struct {
	Command string
	Args    []string
	Env     map[string]string
	// WorkDir is handed to the child through its environment rather than as
	// the process working directory. Empty means the gateway's directory.
	WorkDir string
}

func (p *StdioProfile) Type() Type { return TypeStdio }

// Validate checks that a command is present.
func (p *StdioProfile) Validate() error {
	if p == nil || strings.TrimSpace(p.Command) == "" {
		return fmt.Errorf("%w: stdio profile requires a command", gwerrors.ErrValidation)
	}
	return nil
}

// StreamProfile describes a remote upstream reachable over HTTP.
type StreamProfile struct {
	URL         string
	BearerToken string
	Headers     map[string]string
	Mode        StreamMode
}

func (p *StreamProfile) Type() Type { return TypeStream }

// Validate checks that the URL is present and uses an http(s) scheme.
func (p *StreamProfile) Validate() error {
	if p == nil || strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: stream profile requires a url", gwerrors.ErrValidation)
	}
	u, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil {
		return fmt.Errorf("%w: stream url %q: %v", gwerrors.ErrValidation, p.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: stream url %q must use http or https", gwerrors.ErrValidation, p.URL)
	}
	switch p.Mode {
	case "", StreamModeAuto, StreamModeStreamable, StreamModeSSE:
	default:
		return fmt.Errorf("%w: unknown stream mode %q", gwerrors.ErrValidation, p.Mode)
	}
	return nil
}

func (p *StreamProfile) mode() StreamMode {
	if p.Mode == "" {
		return StreamModeAuto
	}
	return p.Mode
}

// TransportOf returns the transport kind for a Profile, or an empty string
// for nil values.
func TransportOf(p Profile) Type {
	switch v := p.(type) {
	case *StdioProfile:
		if v == nil {
			return ""
		}
		return TypeStdio
	case *StreamProfile:
		if v == nil {
			return ""
		}
		return TypeStream
	default:
		return ""
	}
}

// AsStdio narrows p to *StdioProfile.
func AsStdio(p Profile) (*StdioProfile, bool) {
	c, ok := p.(*StdioProfile)
	return c, ok && c != nil
}

// AsStream narrows p to *StreamProfile.
func AsStream(p Profile) (*StreamProfile, bool) {
	c, ok := p.(*StreamProfile)
	return c, ok && c != nil
}
