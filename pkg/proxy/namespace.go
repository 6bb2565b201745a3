package proxy

import (
	"fmt"
	"strings"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
)

// ToolName is the gateway-facing name of an upstream tool:
// "{secretary}_{task}_{tool}".
func ToolName(secretary, task, tool string) string {
	return TaskPrefix(secretary, task) + tool
}

// TaskPrefix is the name prefix shared by every tool of one task.
func TaskPrefix(secretary, task string) string {
	return secretary + authz.Separator + task + authz.Separator
}

// ValidateSegment rejects empty names and names containing the separator.
// Secretary and task names are joined into tool name prefixes, so a
// separator inside one would let prefixes of different tasks overlap.
func ValidateSegment(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name is required", gwerrors.ErrValidation, kind)
	}
	if strings.Contains(name, authz.Separator) {
		return fmt.Errorf("%w: %s name %q must not contain %q", gwerrors.ErrValidation, kind, name, authz.Separator)
	}
	return nil
}
