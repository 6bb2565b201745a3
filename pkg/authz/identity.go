package authz

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
)

// Separator joins identity and suffix in session ids, and secretary, task,
// and tool in proxied tool names.
const Separator = "_"

// SystemPrefix marks tools every session may see and call.
const SystemPrefix = "system" + Separator

// ExtractIdentity returns the identity encoded in sessionID: everything
// before the first separator. It reports false when there is no separator or
// the identity segment is empty.
func ExtractIdentity(sessionID string) (string, bool) {
	identity, _, found := strings.Cut(sessionID, Separator)
	if !found || identity == "" {
		return "", false
	}
	return identity, true
}

// NewSessionID returns "{identity}_{suffix}" with a random 32 hex digit
// suffix, or just the suffix when identity is empty. Identities containing
// the separator are rejected since they could not be recovered.
func NewSessionID(identity string) (string, error) {
	if err := ValidateIdentity(identity); err != nil {
		return "", err
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	if identity == "" {
		return suffix, nil
	}
	return identity + Separator + suffix, nil
}

// ValidateIdentity rejects identities that contain the separator.
func ValidateIdentity(identity string) error {
	if strings.Contains(identity, Separator) {
		return fmt.Errorf("%w: identity %q must not contain %q", gwerrors.ErrValidation, identity, Separator)
	}
	return nil
}

// IsSystemTool reports whether name carries the system prefix.
func IsSystemTool(name string) bool {
	return strings.HasPrefix(name, SystemPrefix)
}
