package gateway

import (
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SupportedProtocolVersions lists the protocol versions the gateway speaks,
// newest first.
var SupportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// NegotiateVersion echoes requested when supported and otherwise answers with
// the newest supported version.
func NegotiateVersion(requested string) string {
	if slices.Contains(SupportedProtocolVersions, requested) {
		return requested
	}
	return SupportedProtocolVersions[0]
}

// ListCapability declares one feature family.
type ListCapability struct {
	// ListChanged enables list_changed notifications for the family.
	ListChanged bool
}

// Capabilities declares what the gateway serves. A nil family is not
// declared: its methods are rejected and it is absent from initialize.
type Capabilities struct {
	Tools     *ListCapability
	Resources *ListCapability
	Prompts   *ListCapability
	Logging   bool
}

// DefaultCapabilities declares every family with list_changed.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Tools:     &ListCapability{ListChanged: true},
		Resources: &ListCapability{ListChanged: true},
		Prompts:   &ListCapability{ListChanged: true},
		Logging:   true,
	}
}

func (c Capabilities) server() *mcp.ServerCapabilities {
	out := &mcp.ServerCapabilities{}
	if c.Tools != nil {
		out.Tools = &mcp.ToolCapabilities{ListChanged: c.Tools.ListChanged}
	}
	if c.Resources != nil {
		out.Resources = &mcp.ResourceCapabilities{ListChanged: c.Resources.ListChanged}
	}
	if c.Prompts != nil {
		out.Prompts = &mcp.PromptCapabilities{ListChanged: c.Prompts.ListChanged}
	}
	if c.Logging {
		out.Logging = &mcp.LoggingCapabilities{}
	}
	return out
}

type family string

const (
	familyTools     family = "tools"
	familyResources family = "resources"
	familyPrompts   family = "prompts"
	familyLogging   family = "logging"
)

func (c Capabilities) declares(f family) bool {
	switch f {
	case familyTools:
		return c.Tools != nil
	case familyResources:
		return c.Resources != nil
	case familyPrompts:
		return c.Prompts != nil
	case familyLogging:
		return c.Logging
	}
	return false
}

func (c Capabilities) listChanged(f family) bool {
	switch f {
	case familyTools:
		return c.Tools != nil && c.Tools.ListChanged
	case familyResources:
		return c.Resources != nil && c.Resources.ListChanged
	case familyPrompts:
		return c.Prompts != nil && c.Prompts.ListChanged
	}
	return false
}

// dispatchTable maps request methods to the family that must be declared for
// them to be served. Methods absent from the table need no capability.
type dispatchTable map[string]family

func newDispatchTable() dispatchTable {
	return dispatchTable{
		"tools/list":               familyTools,
		"tools/call":               familyTools,
		"resources/list":           familyResources,
		"resources/templates/list": familyResources,
		"resources/read":           familyResources,
		"resources/subscribe":      familyResources,
		"resources/unsubscribe":    familyResources,
		"prompts/list":             familyPrompts,
		"prompts/get":              familyPrompts,
		"logging/setLevel":         familyLogging,
	}
}

// listChangedNotifications maps outgoing notifications to their family.
var listChangedNotifications = map[string]family{
	"notifications/tools/list_changed":     familyTools,
	"notifications/resources/list_changed": familyResources,
	"notifications/prompts/list_changed":   familyPrompts,
}
