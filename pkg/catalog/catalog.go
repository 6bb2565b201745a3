// Package catalog is the gateway's registry of locally exposed tools,
// resources, and prompts. Each kind lives in its own map with at most one
// entry per key; add and remove are atomic and report duplicates and misses.
package catalog

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
)

// Kind names one of the three catalog maps.
type Kind string

const (
	KindTools     Kind = "tools"
	KindResources Kind = "resources"
	KindPrompts   Kind = "prompts"
)

// Origin records where a proxied tool came from. Local tools leave it zero.
type Origin struct {
	Secretary  string
	TaskID     string
	TaskName   string
	NativeName string
}

// IsZero reports whether the tool is local.
func (o Origin) IsZero() bool { return o == Origin{} }

// ToolSpec is a tool definition plus its handler.
type ToolSpec struct {
	Tool    *mcp.Tool
	Handler mcp.ToolHandler
	Origin  Origin
}

// ResourceSpec is a resource definition plus its read handler.
type ResourceSpec struct {
	Resource *mcp.Resource
	Handler  mcp.ResourceHandler
}

// PromptSpec is a prompt definition plus its handler.
type PromptSpec struct {
	Prompt  *mcp.Prompt
	Handler mcp.PromptHandler
}

// Change describes one committed mutation.
type Change struct {
	Kind    Kind
	Key     string
	Removed bool
	// Size is the map's size after the change.
	Size int
}

// Listener observes committed changes. It runs synchronously after the
// catalog lock is released.
type Listener func(Change)

// Catalog is safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	tools     map[string]ToolSpec
	resources map[string]ResourceSpec
	prompts   map[string]PromptSpec

	listenerMu sync.RWMutex
	listeners  []Listener
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		tools:     make(map[string]ToolSpec),
		resources: make(map[string]ResourceSpec),
		prompts:   make(map[string]PromptSpec),
	}
}

// Subscribe registers l for every future change.
func (c *Catalog) Subscribe(l Listener) {
	if l == nil {
		return
	}
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

func (c *Catalog) notify(ch Change) {
	c.listenerMu.RLock()
	listeners := c.listeners
	c.listenerMu.RUnlock()
	for _, l := range listeners {
		l(ch)
	}
}

// ValidateTool checks the fields a tool registration requires.
func ValidateTool(spec ToolSpec) error {
	if spec.Tool == nil || spec.Tool.Name == "" {
		return fmt.Errorf("%w: tool name is required", gwerrors.ErrValidation)
	}
	if spec.Handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", gwerrors.ErrValidation, spec.Tool.Name)
	}
	if !IsObjectSchema(spec.Tool.InputSchema) {
		return fmt.Errorf("%w: tool %q input schema must be an object schema", gwerrors.ErrValidation, spec.Tool.Name)
	}
	if spec.Tool.OutputSchema != nil && !IsObjectSchema(spec.Tool.OutputSchema) {
		return fmt.Errorf("%w: tool %q output schema must be an object schema", gwerrors.ErrValidation, spec.Tool.Name)
	}
	return nil
}

// ValidateResource checks the fields a resource registration requires.
func ValidateResource(spec ResourceSpec) error {
	if spec.Resource == nil || spec.Resource.URI == "" {
		return fmt.Errorf("%w: resource uri is required", gwerrors.ErrValidation)
	}
	if spec.Handler == nil {
		return fmt.Errorf("%w: resource %q has no handler", gwerrors.ErrValidation, spec.Resource.URI)
	}
	if _, err := url.Parse(spec.Resource.URI); err != nil {
		return fmt.Errorf("%w: resource uri: %v", gwerrors.ErrValidation, err)
	}
	return nil
}

// ValidatePrompt checks the fields a prompt registration requires.
func ValidatePrompt(spec PromptSpec) error {
	if spec.Prompt == nil || spec.Prompt.Name == "" {
		return fmt.Errorf("%w: prompt name is required", gwerrors.ErrValidation)
	}
	if spec.Handler == nil {
		return fmt.Errorf("%w: prompt %q has no handler", gwerrors.ErrValidation, spec.Prompt.Name)
	}
	return nil
}

// AddTool inserts spec, failing if the name is taken.
func (c *Catalog) AddTool(spec ToolSpec) error {
	return c.AddToolThen(spec, nil)
}

// AddToolThen inserts spec and, while still holding the catalog lock, runs
// commit. Callers use it to mirror the insert elsewhere atomically.
func (c *Catalog) AddToolThen(spec ToolSpec, commit func()) error {
	if err := ValidateTool(spec); err != nil {
		return err
	}
	name := spec.Tool.Name
	c.mu.Lock()
	if _, ok := c.tools[name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: tool %q is already registered", gwerrors.ErrDuplicate, name)
	}
	c.tools[name] = spec
	if commit != nil {
		commit()
	}
	size := len(c.tools)
	c.mu.Unlock()
	c.notify(Change{Kind: KindTools, Key: name, Size: size})
	return nil
}

// RemoveTool deletes the tool called name.
func (c *Catalog) RemoveTool(name string) (ToolSpec, error) {
	return c.RemoveToolThen(name, nil)
}

// RemoveToolThen deletes the tool and runs commit under the catalog lock.
func (c *Catalog) RemoveToolThen(name string, commit func()) (ToolSpec, error) {
	c.mu.Lock()
	spec, ok := c.tools[name]
	if !ok {
		c.mu.Unlock()
		return ToolSpec{}, fmt.Errorf("%w: tool %q", gwerrors.ErrNotFound, name)
	}
	delete(c.tools, name)
	if commit != nil {
		commit()
	}
	size := len(c.tools)
	c.mu.Unlock()
	c.notify(Change{Kind: KindTools, Key: name, Removed: true, Size: size})
	return spec, nil
}

// Tool looks up a tool by name.
func (c *Catalog) Tool(name string) (ToolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.tools[name]
	return spec, ok
}

// Tools returns every tool sorted by name.
func (c *Catalog) Tools() []ToolSpec {
	c.mu.RLock()
	out := make([]ToolSpec, 0, len(c.tools))
	for _, spec := range c.tools {
		out = append(out, spec)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tool.Name < out[j].Tool.Name })
	return out
}

// ToolNamesWithPrefix lists the registered tool names starting with prefix.
func (c *Catalog) ToolNamesWithPrefix(prefix string) []string {
	c.mu.RLock()
	var names []string
	for name := range c.tools {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// AddResource inserts spec, failing if the URI is taken.
func (c *Catalog) AddResource(spec ResourceSpec) error {
	return c.AddResourceThen(spec, nil)
}

func (c *Catalog) AddResourceThen(spec ResourceSpec, commit func()) error {
	if err := ValidateResource(spec); err != nil {
		return err
	}
	uri := spec.Resource.URI
	c.mu.Lock()
	if _, ok := c.resources[uri]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: resource %q is already registered", gwerrors.ErrDuplicate, uri)
	}
	c.resources[uri] = spec
	if commit != nil {
		commit()
	}
	size := len(c.resources)
	c.mu.Unlock()
	c.notify(Change{Kind: KindResources, Key: uri, Size: size})
	return nil
}

// RemoveResource deletes the resource at uri.
func (c *Catalog) RemoveResource(uri string) (ResourceSpec, error) {
	return c.RemoveResourceThen(uri, nil)
}

func (c *Catalog) RemoveResourceThen(uri string, commit func()) (ResourceSpec, error) {
	c.mu.Lock()
	spec, ok := c.resources[uri]
	if !ok {
		c.mu.Unlock()
		return ResourceSpec{}, fmt.Errorf("%w: resource %q", gwerrors.ErrNotFound, uri)
	}
	delete(c.resources, uri)
	if commit != nil {
		commit()
	}
	size := len(c.resources)
	c.mu.Unlock()
	c.notify(Change{Kind: KindResources, Key: uri, Removed: true, Size: size})
	return spec, nil
}

func (c *Catalog) Resource(uri string) (ResourceSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.resources[uri]
	return spec, ok
}

// Resources returns every resource sorted by URI.
func (c *Catalog) Resources() []ResourceSpec {
	c.mu.RLock()
	out := make([]ResourceSpec, 0, len(c.resources))
	for _, spec := range c.resources {
		out = append(out, spec)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Resource.URI < out[j].Resource.URI })
	return out
}

// AddPrompt inserts spec, failing if the name is taken.
func (c *Catalog) AddPrompt(spec PromptSpec) error {
	return c.AddPromptThen(spec, nil)
}

func (c *Catalog) AddPromptThen(spec PromptSpec, commit func()) error {
	if err := ValidatePrompt(spec); err != nil {
		return err
	}
	name := spec.Prompt.Name
	c.mu.Lock()
	if _, ok := c.prompts[name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: prompt %q is already registered", gwerrors.ErrDuplicate, name)
	}
	c.prompts[name] = spec
	if commit != nil {
		commit()
	}
	size := len(c.prompts)
	c.mu.Unlock()
	c.notify(Change{Kind: KindPrompts, Key: name, Size: size})
	return nil
}

// RemovePrompt deletes the prompt called name.
func (c *Catalog) RemovePrompt(name string) (PromptSpec, error) {
	return c.RemovePromptThen(name, nil)
}

func (c *Catalog) RemovePromptThen(name string, commit func()) (PromptSpec, error) {
	c.mu.Lock()
	spec, ok := c.prompts[name]
	if !ok {
		c.mu.Unlock()
		return PromptSpec{}, fmt.Errorf("%w: prompt %q", gwerrors.ErrNotFound, name)
	}
	delete(c.prompts, name)
	if commit != nil {
		commit()
	}
	size := len(c.prompts)
	c.mu.Unlock()
	c.notify(Change{Kind: KindPrompts, Key: name, Removed: true, Size: size})
	return spec, nil
}

func (c *Catalog) Prompt(name string) (PromptSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.prompts[name]
	return spec, ok
}

// Prompts returns every prompt sorted by name.
func (c *Catalog) Prompts() []PromptSpec {
	c.mu.RLock()
	out := make([]PromptSpec, 0, len(c.prompts))
	for _, spec := range c.prompts {
		out = append(out, spec)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Prompt.Name < out[j].Prompt.Name })
	return out
}

// Len reports the size of one map.
func (c *Catalog) Len(kind Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch kind {
	case KindTools:
		return len(c.tools)
	case KindResources:
		return len(c.resources)
	case KindPrompts:
		return len(c.prompts)
	}
	return 0
}
