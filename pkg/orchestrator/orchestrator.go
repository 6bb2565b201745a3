// Package orchestrator activates and deactivates backend tasks: it connects
// the upstream through the connection cache, publishes the wrapped tools on
// the gateway, and records the outcome in storage.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/catalog"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/proxy"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/storage"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/upstream"
)

const (
	defaultResyncTimeout = 30 * time.Second
	defaultListTimeout   = 30 * time.Second
)

// Registry is the gateway mutation API the orchestrator publishes to.
// *gateway.Server implements it.
type Registry interface {
	AddTool(spec catalog.ToolSpec) error
	RemoveTool(name string) error
	ToolNames(prefix string) []string
	Tool(name string) (catalog.ToolSpec, bool)
}

// Connections is the connection cache. *upstream.Cache implements it.
type Connections interface {
	GetOrCreate(ctx context.Context, taskID, taskName string, profile upstream.Profile) (*upstream.Connection, error)
	Get(taskID string) *upstream.Connection
	Close(taskID string) error
	CloseAll(ctx context.Context) error
}

// Invalidator drops cached authorization for an identity.
type Invalidator interface {
	Invalidate(identity string)
}

// Options tune an Orchestrator.
type Options struct {
	// Proxy configures the handlers of published tools.
	Proxy *proxy.Options
	// Authz is notified when user mappings change.
	Authz Invalidator
	// ResyncTimeout bounds a resync triggered by an upstream notification.
	ResyncTimeout time.Duration
	// ListTimeout bounds each tools/list sent to an upstream.
	ListTimeout time.Duration
	Logger      *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.ResyncTimeout <= 0 {
		out.ResyncTimeout = defaultResyncTimeout
	}
	if out.ListTimeout <= 0 {
		out.ListTimeout = defaultListTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Proxy == nil {
		out.Proxy = &proxy.Options{}
	}
	if out.Proxy.Logger == nil {
		out.Proxy.Logger = out.Logger
	}
	return out
}

// Orchestrator is safe for concurrent use. Operations on the same task are
// serialized; different tasks proceed in parallel.
type Orchestrator struct {
	store    storage.Store
	conns    Connections
	registry Registry
	opts     Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New wires an Orchestrator.
func New(store storage.Store, conns Connections, registry Registry, opts *Options) *Orchestrator {
	return &Orchestrator{
		store:    store,
		conns:    conns,
		registry: registry,
		opts:     opts.withDefaults(),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockTask(taskID string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[taskID] = l
	}
	o.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (o *Orchestrator) loadTask(ctx context.Context, taskID string) (*storage.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", gwerrors.ErrValidation)
	}
	task, err := o.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: task %q", gwerrors.ErrNotFound, taskID)
	}
	return task, nil
}

// ActivateTask connects the task's upstream and publishes its tools. A task
// that is already active with a live connection is returned unchanged. On
// failure the task is persisted in the error state with the failure message;
// a later call may try again.
func (o *Orchestrator) ActivateTask(ctx context.Context, taskID string) (*storage.Task, error) {
	unlock := o.lockTask(taskID)
	defer unlock()

	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == storage.StatusActive && o.conns.Get(task.ID) != nil {
		return task, nil
	}
	if err := o.activate(ctx, task); err != nil {
		return task, o.fail(ctx, task, err)
	}
	task.Status = storage.StatusActive
	task.StatusMessage = ""
	if err := o.store.SaveTask(ctx, task); err != nil {
		return task, err
	}
	o.opts.Logger.Info("task activated", "task", task.ID, "name", task.Name, "secretary", task.SecretaryID)
	return task, nil
}

func (o *Orchestrator) activate(ctx context.Context, task *storage.Task) error {
	secretary, err := o.store.LoadSecretary(ctx, task.SecretaryID)
	if err != nil {
		return err
	}
	if secretary == nil {
		return fmt.Errorf("%w: secretary %q", gwerrors.ErrNotFound, task.SecretaryID)
	}
	profile, err := ResolveProfile(task.Profile)
	if err != nil {
		return err
	}
	conn, err := o.conns.GetOrCreate(ctx, task.ID, task.Name, profile)
	if err != nil {
		return err
	}
	tools, err := o.listTools(ctx, conn)
	if err != nil {
		o.closeConnection(task.ID)
		return fmt.Errorf("%w: list tools: %v", gwerrors.ErrConnection, err)
	}

	// tools left by an earlier activation of this task
	if err := proxy.UnregisterForTask(ctx, o.registry, task.SecretaryID, task.ID, task.Name, o.opts.Logger); err != nil {
		o.opts.Logger.Warn("clear stale tools", "task", task.ID, "error", err)
	}
	specs := proxy.WrapUpstreamTools(task.SecretaryID, task.ID, task.Name, tools, o.invoker(task.ID), o.opts.Proxy)
	var added []string
	for _, spec := range specs {
		if err := o.registry.AddTool(spec); err != nil {
			o.rollback(task.ID, added)
			o.closeConnection(task.ID)
			return err
		}
		added = append(added, spec.Tool.Name)
	}
	return nil
}

// fail persists the error state and returns cause.
func (o *Orchestrator) fail(ctx context.Context, task *storage.Task, cause error) error {
	task.Status = storage.StatusError
	task.StatusMessage = cause.Error()
	if err := o.store.SaveTask(ctx, task); err != nil {
		o.opts.Logger.Error("save task status", "task", task.ID, "error", err)
	}
	o.opts.Logger.Warn("task activation failed", "task", task.ID, "error", cause)
	return cause
}

func (o *Orchestrator) rollback(taskID string, names []string) {
	for _, name := range names {
		if err := o.registry.RemoveTool(name); err != nil {
			o.opts.Logger.Warn("roll back tool", "task", taskID, "tool", name, "error", err)
		}
	}
}

func (o *Orchestrator) closeConnection(taskID string) {
	if err := o.conns.Close(taskID); err != nil {
		o.opts.Logger.Warn("close upstream", "task", taskID, "error", err)
	}
}

// invoker resolves the task's current connection on every call, so tools
// keep working when the cache replaces a dead connection.
func (o *Orchestrator) invoker(taskID string) proxy.Invoker {
	return taskInvoker{conns: o.conns, taskID: taskID}
}

type taskInvoker struct {
	conns  Connections
	taskID string
}

func (t taskInvoker) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	conn := t.conns.Get(t.taskID)
	if conn == nil {
		return nil, fmt.Errorf("task %q is not connected", t.taskID)
	}
	return conn.CallTool(ctx, params)
}

// DeactivateTask withdraws the task's tools, closes its connection and
// persists it as inactive. Cleanup failures are returned together after
// every step has run.
func (o *Orchestrator) DeactivateTask(ctx context.Context, taskID string) (*storage.Task, error) {
	unlock := o.lockTask(taskID)
	defer unlock()

	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var result *multierror.Error
	if err := proxy.UnregisterForTask(ctx, o.registry, task.SecretaryID, task.ID, task.Name, o.opts.Logger); err != nil {
		result = multierror.Append(result, err)
	}
	if err := o.conns.Close(task.ID); err != nil {
		o.opts.Logger.Warn("close upstream", "task", task.ID, "error", err)
		result = multierror.Append(result, err)
	}
	task.Status = storage.StatusInactive
	task.StatusMessage = ""
	if err := o.store.SaveTask(ctx, task); err != nil {
		result = multierror.Append(result, err)
	}
	o.opts.Logger.Info("task deactivated", "task", task.ID, "name", task.Name)
	return task, result.ErrorOrNil()
}

// CreateTaskFromTemplate instantiates an inactive task named name for
// secretary from a template's profile.
func (o *Orchestrator) CreateTaskFromTemplate(ctx context.Context, templateID, secretaryName, name string) (*storage.Task, error) {
	if err := proxy.ValidateSegment("task", name); err != nil {
		return nil, err
	}
	template, err := o.store.LoadTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if template == nil {
		return nil, fmt.Errorf("%w: template %q", gwerrors.ErrNotFound, templateID)
	}
	secretary, err := o.store.LoadSecretary(ctx, secretaryName)
	if err != nil {
		return nil, err
	}
	if secretary == nil {
		return nil, fmt.Errorf("%w: secretary %q", gwerrors.ErrNotFound, secretaryName)
	}
	existing, err := o.store.ListTasks(ctx, secretaryName)
	if err != nil {
		return nil, err
	}
	for _, t := range existing {
		if t.Name == name {
			return nil, fmt.Errorf("%w: secretary %q already has a task named %q", gwerrors.ErrDuplicate, secretaryName, name)
		}
	}

	task := &storage.Task{
		ID:          uuid.NewString(),
		Name:        name,
		SecretaryID: secretaryName,
		TemplateID:  template.ID,
		Profile:     template.Profile,
		Status:      storage.StatusInactive,
	}
	if err := o.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if !slices.Contains(secretary.TaskIDs, task.ID) {
		secretary.TaskIDs = append(secretary.TaskIDs, task.ID)
		if err := o.store.SaveSecretary(ctx, secretary); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// DeleteTask deactivates the task and removes it from storage.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string) error {
	task, err := o.DeactivateTask(ctx, taskID)
	if err != nil && task == nil {
		return err
	}
	unlock := o.lockTask(taskID)
	defer unlock()
	if err := o.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	secretary, lerr := o.store.LoadSecretary(ctx, task.SecretaryID)
	if lerr != nil {
		return lerr
	}
	if secretary != nil {
		secretary.TaskIDs = slices.DeleteFunc(secretary.TaskIDs, func(id string) bool { return id == taskID })
		if serr := o.store.SaveSecretary(ctx, secretary); serr != nil {
			return serr
		}
	}
	return err
}

// ActivateSecretary activates every task of the secretary, continuing past
// failures, and marks the secretary active.
func (o *Orchestrator) ActivateSecretary(ctx context.Context, name string) error {
	return o.setSecretaryActive(ctx, name, true)
}

// DeactivateSecretary deactivates every task of the secretary.
func (o *Orchestrator) DeactivateSecretary(ctx context.Context, name string) error {
	return o.setSecretaryActive(ctx, name, false)
}

func (o *Orchestrator) setSecretaryActive(ctx context.Context, name string, active bool) error {
	secretary, err := o.store.LoadSecretary(ctx, name)
	if err != nil {
		return err
	}
	if secretary == nil {
		return fmt.Errorf("%w: secretary %q", gwerrors.ErrNotFound, name)
	}
	tasks, err := o.store.ListTasks(ctx, name)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, task := range tasks {
		if active {
			_, err = o.ActivateTask(ctx, task.ID)
		} else {
			_, err = o.DeactivateTask(ctx, task.ID)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("task %s: %w", task.Name, err))
		}
	}
	secretary.Active = active
	if err := o.store.SaveSecretary(ctx, secretary); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Restore re-activates tasks persisted as active, typically after a
// restart. Failures are recorded on the tasks and returned together.
func (o *Orchestrator) Restore(ctx context.Context) error {
	tasks, err := o.store.ListTasks(ctx, "")
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, task := range tasks {
		if task.Status != storage.StatusActive {
			continue
		}
		if _, err := o.ActivateTask(ctx, task.ID); err != nil {
			result = multierror.Append(result, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// ResyncTask brings the published tools of an active task in line with the
// upstream's current tool list.
func (o *Orchestrator) ResyncTask(ctx context.Context, taskID string) error {
	unlock := o.lockTask(taskID)
	defer unlock()

	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	conn := o.conns.Get(task.ID)
	if task.Status != storage.StatusActive || conn == nil {
		return fmt.Errorf("%w: task %q is not active", gwerrors.ErrValidation, task.ID)
	}
	tools, err := o.listTools(ctx, conn)
	if err != nil {
		return fmt.Errorf("%w: list tools: %v", gwerrors.ErrConnection, err)
	}
	specs := proxy.WrapUpstreamTools(task.SecretaryID, task.ID, task.Name, tools, o.invoker(task.ID), o.opts.Proxy)

	desired := make(map[string]catalog.ToolSpec, len(specs))
	for _, spec := range specs {
		desired[spec.Tool.Name] = spec
	}
	var result *multierror.Error
	for _, name := range o.registry.ToolNames(proxy.TaskPrefix(task.SecretaryID, task.Name)) {
		want, keep := desired[name]
		if keep {
			current, ok := o.registry.Tool(name)
			if ok && sameTool(current.Tool, want.Tool) {
				delete(desired, name)
				continue
			}
		}
		if err := o.registry.RemoveTool(name); err != nil && !errors.Is(err, gwerrors.ErrNotFound) {
			result = multierror.Append(result, err)
		}
	}
	for _, spec := range specs {
		if _, ok := desired[spec.Tool.Name]; !ok {
			continue
		}
		if err := o.registry.AddTool(spec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	o.opts.Logger.Debug("task resynced", "task", task.ID, "tools", len(specs))
	return result.ErrorOrNil()
}

func (o *Orchestrator) listTools(ctx context.Context, conn *upstream.Connection) ([]*mcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ListTimeout)
	defer cancel()
	return conn.ListTools(ctx)
}

func sameTool(a, b *mcp.Tool) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

// ToolListChanged schedules a resync for taskID. It is meant to be wired to
// upstream list_changed notifications and does not block.
func (o *Orchestrator) ToolListChanged(taskID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.ResyncTimeout)
		defer cancel()
		if err := o.ResyncTask(ctx, taskID); err != nil {
			o.opts.Logger.Warn("resync task", "task", taskID, "error", err)
		}
	}()
}

// SetUserSecretaries grants identity exactly the given secretaries. An empty
// list removes the mapping.
func (o *Orchestrator) SetUserSecretaries(ctx context.Context, identity string, secretaries []string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", gwerrors.ErrValidation)
	}
	if err := authz.ValidateIdentity(identity); err != nil {
		return err
	}
	for _, name := range secretaries {
		s, err := o.store.LoadSecretary(ctx, name)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: secretary %q", gwerrors.ErrNotFound, name)
		}
	}
	var err error
	if len(secretaries) == 0 {
		err = o.store.DeleteUserSecretaryMapping(ctx, identity)
	} else {
		err = o.store.SaveUserSecretaryMapping(ctx, &storage.UserSecretaryMapping{
			Identity:    identity,
			Secretaries: slices.Clone(secretaries),
		})
	}
	if err != nil {
		return err
	}
	if o.opts.Authz != nil {
		o.opts.Authz.Invalidate(identity)
	}
	return nil
}

// Shutdown closes every upstream connection. Persisted task states are left
// alone so Restore can bring active tasks back.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.conns.CloseAll(ctx)
}
