// Package storage persists tasks, secretaries, templates, and user to
// secretary mappings. Lookups of absent records return nil with a nil error.
package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
)

// TaskStatus is the activation state of a backend task.
type TaskStatus string

const (
	StatusInactive TaskStatus = "inactive"
	StatusActive   TaskStatus = "active"
	StatusError    TaskStatus = "error"
)

// ProfileSpec is the persisted form of an upstream connection profile.
type ProfileSpec struct {
	// Type is "stdio" or "stream".
	Type string `json:"type" mapstructure:"type"`

	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
	WorkDir string            `json:"workDir,omitempty" mapstructure:"workDir"`

	URL         string            `json:"url,omitempty" mapstructure:"url"`
	BearerToken string            `json:"bearerToken,omitempty" mapstructure:"bearerToken"`
	Headers     map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Mode        string            `json:"mode,omitempty" mapstructure:"mode"`
}

// Task is one backend tool provider owned by a secretary.
type Task struct {
	ID            string      `json:"id" mapstructure:"id"`
	Name          string      `json:"name" mapstructure:"name"`
	SecretaryID   string      `json:"secretaryId" mapstructure:"secretary"`
	TemplateID    string      `json:"templateId,omitempty" mapstructure:"template"`
	Profile       ProfileSpec `json:"profile" mapstructure:"profile"`
	Status        TaskStatus  `json:"status" mapstructure:"status"`
	StatusMessage string      `json:"statusMessage,omitempty" mapstructure:"-"`
	UpdatedAt     time.Time   `json:"updatedAt" mapstructure:"-"`
}

// Secretary is a named group of tasks. Its name is also its id.
type Secretary struct {
	Name        string   `json:"name" mapstructure:"name"`
	Description string   `json:"description,omitempty" mapstructure:"description"`
	TaskIDs     []string `json:"taskIds,omitempty" mapstructure:"tasks"`
	Active      bool     `json:"active" mapstructure:"active"`
}

// Template is a reusable connection profile tasks are instantiated from.
type Template struct {
	ID          string      `json:"id" mapstructure:"id"`
	Name        string      `json:"name" mapstructure:"name"`
	Description string      `json:"description,omitempty" mapstructure:"description"`
	Profile     ProfileSpec `json:"profile" mapstructure:"profile"`
}

// UserSecretaryMapping grants an identity access to secretaries.
type UserSecretaryMapping struct {
	Identity    string   `json:"identity" mapstructure:"identity"`
	Secretaries []string `json:"secretaries" mapstructure:"secretaries"`
}

// Store is the persistence boundary used by the orchestrator and the
// authorizer.
type Store interface {
	LoadTask(ctx context.Context, id string) (*Task, error)
	SaveTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, id string) error
	// ListTasks lists tasks of one secretary, or all tasks when secretaryID
	// is empty, ordered by id.
	ListTasks(ctx context.Context, secretaryID string) ([]*Task, error)

	LoadSecretary(ctx context.Context, name string) (*Secretary, error)
	SaveSecretary(ctx context.Context, secretary *Secretary) error
	DeleteSecretary(ctx context.Context, name string) error
	ListSecretaries(ctx context.Context) ([]*Secretary, error)

	LoadTemplate(ctx context.Context, id string) (*Template, error)
	SaveTemplate(ctx context.Context, template *Template) error
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]*Template, error)

	LoadUserSecretaryMappings(ctx context.Context, identity string) (*UserSecretaryMapping, error)
	SaveUserSecretaryMapping(ctx context.Context, mapping *UserSecretaryMapping) error
	DeleteUserSecretaryMapping(ctx context.Context, identity string) error

	Close() error
}

func validateTask(t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: task id is required", gwerrors.ErrValidation)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: task %q has no name", gwerrors.ErrValidation, t.ID)
	}
	if t.SecretaryID == "" {
		return fmt.Errorf("%w: task %q has no secretary", gwerrors.ErrValidation, t.ID)
	}
	return nil
}

func validateSecretary(s *Secretary) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("%w: secretary name is required", gwerrors.ErrValidation)
	}
	return nil
}

func validateTemplate(t *Template) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: template id is required", gwerrors.ErrValidation)
	}
	return nil
}

func validateMapping(m *UserSecretaryMapping) error {
	if m == nil || m.Identity == "" {
		return fmt.Errorf("%w: mapping identity is required", gwerrors.ErrValidation)
	}
	return nil
}

func (p ProfileSpec) clone() ProfileSpec {
	out := p
	out.Args = slices.Clone(p.Args)
	out.Env = cloneMap(p.Env)
	out.Headers = cloneMap(p.Headers)
	return out
}

func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Profile = t.Profile.clone()
	return &out
}

func (s *Secretary) clone() *Secretary {
	if s == nil {
		return nil
	}
	out := *s
	out.TaskIDs = slices.Clone(s.TaskIDs)
	return &out
}

func (t *Template) clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	out.Profile = t.Profile.clone()
	return &out
}

func (m *UserSecretaryMapping) clone() *UserSecretaryMapping {
	if m == nil {
		return nil
	}
	out := *m
	out.Secretaries = slices.Clone(m.Secretaries)
	return &out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Open returns a store for driver "memory" or "sqlite".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemStore()
	case "sqlite":
		return NewSQLStore(dsn)
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", gwerrors.ErrValidation, driver)
	}
}

func sortTasks(tasks []*Task) {
	slices.SortFunc(tasks, func(a, b *Task) int { return strings.Compare(a.ID, b.ID) })
}
