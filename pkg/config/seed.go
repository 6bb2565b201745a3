package config

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gwerrors"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/orchestrator"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/proxy"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/storage"
)

// SeedConfig lists records written to the store at boot.
type SeedConfig struct {
	Secretaries []storage.Secretary            `mapstructure:"secretaries"`
	Templates   []storage.Template             `mapstructure:"templates"`
	Tasks       []storage.Task                 `mapstructure:"tasks"`
	Users       []storage.UserSecretaryMapping `mapstructure:"users"`
}

// Empty reports whether there is nothing to seed.
func (s SeedConfig) Empty() bool {
	return len(s.Secretaries) == 0 && len(s.Templates) == 0 && len(s.Tasks) == 0 && len(s.Users) == 0
}

// Validate checks names, references and connection profiles.
func (s SeedConfig) Validate() error {
	var result *multierror.Error
	secretaries := make(map[string]bool, len(s.Secretaries))
	for _, sec := range s.Secretaries {
		if err := proxy.ValidateSegment("secretary", sec.Name); err != nil {
			result = multierror.Append(result, err)
		}
		secretaries[sec.Name] = true
	}
	templates := make(map[string]storage.Template, len(s.Templates))
	for _, tpl := range s.Templates {
		if tpl.ID == "" {
			result = multierror.Append(result, fmt.Errorf("%w: seed template without id", gwerrors.ErrValidation))
			continue
		}
		if _, err := orchestrator.ResolveProfile(tpl.Profile); err != nil {
			result = multierror.Append(result, fmt.Errorf("template %s: %w", tpl.ID, err))
		}
		templates[tpl.ID] = tpl
	}
	taskNames := make(map[string]bool, len(s.Tasks))
	for _, task := range s.Tasks {
		if task.ID == "" {
			result = multierror.Append(result, fmt.Errorf("%w: seed task %q has no id", gwerrors.ErrValidation, task.Name))
			continue
		}
		if err := proxy.ValidateSegment("task", task.Name); err != nil {
			result = multierror.Append(result, err)
		}
		if !secretaries[task.SecretaryID] {
			result = multierror.Append(result, fmt.Errorf("%w: task %s references unknown secretary %q", gwerrors.ErrValidation, task.ID, task.SecretaryID))
		}
		key := task.SecretaryID + authz.Separator + task.Name
		if taskNames[key] {
			result = multierror.Append(result, fmt.Errorf("%w: secretary %q has two tasks named %q", gwerrors.ErrDuplicate, task.SecretaryID, task.Name))
		}
		taskNames[key] = true
		profile := task.Profile
		if task.TemplateID != "" {
			tpl, ok := templates[task.TemplateID]
			if !ok {
				result = multierror.Append(result, fmt.Errorf("%w: task %s references unknown template %q", gwerrors.ErrValidation, task.ID, task.TemplateID))
				continue
			}
			if profile.Type == "" {
				profile = tpl.Profile
			}
		}
		if _, err := orchestrator.ResolveProfile(profile); err != nil {
			result = multierror.Append(result, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}
	for _, user := range s.Users {
		if user.Identity == "" {
			result = multierror.Append(result, fmt.Errorf("%w: seed user without identity", gwerrors.ErrValidation))
		} else if err := authz.ValidateIdentity(user.Identity); err != nil {
			result = multierror.Append(result, err)
		}
		for _, name := range user.Secretaries {
			if !secretaries[name] {
				result = multierror.Append(result, fmt.Errorf("%w: user %q references unknown secretary %q", gwerrors.ErrValidation, user.Identity, name))
			}
		}
	}
	return result.ErrorOrNil()
}

// Apply upserts the seed into store. Tasks already persisted keep their
// status so a restart can restore them. It returns the ids of the seeded
// tasks.
func (s SeedConfig) Apply(ctx context.Context, store storage.Store) ([]string, error) {
	for i := range s.Templates {
		tpl := s.Templates[i]
		tpl.Profile.Env = upperKeys(tpl.Profile.Env)
		if err := store.SaveTemplate(ctx, &tpl); err != nil {
			return nil, fmt.Errorf("seed template %s: %w", tpl.ID, err)
		}
	}

	taskIDs := make(map[string][]string)
	var ids []string
	for i := range s.Tasks {
		task := s.Tasks[i]
		if task.Profile.Type == "" && task.TemplateID != "" {
			tpl, err := store.LoadTemplate(ctx, task.TemplateID)
			if err != nil {
				return nil, err
			}
			if tpl != nil {
				task.Profile = tpl.Profile
			}
		}
		task.Profile.Env = upperKeys(task.Profile.Env)
		existing, err := store.LoadTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.Status = storage.StatusInactive
		if existing != nil {
			task.Status = existing.Status
			task.StatusMessage = existing.StatusMessage
		}
		if err := store.SaveTask(ctx, &task); err != nil {
			return nil, fmt.Errorf("seed task %s: %w", task.ID, err)
		}
		taskIDs[task.SecretaryID] = append(taskIDs[task.SecretaryID], task.ID)
		ids = append(ids, task.ID)
	}

	for i := range s.Secretaries {
		sec := s.Secretaries[i]
		existing, err := store.LoadSecretary(ctx, sec.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			sec.TaskIDs = mergeIDs(existing.TaskIDs, sec.TaskIDs)
			sec.Active = sec.Active || existing.Active
		}
		sec.TaskIDs = mergeIDs(sec.TaskIDs, taskIDs[sec.Name])
		if err := store.SaveSecretary(ctx, &sec); err != nil {
			return nil, fmt.Errorf("seed secretary %s: %w", sec.Name, err)
		}
	}

	for i := range s.Users {
		user := s.Users[i]
		if err := store.SaveUserSecretaryMapping(ctx, &user); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", user.Identity, err)
		}
	}
	return ids, nil
}

// upperKeys restores environment variable names, which viper folds to
// lower case when reading config files.
func upperKeys(env map[string]string) map[string]string {
	if len(env) == 0 {
		return env
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func mergeIDs(a, b []string) []string {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
