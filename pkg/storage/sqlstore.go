package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id        TEXT PRIMARY KEY,
	secretary TEXT NOT NULL,
	doc       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_secretary ON tasks(secretary);
CREATE TABLE IF NOT EXISTS secretaries (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS templates (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS mappings (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
`

// SQLStore persists records as JSON documents in SQLite.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens (and if needed creates) the SQLite database at path.
// ":memory:" gives a private in-memory database.
func NewSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) LoadTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	ok, err := s.load(ctx, "tasks", id, &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) SaveTask(ctx context.Context, task *Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	stored := task.clone()
	stored.UpdatedAt = s.now().UTC()
	doc, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("storage: encode task %q: %w", task.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, secretary, doc) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET secretary = excluded.secretary, doc = excluded.doc`,
		stored.ID, stored.SecretaryID, string(doc))
	if err != nil {
		return fmt.Errorf("storage: save task %q: %w", task.ID, err)
	}
	task.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	return s.delete(ctx, "tasks", id)
}

func (s *SQLStore) ListTasks(ctx context.Context, secretaryID string) ([]*Task, error) {
	query := "SELECT doc FROM tasks ORDER BY id"
	var args []any
	if secretaryID != "" {
		query = "SELECT doc FROM tasks WHERE secretary = ? ORDER BY id"
		args = append(args, secretaryID)
	}
	var out []*Task
	err := s.each(ctx, query, args, func(doc []byte) error {
		var t Task
		if err := json.Unmarshal(doc, &t); err != nil {
			return err
		}
		out = append(out, &t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	return out, nil
}

func (s *SQLStore) LoadSecretary(ctx context.Context, name string) (*Secretary, error) {
	var sec Secretary
	ok, err := s.load(ctx, "secretaries", name, &sec)
	if err != nil || !ok {
		return nil, err
	}
	return &sec, nil
}

func (s *SQLStore) SaveSecretary(ctx context.Context, secretary *Secretary) error {
	if err := validateSecretary(secretary); err != nil {
		return err
	}
	return s.upsert(ctx, "secretaries", secretary.Name, secretary)
}

func (s *SQLStore) DeleteSecretary(ctx context.Context, name string) error {
	return s.delete(ctx, "secretaries", name)
}

func (s *SQLStore) ListSecretaries(ctx context.Context) ([]*Secretary, error) {
	var out []*Secretary
	err := s.each(ctx, "SELECT doc FROM secretaries ORDER BY id", nil, func(doc []byte) error {
		var sec Secretary
		if err := json.Unmarshal(doc, &sec); err != nil {
			return err
		}
		out = append(out, &sec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list secretaries: %w", err)
	}
	return out, nil
}

func (s *SQLStore) LoadTemplate(ctx context.Context, id string) (*Template, error) {
	var t Template
	ok, err := s.load(ctx, "templates", id, &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) SaveTemplate(ctx context.Context, template *Template) error {
	if err := validateTemplate(template); err != nil {
		return err
	}
	return s.upsert(ctx, "templates", template.ID, template)
}

func (s *SQLStore) DeleteTemplate(ctx context.Context, id string) error {
	return s.delete(ctx, "templates", id)
}

func (s *SQLStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	var out []*Template
	err := s.each(ctx, "SELECT doc FROM templates ORDER BY id", nil, func(doc []byte) error {
		var t Template
		if err := json.Unmarshal(doc, &t); err != nil {
			return err
		}
		out = append(out, &t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list templates: %w", err)
	}
	return out, nil
}

func (s *SQLStore) LoadUserSecretaryMappings(ctx context.Context, identity string) (*UserSecretaryMapping, error) {
	var m UserSecretaryMapping
	ok, err := s.load(ctx, "mappings", identity, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) SaveUserSecretaryMapping(ctx context.Context, mapping *UserSecretaryMapping) error {
	if err := validateMapping(mapping); err != nil {
		return err
	}
	return s.upsert(ctx, "mappings", mapping.Identity, mapping)
}

func (s *SQLStore) DeleteUserSecretaryMapping(ctx context.Context, identity string) error {
	return s.delete(ctx, "mappings", identity)
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Table names below come from the fixed set above, never from callers.

func (s *SQLStore) load(ctx context.Context, table, id string, dst any) (bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM "+table+" WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: load %s %q: %w", table, id, err)
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return false, fmt.Errorf("storage: decode %s %q: %w", table, id, err)
	}
	return true, nil
}

func (s *SQLStore) upsert(ctx context.Context, table, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s %q: %w", table, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, doc) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc",
		id, string(doc))
	if err != nil {
		return fmt.Errorf("storage: save %s %q: %w", table, id, err)
	}
	return nil
}

func (s *SQLStore) delete(ctx context.Context, table, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return fmt.Errorf("storage: delete %s %q: %w", table, id, err)
	}
	return nil
}

func (s *SQLStore) each(ctx context.Context, query string, args []any, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		if err := fn([]byte(doc)); err != nil {
			return err
		}
	}
	return rows.Err()
}
