package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
)

const (
	tasksTable       = "tasks"
	secretariesTable = "secretaries"
	templatesTable   = "templates"
	mappingsTable    = "mappings"

	idIndex        = "id"        // primary key
	secretaryIndex = "secretary" // tasks by owning secretary
)

// MemStore keeps records in a go-memdb database. Stored objects are copies;
// callers may mutate what they pass in or get back.
type MemStore struct {
	db  *memdb.MemDB
	now func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(memStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("storage: create memdb: %w", err)
	}
	return &MemStore{db: db, now: time.Now}, nil
}

func (s *MemStore) LoadTask(_ context.Context, id string) (*Task, error) {
	obj, err := s.first(tasksTable, id)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*Task).clone(), nil
}

func (s *MemStore) SaveTask(_ context.Context, task *Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	stored := task.clone()
	stored.UpdatedAt = s.now().UTC()
	if err := s.insert(tasksTable, stored); err != nil {
		return err
	}
	task.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemStore) DeleteTask(_ context.Context, id string) error {
	return s.delete(tasksTable, id)
}

func (s *MemStore) ListTasks(_ context.Context, secretaryID string) ([]*Task, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	var (
		it  memdb.ResultIterator
		err error
	)
	if secretaryID == "" {
		it, err = txn.Get(tasksTable, idIndex)
	} else {
		it, err = txn.Get(tasksTable, secretaryIndex, secretaryID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	var out []*Task
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*Task).clone())
	}
	sortTasks(out)
	return out, nil
}

func (s *MemStore) LoadSecretary(_ context.Context, name string) (*Secretary, error) {
	obj, err := s.first(secretariesTable, name)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*Secretary).clone(), nil
}

func (s *MemStore) SaveSecretary(_ context.Context, secretary *Secretary) error {
	if err := validateSecretary(secretary); err != nil {
		return err
	}
	return s.insert(secretariesTable, secretary.clone())
}

func (s *MemStore) DeleteSecretary(_ context.Context, name string) error {
	return s.delete(secretariesTable, name)
}

func (s *MemStore) ListSecretaries(context.Context) ([]*Secretary, error) {
	objs, err := s.all(secretariesTable)
	if err != nil {
		return nil, err
	}
	out := make([]*Secretary, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.(*Secretary).clone())
	}
	return out, nil
}

func (s *MemStore) LoadTemplate(_ context.Context, id string) (*Template, error) {
	obj, err := s.first(templatesTable, id)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*Template).clone(), nil
}

func (s *MemStore) SaveTemplate(_ context.Context, template *Template) error {
	if err := validateTemplate(template); err != nil {
		return err
	}
	return s.insert(templatesTable, template.clone())
}

func (s *MemStore) DeleteTemplate(_ context.Context, id string) error {
	return s.delete(templatesTable, id)
}

func (s *MemStore) ListTemplates(context.Context) ([]*Template, error) {
	objs, err := s.all(templatesTable)
	if err != nil {
		return nil, err
	}
	out := make([]*Template, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.(*Template).clone())
	}
	return out, nil
}

func (s *MemStore) LoadUserSecretaryMappings(_ context.Context, identity string) (*UserSecretaryMapping, error) {
	obj, err := s.first(mappingsTable, identity)
	if err != nil || obj == nil {
		return nil, err
	}
	return obj.(*UserSecretaryMapping).clone(), nil
}

func (s *MemStore) SaveUserSecretaryMapping(_ context.Context, mapping *UserSecretaryMapping) error {
	if err := validateMapping(mapping); err != nil {
		return err
	}
	return s.insert(mappingsTable, mapping.clone())
}

func (s *MemStore) DeleteUserSecretaryMapping(_ context.Context, identity string) error {
	return s.delete(mappingsTable, identity)
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) first(table, id string) (any, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(table, idIndex, id)
	if err != nil {
		return nil, fmt.Errorf("storage: load %s %q: %w", table, id, err)
	}
	return obj, nil
}

func (s *MemStore) all(table string) ([]any, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(table, idIndex)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", table, err)
	}
	var out []any
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj)
	}
	return out, nil
}

func (s *MemStore) insert(table string, obj any) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(table, obj); err != nil {
		return fmt.Errorf("storage: save %s: %w", table, err)
	}
	txn.Commit()
	return nil
}

// delete removes the record keyed by id. Missing records are ignored.
func (s *MemStore) delete(table, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(table, idIndex, id); err != nil {
		return fmt.Errorf("storage: delete %s %q: %w", table, id, err)
	}
	txn.Commit()
	return nil
}

func memStoreSchema() *memdb.DBSchema {
	primary := func(field string) *memdb.IndexSchema {
		return &memdb.IndexSchema{
			Name:    idIndex,
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: field},
		}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tasksTable: {
				Name: tasksTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: primary("ID"),
					secretaryIndex: {
						Name:         secretaryIndex,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "SecretaryID"},
					},
				},
			},
			secretariesTable: {
				Name:    secretariesTable,
				Indexes: map[string]*memdb.IndexSchema{idIndex: primary("Name")},
			},
			templatesTable: {
				Name:    templatesTable,
				Indexes: map[string]*memdb.IndexSchema{idIndex: primary("ID")},
			},
			mappingsTable: {
				Name:    mappingsTable,
				Indexes: map[string]*memdb.IndexSchema{idIndex: primary("Identity")},
			},
		},
	}
}
