// Package filestore keeps one JSON record per task in a directory.
//
// Every write goes to a temporary file in the same directory and is then
// renamed over the record, so readers see either the old or the new record
// and never a partial one. Writers for the same task id are serialized by a
// fixed set of locks striped over the id hash; two ids that share a stripe
// wait at most for one write.
package filestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/ocrd/internal/domain"
)

const (
	filePrefix = "task_"
	fileSuffix = ".json"

	// Writer locks are striped by id hash so the set stays fixed however
	// many tasks the directory accumulates.
	lockStripes = 64
)

var _ domain.TaskStore = (*Store)(nil)

// Store is a directory of task records.
type Store struct {
	dir    string
	schema *jsonschema.Schema
	log    *log.Entry

	locks [lockStripes]sync.Mutex
}

// Open prepares dir for task records.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:    dir,
		schema: schema,
		log:    log.WithField("component", "filestore"),
	}, nil
}

// Dir returns the directory holding the records.
func (s *Store) Dir() string { return s.dir }

// Ping checks that the state directory is still usable.
func (s *Store) Ping() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state dir %s is not a directory", s.dir)
	}
	return nil
}

// Close is a no-op; records are flushed on every write.
func (s *Store) Close() error { return nil }

// CreateTask writes the initial record.
func (s *Store) CreateTask(task domain.Task) error {
	path, err := s.path(task.ID)
	if err != nil {
		return err
	}
	unlock := s.lock(task.ID)
	defer unlock()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrTaskExists, task.ID)
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	return s.write(path, task)
}

// UpdateTask merges patch into the record under the task's lock.
func (s *Store) UpdateTask(id string, patch domain.TaskPatch) (domain.Task, error) {
	path, err := s.path(id)
	if err != nil {
		return domain.Task{}, err
	}
	unlock := s.lock(id)
	defer unlock()

	cur, err := s.read(id, path)
	if err != nil {
		return domain.Task{}, err
	}
	next, err := cur.Apply(patch, time.Now())
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.write(path, next); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

// GetTask reads a record. It takes no lock: rename makes every record
// visible whole.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	t, err := s.read(id, path)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks returns up to limit readable records, newest first.
func (s *Store) ListTasks(limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var tasks []domain.Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		t, err := s.read(id, filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// ─── Internals ──────────────────────────────────────────────────────────────

// lock returns the unlock func for id's writer lock.
func (s *Store) lock(id string) func() {
	l := s.stripe(id)
	l.Lock()
	return l.Unlock
}

func (s *Store) stripe(id string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(id)%lockStripes]
}

// path maps an id to its record file. Ids must be plain file names.
func (s *Store) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: invalid id %q", domain.ErrTaskNotFound, id)
	}
	return filepath.Join(s.dir, filePrefix+id+fileSuffix), nil
}

// read loads and validates one record. Missing and corrupt records are
// both reported as ErrTaskNotFound.
func (s *Store) read(id, path string) (domain.Task, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return domain.Task{}, err
	}

	t, err := s.decode(b)
	if err != nil {
		s.log.WithField("task-id", id).Warnf("Treating corrupt record as missing: %v", err)
		return domain.Task{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if t.ID == "" {
		t.ID = id
	}
	return t, nil
}

func (s *Store) decode(b []byte) (domain.Task, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
	}
	if err := s.schema.Validate(raw); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
	}
	var t domain.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
	}
	return t, nil
}

// write replaces path atomically with the encoded task.
func (s *Store) write(path string, t domain.Task) error {
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// ─── Record Schema ──────────────────────────────────────────────────────────

const recordSchema = `{
  "type": "object",
  "required": ["status", "resultDirectory"],
  "properties": {
    "id":              {"type": "string"},
    "status":          {"enum": ["Pending", "Running", "Finished", "Failed"]},
    "resultDirectory": {"type": "string"},
    "progress":        {"type": "integer", "minimum": 0, "maximum": 100},
    "outputFiles":     {"type": "array", "items": {"type": "string"}},
    "errorMessage":    {"type": "string"},
    "inputPath":       {"type": "string"},
    "fileType":        {"type": "string"},
    "prompt":          {"type": "string"},
    "createdAt":       {"type": "string"},
    "updatedAt":       {"type": "string"}
  },
  "allOf": [
    {
      "if":   {"required": ["outputFiles"]},
      "then": {"properties": {"status": {"const": "Finished"}}}
    },
    {
      "if":   {"required": ["errorMessage"]},
      "then": {"properties": {"status": {"const": "Failed"}}}
    }
  ]
}`

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task_record.json", bytes.NewReader([]byte(recordSchema))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("task_record.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
