package jobs

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const storeVersion = 1

//go:embed jobs_schema.json
var schemaJSON []byte

var jobsSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("jobs schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("jobs-schema.json", doc); err != nil {
		panic(fmt.Sprintf("jobs schema: %v", err))
	}
	sch, err := c.Compile("jobs-schema.json")
	if err != nil {
		panic(fmt.Sprintf("jobs schema: %v", err))
	}
	return sch
}

type document struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Store holds the job list in one schema-checked JSON document, rewritten
// atomically on every mutation.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// Open loads the job file at path. A missing file is an empty store; a file
// that fails schema validation is an error, not silently repaired.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger.With("component", "jobs"),
		jobs:   make(map[string]*Job),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file, replacing the in-memory job set. Used when
// jobs.json is edited while the daemon runs.
func (s *Store) Reload() error {
	return s.load()
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.jobs = make(map[string]*Job)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse job file %s: %w", s.path, err)
	}
	if err := jobsSchema.Validate(inst); err != nil {
		return fmt.Errorf("job file %s failed validation: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode job file %s: %w", s.path, err)
	}
	next := make(map[string]*Job, len(doc.Jobs))
	for _, j := range doc.Jobs {
		next[j.ID] = j
	}
	s.mu.Lock()
	s.jobs = next
	s.mu.Unlock()
	return nil
}

// List returns a snapshot of every job, sorted by id. Mutating the copies has
// no effect on the store.
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := *j
		out = append(out, &c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Get returns a copy of one job.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	c := *j
	return &c, true
}

// Add validates and persists a new job.
func (s *Store) Add(j *Job) error {
	if err := Validate(j); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	c := *j
	s.jobs[j.ID] = &c
	if err := s.save(); err != nil {
		delete(s.jobs, j.ID)
		return err
	}
	return nil
}

// Update applies mutate to one job under the store lock and persists the
// result. mutate returning an error abandons the change.
func (s *Store) Update(id string, mutate func(*Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	prev := *j
	if err := mutate(j); err != nil {
		*j = prev
		return err
	}
	if err := s.save(); err != nil {
		*j = prev
		return err
	}
	return nil
}

// Remove deletes a job.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	delete(s.jobs, id)
	if err := s.save(); err != nil {
		s.jobs[id] = j
		return err
	}
	return nil
}

// save rewrites the document atomically. Caller holds s.mu.
func (s *Store) save() error {
	doc := document{Version: storeVersion, Jobs: make([]*Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		doc.Jobs = append(doc.Jobs, j)
	}
	sort.Slice(doc.Jobs, func(i, k int) bool { return doc.Jobs[i].ID < doc.Jobs[k].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".jobs-*.json")
	if err != nil {
		return fmt.Errorf("create temp job file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace job file: %w", err)
	}
	return nil
}
