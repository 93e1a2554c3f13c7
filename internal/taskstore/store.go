package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/transcritor/api/internal/model"
)

// ErrNotFound is returned when no task exists for the given id
var ErrNotFound = errors.New("task not found")

// ErrInvalidID is returned for ids outside the safe charset, before any
// storage path is built from them
var ErrInvalidID = errors.New("invalid task id")

// ErrActiveLimit is returned by CreateWithLimit when the non-terminal
// task count is already at the ceiling
var ErrActiveLimit = errors.New("active task limit reached")

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Store keeps every task twice: in a mutex-guarded map for the fast path
// and as one JSON document per task on disk so state survives restarts.
// The on-disk document is rewritten in full on every update via a temp
// file and an atomic rename, so readers never observe a partial write.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	dir   string
}

// New creates a store rooted at dir and eagerly loads any persisted
// task documents so status polls work immediately after a restart.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	s := &Store{
		tasks: make(map[string]*model.Task),
		dir:   dir,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Create registers a new task and persists its initial snapshot
func (s *Store) Create(task *model.Task) error {
	if !idPattern.MatchString(task.ID) {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	cp := cloneTask(task)
	s.tasks[task.ID] = cp
	return s.persist(cp)
}

// CreateWithLimit registers a new task only while fewer than maxActive
// tasks are non-terminal. Count and insert happen under one lock so
// concurrent submissions cannot slip past the ceiling together. A
// maxActive of zero or less means no ceiling.
func (s *Store) CreateWithLimit(task *model.Task, maxActive int) error {
	if !idPattern.MatchString(task.ID) {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if maxActive > 0 {
		active := 0
		for _, t := range s.tasks {
			if !t.Status.IsTerminal() {
				active++
			}
		}
		if active >= maxActive {
			return ErrActiveLimit
		}
	}

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	cp := cloneTask(task)
	s.tasks[task.ID] = cp
	return s.persist(cp)
}

// Get returns a snapshot of the task. A memory miss falls back to the
// on-disk document before reporting not-found.
func (s *Store) Get(id string) (*model.Task, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	task, ok := s.tasks[id]
	s.mu.RUnlock()
	if ok {
		return cloneTask(task), nil
	}

	task, err := s.loadOne(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tasks[id] = task
	s.mu.Unlock()
	return cloneTask(task), nil
}

// Update applies mutate to the task under the store lock and persists
// the resulting snapshot. Terminal tasks are immutable: Update on a
// succeeded or failed task leaves it untouched.
func (s *Store) Update(id string, mutate func(*model.Task)) (*model.Task, error) {
	if !idPattern.MatchString(id) {
		return nil, ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		loaded, err := s.loadOne(id)
		if err != nil {
			return nil, err
		}
		task = loaded
		s.tasks[id] = task
	}

	if task.Status.IsTerminal() {
		return cloneTask(task), nil
	}

	mutate(task)
	if err := s.persist(task); err != nil {
		return nil, err
	}
	return cloneTask(task), nil
}

// Delete removes the in-memory entry and the on-disk document
func (s *Store) Delete(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, inMemory := s.tasks[id]
	delete(s.tasks, id)

	path := s.docPath(id)
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		if !inMemory {
			return ErrNotFound
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to remove task document: %w", err)
	}
	return nil
}

// List returns snapshots of every known task
func (s *Store) List() []*model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, cloneTask(task))
	}
	return out
}

// CountActive returns the number of tasks in a non-terminal state.
// Submission uses this for admission control.
func (s *Store) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, task := range s.tasks {
		if !task.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (s *Store) docPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// persist rewrites the full document via temp file + rename. Callers
// hold the store lock.
func (s *Store) persist(task *model.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, task.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp document: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write task document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close task document: %w", err)
	}

	if err := os.Rename(tmpName, s.docPath(task.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace task document: %w", err)
	}
	return nil
}

func (s *Store) loadOne(id string) (*model.Task, error) {
	data, err := os.ReadFile(s.docPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read task document: %w", err)
	}

	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read tasks directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !idPattern.MatchString(id) {
			continue
		}

		task, err := s.loadOne(id)
		if err != nil {
			log.Printf("Skipping unreadable task document %s: %v", name, err)
			continue
		}
		s.tasks[id] = task
	}
	return nil
}

func cloneTask(t *model.Task) *model.Task {
	cp := *t
	if t.Segments != nil {
		cp.Segments = make([]model.TranscriptSegment, len(t.Segments))
		copy(cp.Segments, t.Segments)
	}
	if t.Transcription != nil {
		text := *t.Transcription
		cp.Transcription = &text
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.FileInfo != nil {
		fi := *t.FileInfo
		cp.FileInfo = &fi
	}
	return &cp
}
