package a2a

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dusk-indust/relay/internal/errs"
	"github.com/dusk-indust/relay/internal/task"
)

// DefaultMaxRetained is the number of terminal tasks kept when the store is
// created with a non-positive limit.
const DefaultMaxRetained = 1000

// Record is everything the server keeps about one task. It is only touched
// inside TaskStore.Update, under that task's lock.
type Record struct {
	Task      *task.Task
	SessionID string
	History   []Message
	Metadata  map[string]any

	// Cancel stops the in-flight execution, nil when none is running.
	Cancel context.CancelCauseFunc
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// TaskStore is a concurrency-safe in-memory task map. Each task has its own
// lock so transitions on one task never wait on another. Terminal tasks are
// retained up to a limit; the least recently finished are dropped first.
// Active tasks are never dropped.
type TaskStore struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	orderIDs []string // insertion order, for pagination

	terminal *lru.Cache[string, struct{}]
}

// NewTaskStore returns a store retaining at most maxRetained terminal tasks.
func NewTaskStore(maxRetained int) *TaskStore {
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	s := &TaskStore{entries: make(map[string]*entry)}
	// The eviction callback runs inside terminal.ContainsOrAdd, which is only
	// called with s.mu held for writing.
	s.terminal, _ = lru.NewWithEvict(maxRetained, func(id string, _ struct{}) {
		delete(s.entries, id)
		if i := slices.Index(s.orderIDs, id); i >= 0 {
			s.orderIDs = slices.Delete(s.orderIDs, i, i+1)
		}
	})
	return s
}

// Create stores rec under rec.Task.ID unless that id already exists. It
// reports whether the record was stored.
func (s *TaskStore) Create(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Task.ID
	if _, exists := s.entries[id]; exists {
		return false
	}
	s.entries[id] = &entry{rec: rec}
	s.orderIDs = append(s.orderIDs, id)
	return true
}

// Update runs fn on the record for id while holding that task's lock. fn's
// error is returned as is. An unknown id yields a *errs.NotFoundError.
func (s *TaskStore) Update(id string, fn func(*Record) error) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	err = fn(&e.rec)
	terminal := e.rec.Task.State.IsTerminal()
	e.mu.Unlock()

	if terminal {
		s.retire(id)
	}
	return err
}

// Snapshot returns the wire form of the task with the given id.
func (s *TaskStore) Snapshot(id string, historyLength *int) (Task, error) {
	var snap Task
	err := s.Update(id, func(r *Record) error {
		snap = r.Snapshot(historyLength)
		return nil
	})
	return snap, err
}

// IDs returns the ids of all stored tasks in insertion order.
func (s *TaskStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.orderIDs)
}

// Len returns the number of stored tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// List returns snapshots matching the filter.
//
// Filtering:
//   - If SessionID is non-empty, only tasks in that session are included.
//   - If State is non-empty, only tasks in that state are included.
//
// Pagination:
//   - PageToken is the ID of the last task from the previous page; results
//     start after that task in insertion order.
//   - PageSize <= 0 means return all matching tasks.
func (s *TaskStore) List(filter ListTasksParams) (*ListTasksResult, error) {
	// Collect entries first; entry locks are never taken under s.mu.
	s.mu.RLock()
	ids := slices.Clone(s.orderIDs)
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = s.entries[id]
	}
	s.mu.RUnlock()

	startIdx := 0
	if filter.PageToken != "" {
		i := slices.Index(ids, filter.PageToken)
		if i < 0 {
			return nil, fmt.Errorf("%w: unknown page token %q", ErrInvalidParams, filter.PageToken)
		}
		startIdx = i + 1
	}

	totalSize := 0
	matched := []Task{}
	for i, e := range entries {
		e.mu.Lock()
		ok := matchesFilter(&e.rec, filter)
		var snap Task
		if ok && i >= startIdx {
			snap = e.rec.Snapshot(nil)
		}
		e.mu.Unlock()

		if !ok {
			continue
		}
		totalSize++
		if i >= startIdx {
			matched = append(matched, snap)
		}
	}

	var nextPageToken string
	if filter.PageSize > 0 && len(matched) > filter.PageSize {
		nextPageToken = matched[filter.PageSize-1].ID
		matched = matched[:filter.PageSize]
	}

	return &ListTasksResult{
		Tasks:         matched,
		TotalSize:     totalSize,
		NextPageToken: nextPageToken,
	}, nil
}

func (s *TaskStore) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "task", ID: id}
	}
	return e, nil
}

func (s *TaskStore) retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		s.terminal.ContainsOrAdd(id, struct{}{})
	}
}

func matchesFilter(r *Record, filter ListTasksParams) bool {
	if filter.SessionID != "" && r.SessionID != filter.SessionID {
		return false
	}
	if filter.State != "" && r.Task.State != filter.State {
		return false
	}
	return true
}

// Snapshot converts the record to its wire form. historyLength, when set,
// keeps only the most recent messages.
func (r *Record) Snapshot(historyLength *int) Task {
	t := r.Task
	out := Task{
		ID:        t.ID,
		SessionID: r.SessionID,
		Status: TaskStatus{
			State:     t.State,
			Timestamp: t.History[len(t.History)-1].At,
		},
		Metadata: maps.Clone(r.Metadata),
	}

	history := r.History
	if historyLength != nil && *historyLength >= 0 && *historyLength < len(history) {
		history = history[len(history)-*historyLength:]
	}
	for _, m := range history {
		out.History = append(out.History, cloneMessage(m))
	}

	if t.Result == nil {
		return out
	}
	res := *t.Result
	switch t.State {
	case task.StateCompleted:
		parts := []Part{TextPart(res.Submission)}
		if p, err := DataPart(res); err == nil {
			parts = append(parts, p)
		}
		out.Artifacts = []Artifact{{Name: "submission", Parts: parts}}
		out.Status.Message = &Message{Role: RoleAgent, Parts: []Part{TextPart(res.Submission)}}
	case task.StateFailed, task.StateCanceled:
		if res.Error != "" {
			out.Status.Message = &Message{Role: RoleAgent, Parts: []Part{TextPart(res.Error)}}
		}
	}
	return out
}

func cloneMessage(src Message) Message {
	dst := src
	if src.Parts != nil {
		dst.Parts = make([]Part, len(src.Parts))
		for i, p := range src.Parts {
			dst.Parts[i] = p
			if p.Data != nil {
				dst.Parts[i].Data = slices.Clone(p.Data)
			}
			if p.File != nil {
				f := *p.File
				dst.Parts[i].File = &f
			}
			dst.Parts[i].Metadata = maps.Clone(p.Metadata)
		}
	}
	dst.Metadata = maps.Clone(src.Metadata)
	return dst
}
