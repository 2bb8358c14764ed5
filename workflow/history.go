package workflow

import (
	"sort"
	"sync"
	"time"
)

// ExecutionStatus represents the status of a run or step invocation
type ExecutionStatus string

const (
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusInterrupted ExecutionStatus = "interrupted"
	ExecutionStatusFailed      ExecutionStatus = "failed"
)

// StepExecution records one step invocation
type StepExecution struct {
	Step      string          `json:"step"`
	Branch    int             `json:"branch"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	Status    ExecutionStatus `json:"status"`
	Route     string          `json:"route,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ExecutionHistory records the step path of one Start or Resume call
type ExecutionHistory struct {
	RunID     string           `json:"run_id"`
	ThreadID  string           `json:"thread_id"`
	Graph     string           `json:"graph"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Duration  time.Duration    `json:"duration"`
	Status    ExecutionStatus  `json:"status"`
	Steps     []*StepExecution `json:"steps"`
	Error     string           `json:"error,omitempty"`
	mu        sync.RWMutex
}

// NewExecutionHistory creates a running history
func NewExecutionHistory(runID, threadID, graph string) *ExecutionHistory {
	return &ExecutionHistory{
		RunID:     runID,
		ThreadID:  threadID,
		Graph:     graph,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
		Steps:     make([]*StepExecution, 0),
	}
}

// RecordStepStart appends a running step record. branch is -1 outside fan-out.
func (h *ExecutionHistory) RecordStepStart(step string, branch int) *StepExecution {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := &StepExecution{
		Step:      step,
		Branch:    branch,
		StartTime: time.Now(),
		Status:    ExecutionStatusRunning,
	}
	h.Steps = append(h.Steps, rec)
	return rec
}

// RecordStepEnd closes a step record
func (h *ExecutionHistory) RecordStepEnd(rec *StepExecution, status ExecutionStatus, route string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec.EndTime = time.Now()
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	rec.Status = status
	rec.Route = route
	if err != nil {
		rec.Error = err.Error()
	}
}

// Complete marks the run finished with status
func (h *ExecutionHistory) Complete(status ExecutionStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.EndTime = time.Now()
	h.Duration = h.EndTime.Sub(h.StartTime)
	h.Status = status
	if err != nil {
		h.Error = err.Error()
	}
}

// GetSteps returns a copy of the step records
func (h *ExecutionHistory) GetSteps() []StepExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]StepExecution, len(h.Steps))
	for i, s := range h.Steps {
		out[i] = *s
	}
	return out
}

// HistoryStore keeps execution histories in memory, bounded per thread.
type HistoryStore struct {
	histories map[string]*ExecutionHistory
	byThread  map[string][]string
	perThread int
	mu        sync.RWMutex
}

// NewHistoryStore creates a store that keeps at most perThread runs per
// thread; zero keeps everything.
func NewHistoryStore(perThread int) *HistoryStore {
	return &HistoryStore{
		histories: make(map[string]*ExecutionHistory),
		byThread:  make(map[string][]string),
		perThread: perThread,
	}
}

// Save stores a history
func (s *HistoryStore) Save(h *ExecutionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.histories[h.RunID]; !exists {
		s.byThread[h.ThreadID] = append(s.byThread[h.ThreadID], h.RunID)
	}
	s.histories[h.RunID] = h

	ids := s.byThread[h.ThreadID]
	if s.perThread > 0 && len(ids) > s.perThread {
		for _, old := range ids[:len(ids)-s.perThread] {
			delete(s.histories, old)
		}
		s.byThread[h.ThreadID] = append([]string(nil), ids[len(ids)-s.perThread:]...)
	}
}

// Get retrieves a history by run id
func (s *HistoryStore) Get(runID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[runID]
	return h, ok
}

// ListByThread returns the runs of a thread, oldest first
func (s *HistoryStore) ListByThread(threadID string) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionHistory
	for _, id := range s.byThread[threadID] {
		if h, ok := s.histories[id]; ok {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ListByStatus returns the runs that ended with status
func (s *HistoryStore) ListByStatus(status ExecutionStatus) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionHistory
	for _, h := range s.histories {
		h.mu.RLock()
		match := h.Status == status
		h.mu.RUnlock()
		if match {
			out = append(out, h)
		}
	}
	return out
}
