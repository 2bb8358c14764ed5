// Package checkpoint persists workflow threads. A checkpoint is the latest
// merged state of one thread plus its lifecycle position: the step that runs
// next, or the step that is suspended and the payload it surfaced.
//
// Supported backends:
// - Memory: for tests and single-process use (default)
// - File: one JSON document per thread, replaced atomically
// - Redis: distributed deployments
// - SQL: postgres, mysql or sqlite through gorm
// - Mongo: document store deployments
//
// Every backend offers atomic get/put per thread id and needs no
// cross-thread locking.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("checkpoint not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Status is the lifecycle position recorded in a checkpoint.
type Status string

const (
	StatusReady     Status = "ready"
	StatusSuspended Status = "suspended"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Checkpoint is the durable record of one thread.
type Checkpoint struct {
	ThreadID string         `json:"thread_id"`
	Graph    string         `json:"graph"`
	Status   Status         `json:"status"`
	Next     string         `json:"next,omitempty"`
	State    map[string]any `json:"state"`

	// Suspension point. ResumeLog holds the responses already supplied to
	// the suspended step, ordered by call site.
	SuspendedStep    string `json:"suspended_step,omitempty"`
	SuspendedPayload any    `json:"suspended_payload,omitempty"`
	ResumeLog        []any  `json:"resume_log,omitempty"`

	Error     string    `json:"error,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Suspended reports whether the thread is waiting for a response.
func (c *Checkpoint) Suspended() bool {
	return c != nil && c.Status == StatusSuspended
}

// Clone returns a copy whose state map and resume log can be modified
// without affecting c.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.State = make(map[string]any, len(c.State))
	for k, v := range c.State {
		out.State[k] = v
	}
	if c.ResumeLog != nil {
		out.ResumeLog = append([]any(nil), c.ResumeLog...)
	}
	return &out
}

// Store persists checkpoints keyed by thread id.
type Store interface {
	// Get returns the checkpoint of threadID or ErrNotFound.
	Get(ctx context.Context, threadID string) (*Checkpoint, error)
	// Put replaces the checkpoint of cp.ThreadID atomically.
	Put(ctx context.Context, cp *Checkpoint) error
	// Delete removes a thread. Deleting an unknown thread is not an error.
	Delete(ctx context.Context, threadID string) error
	// List returns the thread ids starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

func validate(cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: checkpoint is nil", ErrInvalidInput)
	}
	if cp.ThreadID == "" {
		return fmt.Errorf("%w: thread id is required", ErrInvalidInput)
	}
	return nil
}

// Marshal encodes a checkpoint for a byte-oriented backend.
func Marshal(cp *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint %q: %w", cp.ThreadID, err)
	}
	return data, nil
}

// Unmarshal decodes a checkpoint written by Marshal.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.State == nil {
		cp.State = map[string]any{}
	}
	return &cp, nil
}
