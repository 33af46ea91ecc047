package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scholarmesh/orchestrator/internal/evidence"
)

// Kind is the declared capability of a subtask. The scheduler dispatches by
// kind alone, never by inspecting the worker's concrete type.
type Kind string

const (
	KindRetrieval  Kind = "retrieval"
	KindStructured Kind = "structured-query"
	KindGeneration Kind = "generation"
	KindCritique   Kind = "critique"
)

// Valid reports whether k is a known worker kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRetrieval, KindStructured, KindGeneration, KindCritique:
		return true
	}
	return false
}

// Status of one worker invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Request carries the kind-specific payload for one invocation.
type Request struct {
	NodeID  string            `json:"node_id"`
	Kind    Kind              `json:"kind"`
	Query   string            `json:"query"`             // retrieval: search text; structured: query spec; generation: user query
	TopK    int               `json:"top_k,omitempty"`   // retrieval/structured
	Filters map[string]string `json:"filters,omitempty"` // retrieval source filters

	// Generation-only payload
	Evidence       evidence.Set `json:"evidence,omitempty"`
	HistorySummary string       `json:"history_summary,omitempty"`
}

// Result is the immutable output of one invocation.
type Result struct {
	Status   Status          `json:"status"`
	Evidence []evidence.Item `json:"evidence,omitempty"` // retrieval/structured
	Text     string          `json:"text,omitempty"`     // generation
	// ClaimsUsed lists the evidence identity keys the generator actually
	// relied on, for provenance and for the critic.
	ClaimsUsed []string      `json:"claims_used,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Worker is the uniform invoke contract every executor implements.
type Worker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Source is the retrieval boundary implemented by the vector store,
// the structured store, and external knowledge connectors. Implementations
// must populate a stable identity key on every item.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, topK int, filters map[string]string) ([]evidence.Item, error)
}

// ToolInvocationError wraps a transport or tool failure underneath a worker.
// It is recoverable at the scheduler level via bounded retry.
type ToolInvocationError struct {
	Tool  string
	Cause error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool invocation failed (%s): %v", e.Tool, e.Cause)
}

func (e *ToolInvocationError) Unwrap() error { return e.Cause }

// TimeoutError reports an invocation cancelled by its deadline.
// It is recoverable at the scheduler level via bounded retry.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker timed out after %s", e.Elapsed)
}

// Recoverable reports whether err is one the scheduler may retry.
func Recoverable(err error) bool {
	var tie *ToolInvocationError
	var te *TimeoutError
	return errors.As(err, &tie) || errors.As(err, &te)
}
