package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/evidence"
)

// RetrievalWorker fans a query out to its configured evidence sources and
// returns the concatenated item lists. Deduplication and ranking happen later
// in fusion, so partial source failures only degrade recall.
type RetrievalWorker struct {
	sources []Source
	topK    int
	logger  *zap.Logger
}

// NewRetrievalWorker creates a retrieval worker over the given sources.
func NewRetrievalWorker(sources []Source, topK int, logger *zap.Logger) *RetrievalWorker {
	if topK <= 0 {
		topK = 5
	}
	return &RetrievalWorker{sources: sources, topK: topK, logger: logger}
}

// Invoke queries every source. A single failing source is logged and skipped;
// the invocation only fails when no source produced anything and at least one
// errored, so the scheduler can retry the whole fan-out.
func (w *RetrievalWorker) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	topK := req.TopK
	if topK <= 0 {
		topK = w.topK
	}

	var items []evidence.Item
	var firstErr error
	for _, src := range w.sources {
		if err := ctx.Err(); err != nil {
			return nil, &TimeoutError{Elapsed: time.Since(start)}
		}
		found, err := src.Search(ctx, req.Query, topK, req.Filters)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &TimeoutError{Elapsed: time.Since(start)}
			}
			w.logger.Warn("Retrieval source failed",
				zap.String("source", src.Name()),
				zap.String("node_id", req.NodeID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = &ToolInvocationError{Tool: src.Name(), Cause: err}
			}
			continue
		}
		for _, it := range found {
			if err := it.Validate(); err != nil {
				w.logger.Warn("Source returned invalid evidence item",
					zap.String("source", src.Name()),
					zap.Error(err),
				)
				continue
			}
			items = append(items, it)
		}
	}

	if len(items) == 0 && firstErr != nil {
		return nil, firstErr
	}

	return &Result{
		Status:   StatusSuccess,
		Evidence: items,
		Elapsed:  time.Since(start),
	}, nil
}

// StructuredWorker executes an SQL-like query spec against the structured
// store and normalizes rows into evidence items.
type StructuredWorker struct {
	store  Source
	topK   int
	logger *zap.Logger
}

// NewStructuredWorker creates a structured-query worker over one store.
func NewStructuredWorker(store Source, topK int, logger *zap.Logger) *StructuredWorker {
	if topK <= 0 {
		topK = 5
	}
	return &StructuredWorker{store: store, topK: topK, logger: logger}
}

func (w *StructuredWorker) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.Query == "" {
		return nil, &ToolInvocationError{Tool: w.store.Name(), Cause: fmt.Errorf("empty structured query")}
	}
	topK := req.TopK
	if topK <= 0 {
		topK = w.topK
	}

	rows, err := w.store.Search(ctx, req.Query, topK, req.Filters)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Elapsed: time.Since(start)}
		}
		return nil, &ToolInvocationError{Tool: w.store.Name(), Cause: err}
	}

	items := make([]evidence.Item, 0, len(rows))
	for _, it := range rows {
		if err := it.Validate(); err != nil {
			w.logger.Warn("Structured store returned invalid evidence item", zap.Error(err))
			continue
		}
		items = append(items, it)
	}

	return &Result{
		Status:   StatusSuccess,
		Evidence: items,
		Elapsed:  time.Since(start),
	}, nil
}
