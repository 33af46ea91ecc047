package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/llm"
)

// GenerationWorker drafts an answer from fused evidence through the opaque
// generation capability.
type GenerationWorker struct {
	client llm.Client
	logger *zap.Logger
}

// NewGenerationWorker creates a generation worker over an LLM client.
func NewGenerationWorker(client llm.Client, logger *zap.Logger) *GenerationWorker {
	return &GenerationWorker{client: client, logger: logger}
}

func (w *GenerationWorker) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.Query == "" {
		return nil, &ToolInvocationError{Tool: "llm", Cause: fmt.Errorf("empty generation query")}
	}

	out, err := w.client.Generate(ctx, llm.GenerationRequest{
		Query:          req.Query,
		Evidence:       req.Evidence.Items,
		HistorySummary: req.HistorySummary,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Elapsed: time.Since(start)}
		}
		return nil, &ToolInvocationError{Tool: "llm", Cause: err}
	}

	// Claims must point at evidence the draft was actually given; anything
	// else would poison provenance downstream.
	claims := make([]string, 0, len(out.ClaimsUsed))
	for _, key := range out.ClaimsUsed {
		if _, ok := req.Evidence.Lookup(key); ok {
			claims = append(claims, key)
			continue
		}
		w.logger.Warn("Generator cited unknown evidence key, dropping",
			zap.String("node_id", req.NodeID),
			zap.String("key", key),
		)
	}

	return &Result{
		Status:     StatusSuccess,
		Text:       out.Text,
		ClaimsUsed: claims,
		Elapsed:    time.Since(start),
	}, nil
}
