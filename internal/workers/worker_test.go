package workers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/evidence"
	"github.com/scholarmesh/orchestrator/internal/llm"
)

type stubSource struct {
	name  string
	items []evidence.Item
	err   error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]evidence.Item, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.items, nil
}

type stubGenerator struct {
	result *llm.GenerationResult
	err    error
}

func (g *stubGenerator) Generate(ctx context.Context, req llm.GenerationRequest) (*llm.GenerationResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

func item(key string, kind evidence.SourceKind, score float64) evidence.Item {
	return evidence.Item{Key: key, Kind: kind, Score: score, Provenance: evidence.Provenance{DocumentID: key}}
}

func TestRetrievalWorkerFansOutOverSources(t *testing.T) {
	w := NewRetrievalWorker([]Source{
		&stubSource{name: "vector", items: []evidence.Item{item("a", evidence.SourceVectorDocument, 0.8)}},
		&stubSource{name: "wiki", items: []evidence.Item{item("b", evidence.SourceConnector, 0.5)}},
	}, 5, zap.NewNop())

	res, err := w.Invoke(context.Background(), Request{NodeID: "n1", Kind: KindRetrieval, Query: "optimizers"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Len(t, res.Evidence, 2)
}

func TestRetrievalWorkerToleratesPartialSourceFailure(t *testing.T) {
	w := NewRetrievalWorker([]Source{
		&stubSource{name: "vector", err: fmt.Errorf("connection refused")},
		&stubSource{name: "wiki", items: []evidence.Item{item("b", evidence.SourceConnector, 0.5)}},
	}, 5, zap.NewNop())

	res, err := w.Invoke(context.Background(), Request{Kind: KindRetrieval, Query: "q"})
	require.NoError(t, err)
	assert.Len(t, res.Evidence, 1)
}

func TestRetrievalWorkerFailsWhenAllSourcesFail(t *testing.T) {
	w := NewRetrievalWorker([]Source{
		&stubSource{name: "vector", err: fmt.Errorf("down")},
	}, 5, zap.NewNop())

	_, err := w.Invoke(context.Background(), Request{Kind: KindRetrieval, Query: "q"})
	var tie *ToolInvocationError
	require.ErrorAs(t, err, &tie)
	assert.Equal(t, "vector", tie.Tool)
	assert.True(t, Recoverable(err))
}

func TestRetrievalWorkerDropsItemsWithoutKeys(t *testing.T) {
	w := NewRetrievalWorker([]Source{
		&stubSource{name: "vector", items: []evidence.Item{
			{Kind: evidence.SourceVectorDocument, Score: 0.9}, // no key
			item("ok", evidence.SourceVectorDocument, 0.4),
		}},
	}, 5, zap.NewNop())

	res, err := w.Invoke(context.Background(), Request{Kind: KindRetrieval, Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, "ok", res.Evidence[0].Key)
}

func TestGenerationWorkerReturnsTextAndClaims(t *testing.T) {
	ev := evidence.Set{Items: []evidence.Item{item("doc1", evidence.SourceVectorDocument, 0.9)}}
	w := NewGenerationWorker(&stubGenerator{result: &llm.GenerationResult{
		Text:       "The paper uses Adam.",
		ClaimsUsed: []string{"doc1", "ghost"},
	}}, zap.NewNop())

	res, err := w.Invoke(context.Background(), Request{Kind: KindGeneration, Query: "q", Evidence: ev})
	require.NoError(t, err)
	assert.Equal(t, "The paper uses Adam.", res.Text)
	// Unknown keys never reach provenance
	assert.Equal(t, []string{"doc1"}, res.ClaimsUsed)
}

func TestGenerationWorkerWrapsClientFailure(t *testing.T) {
	w := NewGenerationWorker(&stubGenerator{err: fmt.Errorf("upstream 503")}, zap.NewNop())
	_, err := w.Invoke(context.Background(), Request{Kind: KindGeneration, Query: "q"})
	var tie *ToolInvocationError
	require.ErrorAs(t, err, &tie)
}

func TestGenerationWorkerTranslatesDeadline(t *testing.T) {
	w := NewGenerationWorker(&stubGenerator{err: context.DeadlineExceeded}, zap.NewNop())
	_, err := w.Invoke(context.Background(), Request{Kind: KindGeneration, Query: "q"})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, Recoverable(err))
}

func TestRegistryDispatchesByKind(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	retr := NewRetrievalWorker([]Source{
		&stubSource{name: "vector", items: []evidence.Item{item("a", evidence.SourceVectorDocument, 0.7)}},
	}, 5, zap.NewNop())
	require.NoError(t, reg.Register(KindRetrieval, retr, 0))

	res, err := reg.Invoke(context.Background(), Request{Kind: KindRetrieval, Query: "q"})
	require.NoError(t, err)
	assert.Len(t, res.Evidence, 1)

	_, err = reg.Invoke(context.Background(), Request{Kind: KindGeneration, Query: "q"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRegistryRejectsInvalidKind(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	err := reg.Register(Kind("mystery"), &stubWorker{}, 0)
	assert.Error(t, err)
}

type stubWorker struct{}

func (s *stubWorker) Invoke(ctx context.Context, req Request) (*Result, error) {
	return &Result{Status: StatusSuccess}, nil
}

func TestRegistryTranslatesContextDeadline(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	require.NoError(t, reg.Register(KindRetrieval, &slowWorker{delay: 50 * time.Millisecond}, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := reg.Invoke(ctx, Request{Kind: KindRetrieval, Query: "q"})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
}

type slowWorker struct{ delay time.Duration }

func (s *slowWorker) Invoke(ctx context.Context, req Request) (*Result, error) {
	select {
	case <-time.After(s.delay):
		return &Result{Status: StatusSuccess}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStructuredWorkerRequiresQuery(t *testing.T) {
	w := NewStructuredWorker(&stubSource{name: "sqlite"}, 5, zap.NewNop())
	_, err := w.Invoke(context.Background(), Request{Kind: KindStructured})
	var tie *ToolInvocationError
	require.ErrorAs(t, err, &tie)
}

func TestStructuredWorkerWrapsStoreErrors(t *testing.T) {
	w := NewStructuredWorker(&stubSource{name: "sqlite", err: errors.New("syntax error")}, 5, zap.NewNop())
	_, err := w.Invoke(context.Background(), Request{Kind: KindStructured, Query: "papers since 2020"})
	var tie *ToolInvocationError
	require.ErrorAs(t, err, &tie)
	assert.Equal(t, "sqlite", tie.Tool)
}
