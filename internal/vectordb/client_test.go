package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/embeddings"
	"github.com/scholarmesh/orchestrator/internal/evidence"
)

func newTestEmbedder(t *testing.T) *embeddings.Service {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embeddings": [][]float64{{0.1, 0.2}},
			"dimensions": 2,
		})
	}))
	t.Cleanup(srv.Close)
	return embeddings.NewService(embeddings.Config{BaseURL: srv.URL}, nil)
}

func TestSearchNormalizesHitsToEvidence(t *testing.T) {
	var gotBody qdrantQueryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/paper_chunks/points/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"points": []map[string]interface{}{
					{
						"id":    "c1",
						"score": 0.91,
						"payload": map[string]interface{}{
							"text":        "The model was trained with Adam.",
							"document_id": "paper42",
							"section":     "4.2",
						},
					},
					{
						"id":      "c2",
						"score":   0.5,
						"payload": map[string]interface{}{"document_id": "paper43"},
					},
				},
			},
			"status": "ok",
		})
	}))
	defer srv.Close()

	store := NewStoreWithBase(srv.URL, Config{}, newTestEmbedder(t), zap.NewNop())
	items, err := store.Search(context.Background(), "what optimizer", 3, map[string]string{"venue": "neurips"})
	require.NoError(t, err)

	// The hit without text is dropped.
	require.Len(t, items, 1)
	assert.Equal(t, "doc:paper42:c1", items[0].Key)
	assert.Equal(t, evidence.SourceVectorDocument, items[0].Kind)
	assert.Equal(t, 0.91, items[0].Score)
	assert.Equal(t, "paper42", items[0].Provenance.DocumentID)
	assert.Equal(t, "4.2", items[0].Provenance.Location)
	assert.Equal(t, "what optimizer", items[0].Provenance.Query)

	assert.Equal(t, 3, gotBody.Limit)
	require.NotNil(t, gotBody.Filter)
	assert.Contains(t, gotBody.Filter, "must")
}

func TestSearchFallsBackToLegacyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/paper_chunks/points/query":
			w.WriteHeader(http.StatusNotFound)
		case "/collections/paper_chunks/points/search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": []map[string]interface{}{
					{
						"id":    7,
						"score": 0.8,
						"payload": map[string]interface{}{
							"text": "legacy hit content",
						},
					},
				},
				"status": "ok",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	store := NewStoreWithBase(srv.URL, Config{}, newTestEmbedder(t), zap.NewNop())
	items, err := store.Search(context.Background(), "query", 0, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "doc:7:7", items[0].Key)
	assert.Equal(t, "legacy hit content", items[0].Content)
}

func TestSearchSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewStoreWithBase(srv.URL, Config{}, newTestEmbedder(t), zap.NewNop())
	_, err := store.Search(context.Background(), "query", 3, nil)
	assert.Error(t, err)
}
