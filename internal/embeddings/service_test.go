package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEmbeddingCachesResults(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Texts, 1)
		json.NewEncoder(w).Encode(embedResponse{
			Embeddings: [][]float64{{0.1, 0.2, 0.3}},
			Dimensions: 3,
			ModelUsed:  req.Model,
		})
	}))
	defer srv.Close()

	svc := NewService(Config{BaseURL: srv.URL}, nil)

	v1, err := svc.GenerateEmbedding(context.Background(), "what is resnet", "")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v1)

	v2, err := svc.GenerateEmbedding(context.Background(), "what is resnet", "")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load(), "second call should hit the LRU")
}

func TestGenerateEmbeddingSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewService(Config{BaseURL: srv.URL}, nil)
	_, err := svc.GenerateEmbedding(context.Background(), "query", "")
	assert.Error(t, err)
}

func TestGenerateEmbeddingRejectsEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	svc := NewService(Config{BaseURL: srv.URL}, nil)
	_, err := svc.GenerateEmbedding(context.Background(), "query", "")
	assert.Error(t, err)
}

func TestLocalLRUEvictsLeastRecentlyUsed(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, 0)
	lru.Set(ctx, "b", []float32{2}, 0)
	_, ok := lru.Get(ctx, "a") // refresh a
	require.True(t, ok)
	lru.Set(ctx, "c", []float32{3}, 0) // evicts b

	_, ok = lru.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = lru.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = lru.Get(ctx, "c")
	assert.True(t, ok)
}
