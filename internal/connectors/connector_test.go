package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/evidence"
)

func TestSearchNormalizesHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "resnet citations", req.Query)
		assert.Equal(t, 3, req.TopK)

		json.NewEncoder(w).Encode(searchResponse{Results: []searchHit{
			{
				ID:      "W123",
				Title:   "Deep Residual Learning",
				Snippet: "ResNet introduced residual connections.",
				URL:     "https://example.org/W123",
				Score:   0.77,
			},
			{ID: "W999"}, // no snippet, dropped
		}})
	}))
	defer srv.Close()

	c := New(Config{Name: "openalex", BaseURL: srv.URL, APIKey: "sekrit"}, zap.NewNop())
	items, err := c.Search(context.Background(), "resnet citations", 3, nil)
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "ext:openalex:W123", items[0].Key)
	assert.Equal(t, evidence.SourceConnector, items[0].Kind)
	assert.Equal(t, 0.77, items[0].Score)
	assert.Equal(t, "https://example.org/W123", items[0].Provenance.DocumentID)
	assert.Equal(t, "Deep Residual Learning", items[0].Provenance.Location)
}

func TestSearchSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{Name: "openalex", BaseURL: srv.URL}, zap.NewNop())
	_, err := c.Search(context.Background(), "query", 3, nil)
	assert.Error(t, err)
}

func TestSearchEmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResponse{})
	}))
	defer srv.Close()

	c := New(Config{Name: "openalex", BaseURL: srv.URL}, zap.NewNop())
	items, err := c.Search(context.Background(), "query", 3, nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}
