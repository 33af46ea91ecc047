package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/evidence"
)

func TestGenerateSendsEvidenceAndDecodesDraft(t *testing.T) {
	var got GenerationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agent/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(GenerationResult{
			Text:       "The paper trains with Adam.",
			ClaimsUsed: []string{"doc:1:1"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second, zap.NewNop())
	out, err := c.Generate(context.Background(), GenerationRequest{
		Query: "What optimizer does the paper use?",
		Evidence: []evidence.Item{{
			Key:     "doc:1:1",
			Kind:    evidence.SourceVectorDocument,
			Content: "We train with the Adam optimizer.",
			Score:   0.9,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "The paper trains with Adam.", out.Text)
	assert.Equal(t, []string{"doc:1:1"}, out.ClaimsUsed)
	assert.Equal(t, "What optimizer does the paper use?", got.Query)
	require.Len(t, got.Evidence, 1)
	assert.Equal(t, "doc:1:1", got.Evidence[0].Key)
}

func TestGenerateRejectsEmptyDraft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(GenerationResult{Text: "   "})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second, zap.NewNop())
	_, err := c.Generate(context.Background(), GenerationRequest{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty draft")
}

func TestGenerateSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second, zap.NewNop())
	_, err := c.Generate(context.Background(), GenerationRequest{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
