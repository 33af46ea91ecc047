package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/circuitbreaker"
	"github.com/scholarmesh/orchestrator/internal/embeddings"
	"github.com/scholarmesh/orchestrator/internal/evidence"
	"github.com/scholarmesh/orchestrator/internal/metrics"
	"github.com/scholarmesh/orchestrator/internal/tracing"
)

const sourceName = "qdrant"

// Config holds Qdrant connection and search settings.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Collection     string        `mapstructure:"collection"`
	TopK           int           `mapstructure:"top_k"`
	ScoreThreshold float64       `mapstructure:"score_threshold"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Store is a minimal Qdrant HTTP client that surfaces document chunks as
// evidence items. It is the vector leg of the retrieval worker.
type Store struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	embed *embeddings.Service
	log   *zap.Logger
}

// NewStore creates a Qdrant-backed evidence source.
func NewStore(cfg Config, embed *embeddings.Service, logger *zap.Logger) *Store {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "paper_chunks"
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Store{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, sourceName, "vectordb", logger),
		embed: embed,
		log:   logger,
	}
}

// NewStoreWithBase creates a store against an explicit base URL, used by
// tests with httptest servers.
func NewStoreWithBase(base string, cfg Config, embed *embeddings.Service, logger *zap.Logger) *Store {
	s := NewStore(cfg, embed, logger)
	s.base = base
	return s
}

// Name implements the evidence source contract.
func (s *Store) Name() string { return sourceName }

// qdrant search request/response (simplified)
type qdrantQueryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which nests the points
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search embeds the query and runs a vector search, normalizing hits into
// evidence items with document provenance.
func (s *Store) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]evidence.Item, error) {
	start := time.Now()
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	vec, err := s.embed.GenerateEmbedding(ctx, query, "")
	if err != nil {
		metrics.RecordSourceSearch(sourceName, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embed query: %w", err)
	}

	points, err := s.search(ctx, vec, topK, qdrantFilter(filters))
	if err != nil {
		metrics.RecordSourceSearch(sourceName, "error", time.Since(start).Seconds())
		return nil, err
	}

	items := make([]evidence.Item, 0, len(points))
	for _, p := range points {
		item, ok := s.toItem(p, query)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	metrics.RecordSourceSearch(sourceName, "ok", time.Since(start).Seconds())
	return items, nil
}

func (s *Store) search(ctx context.Context, vec []float32, limit int, filter map[string]interface{}) ([]qdrantPoint, error) {
	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", s.base, s.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", urlQuery)
	defer span.End()

	var thr *float64
	if s.cfg.ScoreThreshold > 0 {
		t := s.cfg.ScoreThreshold
		thr = &t
	}
	reqBody := qdrantQueryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true, Filter: filter}
	buf, _ := json.Marshal(reqBody)

	call := func(url string, body []byte) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)
		return s.httpw.Do(req)
	}

	resp, err := call(urlQuery, buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// Fallback to the legacy /points/search endpoint for compatibility.
		urlSearch := fmt.Sprintf("%s/collections/%s/points/search", s.base, s.cfg.Collection)
		legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
		if thr != nil {
			legacy["score_threshold"] = *thr
		}
		if filter != nil {
			legacy["filter"] = filter
		}
		buf2, _ := json.Marshal(legacy)
		resp2, err2 := call(urlSearch, buf2)
		if err2 != nil {
			return nil, fmt.Errorf("qdrant query/search failed: %w", err2)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("qdrant status %d", resp2.StatusCode)
		}
		var sr qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
			return nil, err
		}
		return sr.Result, nil
	}

	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, err
	}
	return qr.Result.Points, nil
}

// toItem maps one search hit to an evidence item. Hits without text or a
// resolvable document id are dropped with a warning.
func (s *Store) toItem(p qdrantPoint, query string) (evidence.Item, bool) {
	text, _ := p.Payload["text"].(string)
	if text == "" {
		s.log.Warn("Dropping vector hit without text payload", zap.Any("id", p.ID))
		return evidence.Item{}, false
	}
	docID, _ := p.Payload["document_id"].(string)
	if docID == "" {
		docID = fmt.Sprintf("%v", p.ID)
	}
	location, _ := p.Payload["section"].(string)

	return evidence.Item{
		Key:     fmt.Sprintf("doc:%s:%v", docID, p.ID),
		Kind:    evidence.SourceVectorDocument,
		Content: text,
		Score:   p.Score,
		Provenance: evidence.Provenance{
			DocumentID: docID,
			Location:   location,
			Query:      query,
		},
	}, true
}

// qdrantFilter translates flat key/value filters into a Qdrant must clause.
func qdrantFilter(filters map[string]string) map[string]interface{} {
	if len(filters) == 0 {
		return nil
	}
	must := make([]map[string]interface{}, 0, len(filters))
	for k, v := range filters {
		must = append(must, map[string]interface{}{
			"key":   k,
			"match": map[string]interface{}{"value": v},
		})
	}
	return map[string]interface{}{"must": must}
}
