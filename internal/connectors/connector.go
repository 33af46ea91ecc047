package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/circuitbreaker"
	"github.com/scholarmesh/orchestrator/internal/evidence"
	"github.com/scholarmesh/orchestrator/internal/metrics"
	"github.com/scholarmesh/orchestrator/internal/tracing"
)

// Config holds settings for one external knowledge connector.
type Config struct {
	// Name identifies the connector in provenance and metrics, e.g. "openalex".
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Connector queries an external search service speaking the connector
// protocol: POST /search with a query, a ranked hit list back. Hits are
// normalized to external-connector evidence, the lowest-trust source kind.
type Connector struct {
	cfg   Config
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// New creates a connector client.
func New(cfg Config, logger *zap.Logger) *Connector {
	if cfg.Name == "" {
		cfg.Name = "connector"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Connector{
		cfg:   cfg,
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, cfg.Name, "connector", logger),
		log:   logger,
	}
}

// Name implements the evidence source contract.
func (c *Connector) Name() string { return c.cfg.Name }

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchHit struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	URL     string  `json:"url"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Results []searchHit `json:"results"`
}

// Search runs one connector query. Hits without an id or snippet are dropped;
// the connector never fabricates identity keys from empty fields.
func (c *Connector) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]evidence.Item, error) {
	start := time.Now()
	if topK <= 0 {
		topK = 5
	}

	url := c.cfg.BaseURL + "/search"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	buf, _ := json.Marshal(searchRequest{Query: query, TopK: topK})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.RecordSourceSearch(c.cfg.Name, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("connector %s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordSourceSearch(c.cfg.Name, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("connector %s: http status %d", c.cfg.Name, resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		metrics.RecordSourceSearch(c.cfg.Name, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("connector %s: decode response: %w", c.cfg.Name, err)
	}

	items := make([]evidence.Item, 0, len(sr.Results))
	for _, hit := range sr.Results {
		if hit.ID == "" || hit.Snippet == "" {
			c.log.Warn("Dropping connector hit without id or snippet",
				zap.String("connector", c.cfg.Name),
				zap.String("id", hit.ID),
			)
			continue
		}
		docID := hit.URL
		if docID == "" {
			docID = hit.ID
		}
		items = append(items, evidence.Item{
			Key:     fmt.Sprintf("ext:%s:%s", c.cfg.Name, hit.ID),
			Kind:    evidence.SourceConnector,
			Content: hit.Snippet,
			Score:   hit.Score,
			Provenance: evidence.Provenance{
				DocumentID: docID,
				Location:   hit.Title,
				Query:      query,
			},
		})
	}
	metrics.RecordSourceSearch(c.cfg.Name, "ok", time.Since(start).Seconds())
	return items, nil
}
