package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scholarmesh/orchestrator/internal/circuitbreaker"
	"github.com/scholarmesh/orchestrator/internal/evidence"
	"github.com/scholarmesh/orchestrator/internal/tracing"
)

// GenerationRequest is the payload for one answer draft.
type GenerationRequest struct {
	Query          string          `json:"query"`
	Evidence       []evidence.Item `json:"evidence"`
	HistorySummary string          `json:"history_summary,omitempty"`
}

// GenerationResult carries the drafted text plus the evidence identity keys
// the model reported using, for provenance and critique.
type GenerationResult struct {
	Text       string   `json:"text"`
	ClaimsUsed []string `json:"claims_used"`
	TokensUsed int      `json:"total_tokens,omitempty"`
	ModelUsed  string   `json:"model_used,omitempty"`
}

// Client is the opaque generation capability. The orchestration core never
// sees prompts or model internals, only this contract.
type Client interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// HTTPClient talks to the LLM sidecar service over HTTP.
type HTTPClient struct {
	base   string
	http   *http.Client
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewHTTPClient builds a client for the llm-service endpoint. The base URL
// comes from LLM_SERVICE_URL when empty.
func NewHTTPClient(base string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if base == "" {
		base = os.Getenv("LLM_SERVICE_URL")
	}
	if base == "" {
		base = "http://llm-service:8000"
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	return &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		http:   hc,
		httpw:  circuitbreaker.NewHTTPWrapper(hc, "llm-service", "llm", logger),
		logger: logger,
	}
}

func (c *HTTPClient) Generate(ctx context.Context, in GenerationRequest) (*GenerationResult, error) {
	url := fmt.Sprintf("%s/agent/generate", c.base)

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call llm service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("llm service returned status %d", resp.StatusCode)
	}

	var out GenerationResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, fmt.Errorf("llm service returned empty draft")
	}
	return &out, nil
}
