// Package scoring provides the client for the external similarity-scoring
// collaborator. The engine never computes embeddings itself; everything here
// is transport around the collaborator's HTTP API.
package scoring

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPScorer implements schemas.SimilarityScorer against the collaborator's
// HTTP API. Calls are rate limited client-side and retried with exponential
// backoff; once retries are exhausted the error carries the
// scoring-unavailable kind so callers can degrade instead of failing.
type HTTPScorer struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ schemas.SimilarityScorer = (*HTTPScorer)(nil)

// NewHTTPScorer builds a scorer client from configuration.
func NewHTTPScorer(cfg config.ScoringConfig, logger *zap.Logger) (*HTTPScorer, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("scoring endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &HTTPScorer{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		logger:     logger.Named("scoring_client"),
	}, nil
}

// -- Collaborator API Request/Response Structures (Internal to this file) --

type bestMatchRequest struct {
	TenantID string           `json:"tenant_id"`
	NodeType schemas.NodeType `json:"node_type"`
	Title    string           `json:"title"`
	Content  string           `json:"content"`
}

type bestMatchResponse struct {
	Match *schemas.PairScore `json:"match"`
}

type pairScoresRequest struct {
	TenantID string      `json:"tenant_id"`
	Nodes    []scoreNode `json:"nodes"`
	MinScore float64     `json:"min_score"`
}

type scoreNode struct {
	ID      string           `json:"id"`
	Type    schemas.NodeType `json:"node_type"`
	Title   string           `json:"title"`
	Summary string           `json:"summary,omitempty"`
	Content string           `json:"content"`
}

type pairScoresResponse struct {
	Pairs []schemas.ScoredPair `json:"pairs"`
}

// BestMatch scores the candidate text against existing nodes of a compatible
// type and returns the strongest match, if any.
func (s *HTTPScorer) BestMatch(ctx context.Context, tenantID string, nodeType schemas.NodeType, title, content string) (schemas.PairScore, bool, error) {
	req := bestMatchRequest{
		TenantID: tenantID,
		NodeType: nodeType,
		Title:    title,
		Content:  content,
	}
	var resp bestMatchResponse
	if err := s.post(ctx, "/v1/best-match", req, &resp); err != nil {
		return schemas.PairScore{}, false, err
	}
	if resp.Match == nil {
		return schemas.PairScore{}, false, nil
	}
	return *resp.Match, true, nil
}

// PairScores returns the similarity score for every unordered node pair that
// clears minScore.
func (s *HTTPScorer) PairScores(ctx context.Context, tenantID string, nodes []schemas.Node, minScore float64) ([]schemas.ScoredPair, error) {
	if len(nodes) < 2 {
		return nil, nil
	}
	req := pairScoresRequest{
		TenantID: tenantID,
		MinScore: minScore,
		Nodes:    make([]scoreNode, 0, len(nodes)),
	}
	for _, n := range nodes {
		req.Nodes = append(req.Nodes, scoreNode{
			ID:      n.ID,
			Type:    n.Type,
			Title:   n.Title,
			Summary: n.Summary,
			Content: string(n.Content),
		})
	}
	var resp pairScoresResponse
	if err := s.post(ctx, "/v1/pair-scores", req, &resp); err != nil {
		return nil, err
	}
	return resp.Pairs, nil
}

// post sends one JSON request with rate limiting and retries. Transport
// failures and 5xx responses are retried; 4xx responses are permanent.
func (s *HTTPScorer) post(ctx context.Context, path string, payload, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("scoring rate limiter: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal scoring request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	b.MaxInterval = 5 * time.Second

	permanent := false
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(body))
		if err != nil {
			permanent = true
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(httpReq)
		if err != nil {
			s.logger.Warn("Network error during scoring request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute scoring request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read scoring response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= 500:
			s.logger.Warn("Scorer returned a server error, retrying...",
				zap.Int("status", resp.StatusCode))
			return fmt.Errorf("scorer returned status %d", resp.StatusCode)
		default:
			permanent = true
			return backoff.Permanent(fmt.Errorf("scorer rejected the request (status %d): %s",
				resp.StatusCode, string(respBody)))
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			permanent = true
			return backoff.Permanent(fmt.Errorf("failed to decode scoring response: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if permanent {
			return err
		}
		// Exhausted retries: the collaborator is down, not the request wrong.
		return schemas.NewScoringUnavailableError("scoring collaborator unreachable: %v", err)
	}
	return nil
}

// NopScorer is the scorer used when no collaborator is configured. Every call
// reports the collaborator as unavailable so downstream components take their
// documented degraded paths.
type NopScorer struct{}

var _ schemas.SimilarityScorer = NopScorer{}

func (NopScorer) BestMatch(context.Context, string, schemas.NodeType, string, string) (schemas.PairScore, bool, error) {
	return schemas.PairScore{}, false, schemas.NewScoringUnavailableError("no scoring collaborator configured")
}

func (NopScorer) PairScores(context.Context, string, []schemas.Node, float64) ([]schemas.ScoredPair, error) {
	return nil, schemas.NewScoringUnavailableError("no scoring collaborator configured")
}
