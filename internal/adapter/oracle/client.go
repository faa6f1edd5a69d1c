// Package oracle calls a remote text-classification service to score report
// descriptions for credibility.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// DefaultCredibleLabels are the classifier labels that mean "this report is
// genuine". LABEL_1 is the positive class of an unnamed binary head.
var DefaultCredibleLabels = []string{"credible", "genuine", "real", "true", "LABEL_1"}

// Client implements domain.Oracle against an endpoint that speaks the
// Hugging Face inference API shape: POST {"inputs": text} returning label and
// score pairs.
type Client struct {
	url        string
	token      string
	credible   map[string]bool
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an oracle client. token may be empty and credibleLabels
// falls back to DefaultCredibleLabels. The per-call deadline comes from the
// caller's context; timeout only bounds the transport.
func NewClient(url, token string, credibleLabels []string, timeout time.Duration, logger *slog.Logger) *Client {
	if len(credibleLabels) == 0 {
		credibleLabels = DefaultCredibleLabels
	}
	credible := make(map[string]bool, len(credibleLabels))
	for _, l := range credibleLabels {
		credible[strings.ToLower(strings.TrimSpace(l))] = true
	}
	return &Client{
		url:      url,
		token:    token,
		credible: credible,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Score reports the top label and a credibility confidence: the best score
// among credible labels, or one minus the top score when the classifier only
// returned negative labels.
func (c *Client) Score(ctx context.Context, text string) (domain.OracleResult, error) {
	body, err := json.Marshal(request{Inputs: text})
	if err != nil {
		return domain.OracleResult{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.OracleResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.OracleResult{}, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.OracleResult{}, fmt.Errorf("oracle API error: status %d: %s", resp.StatusCode, msg)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.OracleResult{}, fmt.Errorf("read response: %w", err)
	}
	preds, err := decodePredictions(raw)
	if err != nil {
		return domain.OracleResult{}, err
	}

	res := c.confidence(preds)
	c.logger.Debug("oracle scored text", "label", res.Label, "confidence", res.Confidence)
	return res, nil
}

func (c *Client) confidence(preds []prediction) domain.OracleResult {
	best := preds[0]
	credible, found := 0.0, false
	for _, p := range preds {
		if p.Score > best.Score {
			best = p
		}
		if c.credible[strings.ToLower(p.Label)] && (!found || p.Score > credible) {
			credible, found = p.Score, true
		}
	}
	if !found {
		credible = 1 - best.Score
	}
	return domain.OracleResult{Confidence: min(max(credible, 0), 1), Label: best.Label}
}

// decodePredictions accepts both the flat list and the list-of-lists form
// returned for single inputs.
func decodePredictions(raw []byte) ([]prediction, error) {
	var flat []prediction
	if err := json.Unmarshal(raw, &flat); err == nil {
		if len(flat) == 0 {
			return nil, errors.New("oracle returned no predictions")
		}
		return flat, nil
	}
	var nested [][]prediction
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(nested) == 0 || len(nested[0]) == 0 {
		return nil, errors.New("oracle returned no predictions")
	}
	return nested[0], nil
}

// Inference API request and response types.

type request struct {
	Inputs string `json:"inputs"`
}

type prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}
