// Package openai scores report descriptions with a chat-completion model.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

const systemPrompt = `You verify citizen reports of coastal hazards (floods, cyclones, storm surge, high waves, oil spills, tsunamis, erosion).
Given one report description, judge how likely it describes a real, current hazard rather than rumour, spam, or misinformation.
Respond with a JSON object only: {"confidence": <number 0..1>, "hazard": "<short hazard label or unknown>"}.`

// Client implements domain.Oracle with a JSON-mode chat completion.
type Client struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewClient creates a client for the default OpenAI endpoint. baseURL
// overrides it for compatible gateways; pass "" for the default.
func NewClient(apiKey, model, baseURL string, logger *slog.Logger) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger,
	}
}

type verdict struct {
	Confidence *float64 `json:"confidence"`
	Hazard     string   `json:"hazard"`
}

// Score asks the model for a credibility verdict on text.
func (c *Client) Score(ctx context.Context, text string) (domain.OracleResult, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   100,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return domain.OracleResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.OracleResult{}, errors.New("empty response from model " + c.model)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var v verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		c.logger.Warn("model returned unparseable verdict",
			"model", c.model,
			"finish_reason", resp.Choices[0].FinishReason,
		)
		return domain.OracleResult{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Confidence == nil {
		return domain.OracleResult{}, errors.New("verdict has no confidence")
	}

	label := "openai:unknown"
	if h := strings.TrimSpace(strings.ToLower(v.Hazard)); h != "" {
		label = "openai:" + h
	}
	return domain.OracleResult{Confidence: *v.Confidence, Label: label}, nil
}
