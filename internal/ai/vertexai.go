package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Google Gemini API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.ChatModel == "" {
		config.ChatModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

// Embed implements the embedding functionality using the Gemini API
func (c *VertexAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.client == nil {
		return nil, errors.New("gemini client not initialized")
	}
	cfg := genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return normalize(res.Embeddings[0].Values), nil
}

// Complete runs a single-turn generation with temperature 0.
func (c *VertexAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.client == nil {
		return "", errors.New("gemini client not initialized")
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	temp := float32(0)
	cfg := genai.GenerateContentConfig{
		Temperature: &temp,
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.ChatModel, genai.Text(prompt), &cfg)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no completion returned")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
