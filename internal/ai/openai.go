package ai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to any OpenAI-compatible endpoint (OpenAI, vLLM, LiteLLM, ...).
type OpenAIClient struct {
	config *ClientConfig
	http   *http.Client
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	// Set default models if not provided
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.ChatModel == "" {
		config.ChatModel = "gpt-4o-mini"
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultOpenAIBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	transport := &http.Transport{}

	// Check for environment variable to skip TLS verification (for corporate proxies, etc.)
	if skipTLS, _ := strconv.ParseBool(os.Getenv("CODEBOT_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	return &OpenAIClient{
		config: config,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Embed implements the embedding functionality
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}

	payload := map[string]string{
		"input": text,
		"model": c.config.EmbedModel,
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, errors.New("no embedding")
	}
	return normalize(out.Data[0].Embedding), nil
}

// Complete sends prompt as a single user message with temperature 0.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.config.APIKey == "" {
		return "", errors.New("PROVIDER_API_KEY unset")
	}

	payload := map[string]any{
		"model": c.config.ChatModel,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0,
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/chat/completions", payload, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

func (c *OpenAIClient) post(ctx context.Context, path string, payload any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct{ Error struct{ Message string } }
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error.Message != "" {
			return errors.New(e.Error.Message)
		}
		return errors.New(resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// setHeaders sets common headers for OpenAI requests
func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	if strings.HasPrefix(c.config.APIKey, "sk-proj-") && c.config.ProjectID != "" {
		req.Header.Set("OpenAI-Project", c.config.ProjectID)
	}
}
