// Package ollama implements the vision client against a local Ollama
// server using its chat API.
package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"cropbatch/pkg/client"
	"cropbatch/pkg/types"
)

// defaultTimeout bounds a single model call when the caller's context
// carries no deadline. Vision models on CPU can be very slow.
const defaultTimeout = 300 * time.Second

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
}

// NewClient creates a new Ollama client for the given server URL.
func NewClient(ollamaURL string) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}

	// Keep only scheme and host; the SDK appends API paths itself.
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{client: api.NewClient(baseURL, http.DefaultClient)}, nil
}

// SimpleQuery performs a free-form query with an image attached.
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imageB64 string) (string, error) {
	return c.chat(ctx, model, prompt, imageB64, nil)
}

// DetectObjects runs a detection prompt and parses the reply into raw
// detections. A degraded request forces CPU execution via num_gpu=0.
func (c *Client) DetectObjects(ctx context.Context, req client.DetectRequest) ([]types.RawDetection, error) {
	options := map[string]any{
		// Detection replies must be stable for retries to mean anything.
		"temperature": 0,
	}
	if req.Degraded {
		options["num_gpu"] = 0
	}

	reply, err := c.chat(ctx, req.Model, req.Prompt, req.ImageB64, options)
	if err != nil {
		return nil, err
	}
	if reply == "" {
		return nil, fmt.Errorf("empty response from ollama")
	}
	return client.ParseDetections(reply)
}

func (c *Client) chat(ctx context.Context, model, prompt, imageB64 string, options map[string]any) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	imgBytes, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 image: %v", err)
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: options,
	}

	var responseContent string
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent = resp.Message.Content
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		switch {
		case errors.As(err, &statusErr):
			// The server answered, the call itself failed.
			return "", fmt.Errorf("ollama chat error: %v", err)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return "", fmt.Errorf("ollama chat error: %w", err)
		default:
			return "", fmt.Errorf("%w: %v", client.ErrUnavailable, err)
		}
	}

	return responseContent, nil
}
