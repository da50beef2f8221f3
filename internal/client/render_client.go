package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/faceblur/orchestrator/internal/config"
	"github.com/faceblur/orchestrator/internal/model"
)

// VideoRenderer defines the interface for the face blurring service
type VideoRenderer interface {
	Blur(ctx context.Context, req *BlurRequest) (*BlurResponse, error)
	HealthCheck(ctx context.Context) error
}

// RenderClient implements VideoRenderer for the blur microservice
type RenderClient struct {
	httpClient *http.Client
	baseURL    string
}

// BlurRequest asks the renderer to blur the given regions of a video
type BlurRequest struct {
	Source      model.ObjectRef         `json:"source"`
	Destination model.ObjectRef         `json:"destination"`
	Detections  []model.DetectionRecord `json:"detections"`
}

// BlurResponse is returned once the blurred video has been written
type BlurResponse struct {
	Output          model.ObjectRef `json:"output"`
	FramesProcessed int64           `json:"frames_processed"`
	DurationMs      int64           `json:"duration_ms"`
}

// NewRenderClient creates a new renderer client
func NewRenderClient(cfg *config.RendererConfig) *RenderClient {
	return &RenderClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// Blur renders the source video with the detected faces blurred
func (c *RenderClient) Blur(ctx context.Context, req *BlurRequest) (*BlurResponse, error) {
	var result BlurResponse
	if err := c.post(ctx, "/v1/blur", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks if the renderer is available
func (c *RenderClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("renderer unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response
func (c *RenderClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	log.Printf("[Renderer] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Renderer] ✗ %s %s: request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Renderer] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{Service: "renderer", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %v: %w", err, ErrMalformedResponse)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *RenderClient) IsConfigured() bool {
	return c.baseURL != ""
}
