// Package remote executes jobs through a third-party generation API. The
// worker's part of the attempt ends once the provider accepts the request;
// the terminal outcome arrives later via webhook or the fallback poller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sentinel errors for provider API failures.
var (
	ErrProviderUnreachable   = errors.New("provider unreachable")
	ErrProviderThrottled     = errors.New("provider throttled")
	ErrProviderRejectedInput = errors.New("provider rejected input")
	ErrProviderInternal      = errors.New("provider internal error")
	ErrGenerationNotFound    = errors.New("generation not found")
)

// GenerationState is the provider's lifecycle for one generation request.
type GenerationState string

const (
	StateQueued     GenerationState = "queued"
	StateProcessing GenerationState = "processing"
	StateSucceeded  GenerationState = "succeeded"
	StateFailed     GenerationState = "failed"
)

// Generation is the provider's view of one request.
type Generation struct {
	ID             string          `json:"id"`
	State          GenerationState `json:"state"`
	ResultURL      string          `json:"result_url,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	// InputRejected marks failures our retries cannot fix.
	InputRejected bool `json:"input_rejected,omitempty"`
}

// CreateGenerationRequest submits one generation to the provider.
type CreateGenerationRequest struct {
	Prompt  string `json:"prompt"`
	Samples int    `json:"samples,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`
	// ClientReference carries our job token so webhook payloads can be
	// matched even before the provider ID is persisted.
	ClientReference string `json:"client_reference,omitempty"`
}

// Provider is the generation API surface the strategy and poller need.
type Provider interface {
	CreateGeneration(ctx context.Context, req CreateGenerationRequest) (*Generation, error)
	GetGeneration(ctx context.Context, id string) (*Generation, error)
}

// HTTPProvider implements Provider against the provider's HTTP API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) CreateGeneration(ctx context.Context, req CreateGenerationRequest) (*Generation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding generation request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/generations", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var gen Generation
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("decoding generation response: %w", err)
	}
	if gen.ID == "" {
		return nil, fmt.Errorf("%w: response has no generation id", ErrProviderInternal)
	}
	return &gen, nil
}

func (p *HTTPProvider) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	u := fmt.Sprintf("%s/v1/generations/%s", p.baseURL, id)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrGenerationNotFound
	}
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var gen Generation
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("decoding generation response: %w", err)
	}
	return &gen, nil
}

func (p *HTTPProvider) setHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

// classifyStatus maps non-2xx responses to sentinel errors, keeping the body
// tail for logs.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrProviderThrottled, detail)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrProviderRejectedInput, detail)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrProviderInternal, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrProviderInternal, resp.StatusCode, detail)
	}
}
