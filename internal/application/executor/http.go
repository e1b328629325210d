package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/DNYoussef/spek-swarm-go/internal/shared"
)

// HTTPExecutorConfig configures an HTTPExecutor.
type HTTPExecutorConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// HTTPExecutor delegates execution to a collaborator service over HTTP.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

type executeRequest struct {
	PayloadRef string `json:"payloadRef"`
}

type executeResponse struct {
	Success      bool   `json:"success"`
	ResultRef    string `json:"resultRef"`
	ErrorMessage string `json:"errorMessage"`
}

// NewHTTPExecutor creates an executor that POSTs payloads to the endpoint.
func NewHTTPExecutor(cfg HTTPExecutorConfig, log *zap.Logger) *HTTPExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &HTTPExecutor{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log,
	}
}

// Execute POSTs the payload reference and decodes the collaborator's verdict.
// Transport and decode errors surface as failed results so the caller can
// vote reject instead of stalling the attempt.
func (e *HTTPExecutor) Execute(ctx context.Context, payloadRef string) (shared.ExecutionResult, error) {
	body, err := json.Marshal(executeRequest{PayloadRef: payloadRef})
	if err != nil {
		return shared.ExecutionResult{Success: false, ErrorMessage: err.Error()}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return shared.ExecutionResult{Success: false, ErrorMessage: err.Error()}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("executor request failed",
			zap.String("endpoint", e.endpoint),
			zap.Error(err))
		return shared.ExecutionResult{Success: false, ErrorMessage: err.Error()}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		msg := fmt.Sprintf("executor returned status %d: %s", resp.StatusCode, string(raw))
		e.log.Warn("executor rejected payload",
			zap.String("endpoint", e.endpoint),
			zap.Int("status", resp.StatusCode))
		return shared.ExecutionResult{Success: false, ErrorMessage: msg}, fmt.Errorf("%s", msg)
	}

	var result executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return shared.ExecutionResult{Success: false, ErrorMessage: err.Error()}, fmt.Errorf("JSON decode failed: %w", err)
	}

	return shared.ExecutionResult{
		Success:      result.Success,
		ResultRef:    result.ResultRef,
		ErrorMessage: result.ErrorMessage,
	}, nil
}
