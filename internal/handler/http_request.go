// Package handler provides the built-in named task handlers.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/model"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 1 << 20
)

// HTTPRequestPayload represents the payload for HTTP request tasks
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout string            `json:"timeout"`
}

// HTTPResponse is the output of an HTTP request task
type HTTPResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

// HTTPRequestHandler handles HTTP request tasks
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler
func NewHTTPRequestHandler(logger *zap.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		logger:     logger.Named("http-handler"),
		httpClient: &http.Client{},
	}
}

// Handle performs the HTTP request. Responses with status >= 400 fail the task.
func (h *HTTPRequestHandler) Handle(ctx context.Context, agent model.AgentRef, data []byte) ([]byte, error) {
	var payload HTTPRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}

	timeout := defaultHTTPTimeout
	if payload.Timeout != "" {
		d, err := time.ParseDuration(payload.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", payload.Timeout, err)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(payload.Method), payload.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("agent_id", agent.AgentID),
		zap.String("method", req.Method),
		zap.String("url", payload.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       string(respBody),
	}
	for key := range resp.Header {
		out.Headers[key] = resp.Header.Get(key)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return encoded, fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}
	return encoded, nil
}
