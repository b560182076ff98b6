package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/model"
)

// ConnectionTester probes a discovered service by name
type ConnectionTester interface {
	TestConnection(ctx context.Context, name string) (*model.ConnectionResult, error)
}

// ServiceProbePayload names the service to probe
type ServiceProbePayload struct {
	Name string `json:"name"`
}

// ServiceProbeHandler runs a connection test against a discovered service
type ServiceProbeHandler struct {
	logger *zap.Logger
	tester ConnectionTester
}

// NewServiceProbeHandler creates a new service probe handler
func NewServiceProbeHandler(logger *zap.Logger, tester ConnectionTester) *ServiceProbeHandler {
	return &ServiceProbeHandler{
		logger: logger.Named("probe-handler"),
		tester: tester,
	}
}

// Handle probes the service; an unsuccessful probe fails the task but still
// returns the connection result.
func (h *ServiceProbeHandler) Handle(ctx context.Context, agent model.AgentRef, data []byte) ([]byte, error) {
	var payload ServiceProbePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}

	result, err := h.tester.TestConnection(ctx, payload.Name)
	if err != nil {
		return nil, err
	}

	h.logger.Debug("Service probed",
		zap.String("agent_id", agent.AgentID),
		zap.String("service", result.Name),
		zap.Bool("success", result.Success))

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	if !result.Success {
		return out, fmt.Errorf("service %s probe failed: %s", result.Name, result.Error)
	}
	return out, nil
}
