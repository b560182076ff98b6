// Package events publishes orchestrator events onto NATS JetStream.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName = "AGENTPOOL"

	SubjectAgentState   = "agent.state"
	SubjectProcessEvent = "process.event"
	SubjectMetrics      = "metrics.agents"
	SubjectServiceState = "service.health"
	SubjectTaskSubmit   = "task.submit"
	SubjectTaskResult   = "task.result"
	SubjectAlertPrefix  = "alert"

	streamMaxAge = 24 * time.Hour
)

// StreamSubjects lists every subject family carried by the stream.
var StreamSubjects = []string{"agent.>", "process.>", "metrics.>", "service.>", "task.>", "alert.>"}

// Publisher publishes a JSON-encoded value on a subject
type Publisher interface {
	Publish(subject string, v interface{}) error
}

// NATSPublisher publishes events through a JetStream context
type NATSPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher and makes sure the stream exists
func NewNATSPublisher(js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		js:     js,
		logger: logger.Named("events"),
	}
	if err := p.ensureStream(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	info, err := p.js.StreamInfo(StreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if info == nil {
		_, err = p.js.AddStream(&nats.StreamConfig{
			Name:       StreamName,
			Subjects:   StreamSubjects,
			Retention:  nats.LimitsPolicy,
			MaxAge:     streamMaxAge,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			Discard:    nats.DiscardOld,
			MaxMsgSize: 1 * 1024 * 1024,
			Storage:    nats.FileStorage,
			Replicas:   1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
		}
		p.logger.Info("Created stream", zap.String("name", StreamName))
		return nil
	}

	config := info.Config
	config.Subjects = StreamSubjects
	config.MaxAge = streamMaxAge
	if _, err := p.js.UpdateStream(&config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", StreamName, err)
	}
	p.logger.Info("Updated stream", zap.String("name", StreamName))
	return nil
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return err
	}
	return nil
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(string, interface{}) error { return nil }

var _ Publisher = (*NATSPublisher)(nil)
var _ Publisher = Nop{}
