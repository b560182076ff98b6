// Package intake bridges task submissions arriving over NATS to the orchestrator.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/orchestrator"
)

// QueueGroup is shared by every orchestrator instance consuming submissions
const QueueGroup = "agentpool"

// Handle resolves once a submitted task finishes
type Handle interface {
	Wait(ctx context.Context) (*model.TaskResult, error)
}

// Submitter accepts tasks
type Submitter interface {
	Submit(ctx context.Context, task *model.Task) (Handle, error)
}

type coreSubmitter struct {
	core *orchestrator.Core
}

func (s coreSubmitter) Submit(ctx context.Context, task *model.Task) (Handle, error) {
	h, err := s.core.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// CoreSubmitter adapts the orchestrator core to Submitter
func CoreSubmitter(core *orchestrator.Core) Submitter {
	return coreSubmitter{core: core}
}

// Intake consumes task.submit and publishes task.result.<id>
type Intake struct {
	js        nats.JetStreamContext
	submitter Submitter
	publisher events.Publisher
	logger    *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an intake; the publisher's stream must carry task.>
func New(js nats.JetStreamContext, submitter Submitter, publisher events.Publisher, logger *zap.Logger) *Intake {
	return &Intake{
		js:        js,
		submitter: submitter,
		publisher: publisher,
		logger:    logger.Named("intake"),
	}
}

// Start subscribes to the submit subject
func (i *Intake) Start(ctx context.Context) error {
	i.ctx, i.cancel = context.WithCancel(ctx)

	sub, err := i.js.QueueSubscribe(events.SubjectTaskSubmit, QueueGroup, i.handleMessage,
		nats.DeliverNew(),
		nats.ManualAck(),
		nats.AckWait(30*time.Second))
	if err != nil {
		i.cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", events.SubjectTaskSubmit, err)
	}

	i.mu.Lock()
	i.sub = sub
	i.mu.Unlock()

	i.logger.Info("Task intake started",
		zap.String("subject", events.SubjectTaskSubmit),
		zap.String("queue", QueueGroup))
	return nil
}

// Unsubscribe stops accepting new submissions; tasks already accepted still report
func (i *Intake) Unsubscribe() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sub == nil {
		return
	}
	if err := i.sub.Unsubscribe(); err != nil {
		i.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	i.sub = nil
}

// Stop unsubscribes and waits for outstanding results until ctx ends
func (i *Intake) Stop(ctx context.Context) error {
	i.Unsubscribe()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	defer func() {
		if i.cancel != nil {
			i.cancel()
		}
	}()

	select {
	case <-done:
		i.logger.Info("Task intake stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Intake) handleMessage(msg *nats.Msg) {
	task, err := Decode(msg.Data)
	if err != nil {
		i.logger.Warn("Rejected task submission", zap.Error(err))
		i.ack(msg)
		i.publishFailure(peekID(msg.Data), err)
		return
	}

	handle, err := i.submitter.Submit(i.ctx, task)
	i.ack(msg)
	if err != nil {
		i.logger.Warn("Task submission failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		i.publishFailure(task.ID, err)
		return
	}

	i.logger.Debug("Task accepted", zap.String("task_id", task.ID))

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		result, err := handle.Wait(i.ctx)
		if result == nil {
			if err == nil {
				err = fmt.Errorf("task %s resolved without a result", task.ID)
			}
			i.publishFailure(task.ID, err)
			return
		}
		i.publishResult(result)
	}()
}

func (i *Intake) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		i.logger.Debug("Failed to ack submission", zap.Error(err))
	}
}

func (i *Intake) publishFailure(taskID string, cause error) {
	if taskID == "" {
		return
	}
	i.publishResult(&model.TaskResult{
		TaskID:      taskID,
		Status:      model.TaskStatusFailed,
		Error:       cause.Error(),
		CompletedAt: time.Now(),
	})
}

func (i *Intake) publishResult(result *model.TaskResult) {
	subject := ResultSubject(result.TaskID)
	if err := i.publisher.Publish(subject, result); err != nil {
		i.logger.Error("Failed to publish task result",
			zap.String("task_id", result.TaskID),
			zap.Error(err))
	}
}

// ResultSubject returns the subject a task's result is published on
func ResultSubject(taskID string) string {
	return events.SubjectTaskResult + "." + taskID
}

// peekID recovers the id of an undecodable submission when possible
func peekID(data []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.ID
}
