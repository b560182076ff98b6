package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/orchestrator"
	"github.com/t77yq/agentpool/internal/testutil"
)

type fakeHandle struct {
	result *model.TaskResult
	err    error
	ready  chan struct{}
}

func (h *fakeHandle) Wait(ctx context.Context) (*model.TaskResult, error) {
	select {
	case <-h.ready:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []*model.Task
	err   error
}

func (s *fakeSubmitter) Submit(_ context.Context, task *model.Task) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)

	h := &fakeHandle{ready: make(chan struct{})}
	h.result = &model.TaskResult{
		TaskID:      task.ID,
		AgentID:     "agent-000001",
		Status:      model.TaskStatusCompleted,
		Output:      []byte("ok"),
		CompletedAt: time.Now(),
	}
	close(h.ready)
	return h, nil
}

func (s *fakeSubmitter) submitted() []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Task(nil), s.tasks...)
}

func startIntake(t *testing.T, submitter Submitter) (nats.JetStreamContext, *Intake) {
	t.Helper()

	js, cleanup := testutil.SetupJetStream(t)
	t.Cleanup(cleanup)

	publisher, err := events.NewNATSPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	in := New(js, submitter, publisher, zaptest.NewLogger(t))
	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		in.Stop(ctx)
	})
	return js, in
}

func nextResult(t *testing.T, sub *nats.Subscription) (*nats.Msg, model.TaskResult) {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var result model.TaskResult
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	return msg, result
}

func TestIntake_SubmitAndResult(t *testing.T) {
	submitter := &fakeSubmitter{}
	js, _ := startIntake(t, submitter)

	sub, err := js.SubscribeSync(ResultSubject("job-1"), nats.DeliverNew())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = js.Publish(events.SubjectTaskSubmit,
		[]byte(`{"id": "job-1", "priority": "low", "command": {"command": "echo", "args": ["x"]}}`))
	require.NoError(t, err)

	msg, result := nextResult(t, sub)
	assert.Equal(t, "task.result.job-1", msg.Subject)
	assert.Equal(t, "job-1", result.TaskID)
	assert.Equal(t, model.TaskStatusCompleted, result.Status)
	assert.Equal(t, "ok", string(result.Output))

	tasks := submitter.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskPriorityLow, tasks[0].Priority)
}

func TestIntake_InvalidEnvelope(t *testing.T) {
	submitter := &fakeSubmitter{}
	js, _ := startIntake(t, submitter)

	sub, err := js.SubscribeSync(ResultSubject("bad-1"), nats.DeliverNew())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = js.Publish(events.SubjectTaskSubmit, []byte(`{"id": "bad-1", "priority": "urgent", "command": {"command": "ls"}}`))
	require.NoError(t, err)

	_, result := nextResult(t, sub)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Contains(t, result.Error, "unknown priority")
	assert.Empty(t, submitter.submitted())
}

func TestIntake_SubmitRejected(t *testing.T) {
	submitter := &fakeSubmitter{err: &orchestrator.QueueOverflowError{Limit: 1}}
	js, _ := startIntake(t, submitter)

	sub, err := js.SubscribeSync(ResultSubject("full-1"), nats.DeliverNew())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = js.Publish(events.SubjectTaskSubmit, []byte(`{"id": "full-1", "handler": {"name": "noop"}}`))
	require.NoError(t, err)

	_, result := nextResult(t, sub)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.NotEmpty(t, result.Error)
	assert.True(t, errors.Is(submitter.err, orchestrator.ErrQueueFull))
}

func TestIntake_StopIsIdempotent(t *testing.T) {
	_, in := startIntake(t, &fakeSubmitter{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, in.Stop(ctx))
	in.Unsubscribe()
}

func TestPeekID(t *testing.T) {
	assert.Equal(t, "a", peekID([]byte(`{"id": "a", "priority": 7}`)))
	assert.Empty(t, peekID([]byte(`nope`)))
}
