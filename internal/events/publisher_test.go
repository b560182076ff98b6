package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/testutil"
)

func TestNATSPublisher(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	publisher, err := NewNATSPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("Stream", func(t *testing.T) {
		require.NoError(t, testutil.WaitForStream(t, js, StreamName, 2*time.Second))

		stream, err := js.StreamInfo(StreamName)
		require.NoError(t, err)
		assert.Equal(t, StreamSubjects, stream.Config.Subjects)
	})

	t.Run("Idempotent setup", func(t *testing.T) {
		_, err := NewNATSPublisher(js, zaptest.NewLogger(t))
		require.NoError(t, err)
	})

	t.Run("Publish", func(t *testing.T) {
		require.NoError(t, publisher.Publish(SubjectAgentState, &model.Agent{
			ID:    "agent-000001",
			State: model.AgentStateIdle,
		}))

		msgs, err := testutil.ConsumeMessages(js, SubjectAgentState, 1, 2*time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, msgs)

		var agent model.Agent
		require.NoError(t, json.Unmarshal(msgs[0], &agent))
		assert.Equal(t, "agent-000001", agent.ID)
		assert.Equal(t, model.AgentStateIdle, agent.State)
	})
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish("anything", struct{}{}))
}
