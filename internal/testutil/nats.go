// Package testutil runs an embedded NATS JetStream server for package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

const readyTimeout = 10 * time.Second

// NewServer builds an embedded server on a random loopback port with
// JetStream storing into storeDir. The caller starts it.
func NewServer(storeDir string) (*server.Server, error) {
	return server.NewServer(&server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 256,
		JetStream:      true,
		StoreDir:       storeDir,
	})
}

// SetupJetStream is StartJetStream for callers that only need the JetStream context.
func SetupJetStream(t *testing.T) (nats.JetStreamContext, func()) {
	t.Helper()

	_, js, cleanup := StartJetStream(t)
	return js, cleanup
}

// StartJetStream starts an embedded server and connects a client to it.
// The returned cleanup closes the client before shutting the server down.
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	s, err := NewServer(t.TempDir())
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(readyTimeout) {
		s.Shutdown()
		t.Fatal("Unable to start NATS server")
	}

	nc, err := nats.Connect(s.ClientURL(),
		nats.Name(t.Name()),
		nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
		s.WaitForShutdown()
	}

	return s, js, cleanup
}

// WaitForStream polls until the named stream exists.
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := js.StreamInfo(name)
		if err == nil {
			return nil
		}
		if err != nats.ErrStreamNotFound {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for stream %s", name)
}

// ConsumeMessages collects message payloads stored on subject. It returns as
// soon as want messages arrived, or whatever arrived once duration elapsed.
func ConsumeMessages(js nats.JetStreamContext, subject string, want int, duration time.Duration) ([][]byte, error) {
	msgCh := make(chan *nats.Msg, 100)
	sub, err := js.ChanSubscribe(subject, msgCh, nats.DeliverAll())
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	var messages [][]byte
	for {
		select {
		case msg := <-msgCh:
			messages = append(messages, msg.Data)
			if want > 0 && len(messages) >= want {
				return messages, nil
			}
		case <-timer.C:
			return messages, nil
		}
	}
}
