package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/orchestrator"
)

var testAgent = model.AgentRef{AgentID: "agent-000001", ProcessID: "p1"}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHTTPRequestHandler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Method", r.Method)
			w.Header().Set("X-Token", r.Header.Get("X-Token"))
			w.Write(body)
		default:
			http.Error(w, "missing", http.StatusNotFound)
		}
	}))
	defer server.Close()

	h := NewHTTPRequestHandler(zaptest.NewLogger(t))
	var _ orchestrator.TaskHandler = h

	out, err := h.Handle(context.Background(), testAgent, mustJSON(t, HTTPRequestPayload{
		URL:     server.URL + "/echo",
		Method:  "post",
		Headers: map[string]string{"X-Token": "abc"},
		Body:    "ping",
		Timeout: "5s",
	}))
	require.NoError(t, err)

	var resp HTTPResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ping", resp.Body)
	assert.Equal(t, "POST", resp.Headers["X-Method"])
	assert.Equal(t, "abc", resp.Headers["X-Token"])

	out, err = h.Handle(context.Background(), testAgent, mustJSON(t, HTTPRequestPayload{URL: server.URL + "/nope"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = h.Handle(context.Background(), testAgent, []byte(`{"method": "GET"}`))
	assert.Error(t, err)
	_, err = h.Handle(context.Background(), testAgent, mustJSON(t, HTTPRequestPayload{URL: server.URL, Timeout: "later"}))
	assert.Error(t, err)
}

func TestFileOperationHandler(t *testing.T) {
	base := t.TempDir()
	h, err := NewFileOperationHandler(zaptest.NewLogger(t), base)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.Handle(ctx, testAgent, mustJSON(t, FileOperationPayload{
		Operation: FileOperationWrite, SourcePath: "notes/a.txt", Content: "hello",
	}))
	require.NoError(t, err)

	out, err := h.Handle(ctx, testAgent, mustJSON(t, FileOperationPayload{
		Operation: FileOperationRead, SourcePath: "notes/a.txt",
	}))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = h.Handle(ctx, testAgent, mustJSON(t, FileOperationPayload{
		Operation: FileOperationCopy, SourcePath: "notes/a.txt", TargetPath: "copy/b.txt",
	}))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(base, "copy", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = h.Handle(ctx, testAgent, mustJSON(t, FileOperationPayload{
		Operation: FileOperationMove, SourcePath: "copy/b.txt", TargetPath: "moved/c.txt",
	}))
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(base, "copy", "b.txt"))
	assert.FileExists(t, filepath.Join(base, "moved", "c.txt"))

	out, err = h.Handle(ctx, testAgent, mustJSON(t, FileOperationPayload{Operation: FileOperationList, SourcePath: "."}))
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal(out, &names))
	assert.ElementsMatch(t, []string{"copy/", "moved/", "notes/"}, names)

	_, err = h.Handle(ctx, testAgent, mustJSON(t, FileOperationPayload{Operation: FileOperationDelete, SourcePath: "notes/a.txt"}))
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(base, "notes", "a.txt"))
}

func TestFileOperationHandler_Rejects(t *testing.T) {
	h, err := NewFileOperationHandler(zaptest.NewLogger(t), t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload FileOperationPayload
		msg     string
	}{
		{"escape source", FileOperationPayload{Operation: FileOperationRead, SourcePath: "../etc/passwd"}, "escapes"},
		{"escape target", FileOperationPayload{Operation: FileOperationCopy, SourcePath: "a", TargetPath: "../../b"}, "escapes"},
		{"missing target", FileOperationPayload{Operation: FileOperationMove, SourcePath: "a"}, "target path"},
		{"unknown", FileOperationPayload{Operation: "archive", SourcePath: "a"}, "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Handle(ctx, testAgent, mustJSON(t, tt.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

type fakeTester struct {
	result *model.ConnectionResult
	err    error
	names  []string
}

func (f *fakeTester) TestConnection(_ context.Context, name string) (*model.ConnectionResult, error) {
	f.names = append(f.names, name)
	return f.result, f.err
}

func TestServiceProbeHandler(t *testing.T) {
	tester := &fakeTester{result: &model.ConnectionResult{Name: "filesystem", Success: true, LatencyMs: 12}}
	h := NewServiceProbeHandler(zaptest.NewLogger(t), tester)
	ctx := context.Background()

	out, err := h.Handle(ctx, testAgent, []byte(`{"name": "fs"}`))
	require.NoError(t, err)
	var result model.ConnectionResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Success)
	assert.Equal(t, int64(12), result.LatencyMs)
	assert.Equal(t, []string{"fs"}, tester.names)

	tester.result = &model.ConnectionResult{Name: "filesystem", Error: "exit status 1"}
	out, err = h.Handle(ctx, testAgent, []byte(`{"name": "fs"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.NotEmpty(t, out)

	tester.err = errors.New("service not found")
	_, err = h.Handle(ctx, testAgent, []byte(`{"name": "ghost"}`))
	assert.EqualError(t, err, "service not found")

	_, err = h.Handle(ctx, testAgent, []byte(`{}`))
	assert.Error(t, err)
}
