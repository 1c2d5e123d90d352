package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openviber/pkg/wire"
)

func mustEncode(t *testing.T, payload any) []byte {
	t.Helper()
	b, err := wire.Encode(payload)
	require.NoError(t, err)
	return b
}

func TestGateway_Dispatch_HappyPathLifecycle(t *testing.T) {
	var streamed []string
	g := New(WithTaskStreamHook(func(taskID, kind, delta, errMsg string) {
		streamed = append(streamed, kind)
	}))

	n := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)
	g.State.PutNode(n)

	task := NewTask("task-1", n.ID, "summarize the doc")
	g.State.PutTask(task)
	n.AddActiveTask(task.ID)

	g.Dispatch(n, wire.TypeTaskStarted, mustEncode(t, wire.NewTaskStarted(task.ID, task.ID)))
	assert.Equal(t, TaskRunning, task.Snapshot())

	env := wire.NewEnvelope("ev-1", task.ID, 1, wire.AgentEvent{Kind: wire.EventTextDelta, Delta: "hello "})
	g.Dispatch(n, wire.TypeTaskProgress, mustEncode(t, wire.NewTaskProgress(env)))
	assert.Equal(t, "hello ", task.PartialText)
	require.Len(t, task.Events, 1)

	env2 := wire.NewEnvelope("ev-2", task.ID, 2, wire.AgentEvent{Kind: wire.EventTextDelta, Delta: "world"})
	g.Dispatch(n, wire.TypeTaskProgress, mustEncode(t, wire.NewTaskProgress(env2)))
	assert.Equal(t, "hello world", task.PartialText)

	result, err := wire.Encode(map[string]any{"text": "hello world"})
	require.NoError(t, err)
	g.Dispatch(n, wire.TypeTaskCompleted, mustEncode(t, wire.NewTaskCompleted(task.ID, result)))

	assert.Equal(t, TaskCompleted, task.Snapshot())
	_, stillActive := n.ActiveTaskIDs[task.ID]
	assert.False(t, stillActive)
	assert.Equal(t, []string{"text-delta", "text-delta", "done"}, streamed)
}

func TestGateway_Dispatch_StreamEmbeddedErrorSurfacesOnTaskError(t *testing.T) {
	var streamedErr string
	g := New(WithTaskStreamHook(func(taskID, kind, delta, errMsg string) {
		if kind == "error" {
			streamedErr = errMsg
		}
	}))

	n := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)
	g.State.PutNode(n)

	task := NewTask("task-1", n.ID, "goal")
	g.State.PutTask(task)
	n.AddActiveTask(task.ID)
	g.Dispatch(n, wire.TypeTaskStarted, mustEncode(t, wire.NewTaskStarted(task.ID, task.ID)))

	raw := []byte(`data: {"type":"error","errorText":"rate limited upstream"}` + "\n\n")
	g.Dispatch(n, wire.TypeTaskStreamChunk, mustEncode(t, wire.NewTaskStreamChunk(task.ID, raw)))

	task.Stream.mu.Lock()
	require.Len(t, task.Stream.chunks, 1)
	assert.Equal(t, raw, task.Stream.chunks[0])
	task.Stream.mu.Unlock()

	g.Dispatch(n, wire.TypeTaskError, mustEncode(t, wire.NewTaskError(task.ID, "rate limited upstream", "model-a")))

	assert.Equal(t, TaskError, task.Snapshot())
	assert.Equal(t, "rate limited upstream", task.ErrorMessage)
	assert.Equal(t, "rate limited upstream", streamedErr)

	events := g.State.ListSystemEvents()
	require.Len(t, events, 1)
	assert.Equal(t, wire.SystemLevelError, events[0].Level)
	assert.Equal(t, "rate limited upstream", events[0].Message)
}

func TestGateway_Dispatch_UnknownFrameTypeIsIgnored(t *testing.T) {
	g := New()
	n := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)
	g.State.PutNode(n)

	assert.NotPanics(t, func() {
		g.Dispatch(n, "some:unknown-type", []byte(`{"type":"some:unknown-type"}`))
	})
}

func TestGateway_HandleNodeDisconnect_ClosesTaskStreamsAndRemovesNode(t *testing.T) {
	g := New()
	n := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)
	g.State.PutNode(n)

	task := NewTask("task-1", n.ID, "goal")
	g.State.PutTask(task)
	n.AddActiveTask(task.ID)

	sub := task.Stream.Subscribe(&discardWriter{}, false)
	require.NotNil(t, sub)

	g.HandleNodeDisconnect(n)

	_, found := g.State.GetNode(n.ID)
	assert.False(t, found)
	assert.False(t, n.IsConnected())

	select {
	case <-sub.done:
	default:
		t.Fatal("expected task stream subscriber to be closed on node disconnect")
	}

	// task itself keeps its last-known state rather than being force-terminated
	assert.Equal(t, TaskPending, task.Snapshot())

	events := g.State.ListSystemEvents()
	require.Len(t, events, 1)
	assert.Equal(t, wire.SystemLevelWarn, events[0].Level)
	assert.Equal(t, n.ID, events[0].NodeID)
}

func TestGateway_HandleNodeDisconnect_DoesNotEvictReplacementNode(t *testing.T) {
	g := New()
	original := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)
	g.State.PutNode(original)

	replacement := NewNode("node-1", "node", "0.1.0", "linux", nil, nil)
	g.State.PutNode(replacement)
	assert.False(t, original.IsConnected())

	g.HandleNodeDisconnect(original)

	current, found := g.State.GetNode("node-1")
	require.True(t, found)
	assert.Same(t, replacement, current)
}

// discardWriter is a minimal http.ResponseWriter stand-in for exercising
// streamBuffer.Subscribe without a real HTTP round trip.
type discardWriter struct{}

func (discardWriter) Header() http.Header         { return http.Header{} }
func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) WriteHeader(int)             {}
