package channels

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	nextID    int
	submitted []string
	messaged  []string
	stopped   []string
	submitErr error
}

func (f *fakeSubmitter) SubmitTask(nodeID, goal string, meta map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	id := fmt.Sprintf("task-%d", f.nextID)
	f.submitted = append(f.submitted, goal)
	return id, nil
}

func (f *fakeSubmitter) MessageTask(taskID, message, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messaged = append(f.messaged, taskID+":"+mode)
	return nil
}

func (f *fakeSubmitter) StopTask(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, taskID)
	return nil
}

type fakeChannel struct {
	id       string
	mu       sync.Mutex
	streamed []AgentStreamEvent
}

func (f *fakeChannel) ID() string                  { return f.id }
func (f *fakeChannel) Start() error                { return nil }
func (f *fakeChannel) Stop() error                 { return nil }
func (f *fakeChannel) HandleMessage(InboundMessage) {}
func (f *fakeChannel) Stream(conversationID string, ev AgentStreamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamed = append(f.streamed, ev)
	return nil
}

func TestManager_HandleInbound_StartsTaskThenFollowsUp(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewManager(sub, "")
	ch := &fakeChannel{id: "web"}
	m.Register(ch)

	m.HandleInbound(InboundMessage{ChannelID: "web", ConversationID: "c1", UserID: "u1", Content: "hello"})
	m.HandleInbound(InboundMessage{ChannelID: "web", ConversationID: "c1", UserID: "u1", Content: "again"})

	require.Len(t, sub.submitted, 1)
	assert.Equal(t, "hello", sub.submitted[0])
	require.Len(t, sub.messaged, 1)
	assert.Equal(t, "task-1:followup", sub.messaged[0])
}

func TestManager_DispatchByTask_BuffersAndFlushesOnDone(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewManager(sub, "")
	ch := &fakeChannel{id: "web"}
	m.Register(ch)

	m.HandleInbound(InboundMessage{ChannelID: "web", ConversationID: "c1", Content: "go"})
	taskID := "task-1"

	m.DispatchByTask(taskID, AgentStreamEvent{Type: "text-delta", Delta: "hi "})
	m.DispatchByTask(taskID, AgentStreamEvent{Type: "text-delta", Delta: "there"})
	m.DispatchByTask(taskID, AgentStreamEvent{Type: "done"})

	require.Len(t, ch.streamed, 2)
	assert.Equal(t, "text-delta", ch.streamed[0].Type)
	assert.Equal(t, "hi there", ch.streamed[0].Delta)
	assert.Equal(t, "done", ch.streamed[1].Type)

	// taskConvs entry is released on done; a second dispatch for the same
	// task id is silently dropped rather than replaying the flush.
	ch.streamed = nil
	m.DispatchByTask(taskID, AgentStreamEvent{Type: "text-delta", Delta: "late"})
	assert.Empty(t, ch.streamed)
}

func TestManager_DispatchByTask_UnknownTaskIsIgnored(t *testing.T) {
	m := NewManager(&fakeSubmitter{}, "")
	m.DispatchByTask("no-such-task", AgentStreamEvent{Type: "text-delta", Delta: "x"})
}

func TestManager_DispatchByTask_ErrorDropsBufferAndReleasesConversation(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewManager(sub, "")
	ch := &fakeChannel{id: "web"}
	m.Register(ch)

	m.HandleInbound(InboundMessage{ChannelID: "web", ConversationID: "c1", Content: "go"})
	m.DispatchByTask("task-1", AgentStreamEvent{Type: "text-delta", Delta: "partial"})
	m.DispatchByTask("task-1", AgentStreamEvent{Type: "error", Error: "boom"})

	require.Len(t, ch.streamed, 1)
	assert.Equal(t, "error", ch.streamed[0].Type)
	assert.Equal(t, "boom", ch.streamed[0].Error)

	// Conversation was released, so a new inbound message starts a fresh task.
	m.HandleInbound(InboundMessage{ChannelID: "web", ConversationID: "c1", Content: "retry"})
	require.Len(t, sub.submitted, 2)
}

func TestManager_HandleInterrupt(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewManager(sub, "")
	m.Register(&fakeChannel{id: "web"})

	err := m.HandleInterrupt("missing")
	assert.Error(t, err)

	m.HandleInbound(InboundMessage{ChannelID: "web", ConversationID: "c1", Content: "go"})
	require.NoError(t, m.HandleInterrupt("c1"))
	assert.Equal(t, []string{"task-1"}, sub.stopped)
}

func TestManager_SetLimit(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewManager(sub, "")
	ch := &fakeChannel{id: "web"}
	m.Register(ch)
	m.SetLimit("web", 4)

	m.HandleInbound(InboundMessage{ChannelID: "web", ConversationID: "c1", Content: "go"})
	m.DispatchByTask("task-1", AgentStreamEvent{Type: "text-delta", Delta: "abcdefgh"})
	m.DispatchByTask("task-1", AgentStreamEvent{Type: "done"})

	// chunked into 4-character pieces plus a trailing done marker
	var deltas []string
	for _, ev := range ch.streamed {
		if ev.Type == "text-delta" {
			deltas = append(deltas, ev.Delta)
		}
	}
	assert.Equal(t, []string{"abcd", "efgh"}, deltas)
}
