package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openviber/pkg/wire"
)

type turnFunc func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error)

// fakeExecutor replays one turnFunc per call, recording the history it was
// handed so tests can assert what the runtime threaded through.
type fakeExecutor struct {
	mu       sync.Mutex
	steps    []turnFunc
	calls    int
	seenHist [][]Message
}

func (f *fakeExecutor) RunTurn(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.seenHist = append(f.seenHist, append([]Message(nil), history...))
	f.mu.Unlock()
	return f.steps[i](ctx, history, onEvent, onRaw)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestRuntime_HappyPathCompletes(t *testing.T) {
	exec := &fakeExecutor{steps: []turnFunc{
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			onEvent(wire.AgentEvent{Kind: wire.EventTextDelta, Delta: "hi"})
			return TurnResult{Text: "hi", Model: "model-a"}, nil
		},
	}}

	completed := make(chan struct{})
	var result any
	rt := NewRuntime("t1", "do the thing", exec, Callbacks{
		OnCompleted: func(r any) { result = r; close(completed) },
		OnError:     func(string, string) { t.Fatal("OnError should not fire on happy path") },
	})

	go rt.Start(context.Background())
	waitFor(t, completed)

	assert.Equal(t, "hi", result.(map[string]any)["text"])
	assert.Equal(t, StateDone, rt.State())
}

func TestRuntime_StopAbortsWithoutTerminalCallback(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExecutor{steps: []turnFunc{
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			close(started)
			<-ctx.Done()
			return TurnResult{}, ctx.Err()
		},
	}}

	rt := NewRuntime("t1", "do the thing", exec, Callbacks{
		OnCompleted: func(any) { t.Fatal("OnCompleted should not fire on external stop") },
		OnError:     func(string, string) { t.Fatal("OnError should not fire on external stop") },
	})

	startDone := make(chan struct{})
	go func() {
		rt.Start(context.Background())
		close(startDone)
	}()

	waitFor(t, started)
	rt.Stop()
	waitFor(t, startDone)
}

func TestRuntime_SteerInterruptsAndReplaysFollowup(t *testing.T) {
	started := make(chan struct{})
	exec := &fakeExecutor{steps: []turnFunc{
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			close(started)
			<-ctx.Done()
			return TurnResult{}, ctx.Err()
		},
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			return TurnResult{Text: "final", Model: "model-b"}, nil
		},
	}}

	var envelopes []wire.Envelope
	var mu sync.Mutex
	completed := make(chan struct{})
	rt := NewRuntime("t1", "original goal", exec, Callbacks{
		OnEnvelope: func(env wire.Envelope) {
			mu.Lock()
			envelopes = append(envelopes, env)
			mu.Unlock()
		},
		OnCompleted: func(any) { close(completed) },
		OnError:     func(string, string) { t.Fatal("OnError should not fire") },
	})

	go rt.Start(context.Background())
	waitFor(t, started)
	rt.Intervene("steer now", wire.ModeSteer)
	waitFor(t, completed)

	require.Len(t, exec.seenHist, 2)
	last := exec.seenHist[1]
	assert.Equal(t, "steer now", last[len(last)-1].Content)

	mu.Lock()
	defer mu.Unlock()
	var sawInterrupted bool
	for _, env := range envelopes {
		if env.Event.Kind == wire.EventStateChange && env.Event.State == "interrupted" {
			sawInterrupted = true
		}
	}
	assert.True(t, sawInterrupted, "expected an interrupted state-change envelope after steer")
}

func TestRuntime_FollowupQueuesAfterCurrentTurn(t *testing.T) {
	proceed := make(chan struct{})
	exec := &fakeExecutor{steps: []turnFunc{
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			<-proceed
			return TurnResult{Text: "t1", Model: "model-a"}, nil
		},
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			return TurnResult{Text: "t2", Model: "model-a"}, nil
		},
	}}

	completed := make(chan struct{})
	rt := NewRuntime("t1", "goal", exec, Callbacks{
		OnCompleted: func(any) { close(completed) },
	})

	go rt.Start(context.Background())
	rt.Intervene("do this next", wire.ModeFollowup)
	close(proceed)
	waitFor(t, completed)

	require.Len(t, exec.seenHist, 2)
	last := exec.seenHist[1]
	assert.Equal(t, "do this next", last[len(last)-1].Content)
}

func TestRuntime_CollectCoalescesMultipleMessages(t *testing.T) {
	proceed := make(chan struct{})
	exec := &fakeExecutor{steps: []turnFunc{
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			<-proceed
			return TurnResult{Text: "t1", Model: "model-a"}, nil
		},
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			return TurnResult{Text: "t2", Model: "model-a"}, nil
		},
	}}

	completed := make(chan struct{})
	rt := NewRuntime("t1", "goal", exec, Callbacks{
		OnCompleted: func(any) { close(completed) },
	})

	go rt.Start(context.Background())
	rt.Intervene("part one", wire.ModeCollect)
	rt.Intervene("part two", wire.ModeCollect)
	close(proceed)
	waitFor(t, completed)

	require.Len(t, exec.seenHist, 2)
	last := exec.seenHist[1]
	assert.Equal(t, "part one\npart two", last[len(last)-1].Content)
}

func TestRuntime_ErrorSniffedFromRawStreamReplacesMessage(t *testing.T) {
	exec := &fakeExecutor{steps: []turnFunc{
		func(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error) {
			onRaw([]byte(`data: {"type":"error","errorText":"rate limited upstream"}` + "\n\n"))
			return TurnResult{}, errors.New("no output")
		},
	}}

	var chunks [][]byte
	var errMsg string
	errored := make(chan struct{})
	rt := NewRuntime("t1", "goal", exec, Callbacks{
		OnStreamChunk: func(data []byte) { chunks = append(chunks, data) },
		OnError: func(msg, model string) {
			errMsg = msg
			close(errored)
		},
	})

	go rt.Start(context.Background())
	waitFor(t, errored)

	require.Len(t, chunks, 1)
	assert.Contains(t, string(chunks[0]), "rate limited upstream")
	assert.Equal(t, "rate limited upstream", errMsg)
}
