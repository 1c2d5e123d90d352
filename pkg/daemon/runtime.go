// Package daemon implements the node-side controller: the outbound socket
// to the gateway, reconnect/heartbeat, and the per-task runtime state
// machine with its intervention queues.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"openviber/pkg/wire"
)

// Message is one role/content pair in a task's persisted history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnResult is what a single turn produces on natural completion.
type TurnResult struct {
	Text  string
	Model string
}

// Executor runs one turn of the agent loop: given the message history, it
// streams AgentEvents via onEvent and the verbatim upstream SSE bytes
// those events were decoded from via onRaw, then returns the turn's final
// text and model, or an error. onRaw lets the runtime sniff in-band error
// frames the transport embeds and then closes over normally, and lets the
// gateway mirror the raw stream to HTTP subscribers byte-for-byte.
// Cancelling ctx must abort the underlying call and return a
// context.Canceled-wrapping error. The concrete LLM-calling implementation
// is an external collaborator; this package only drives the state machine
// around whatever Executor is supplied.
type Executor interface {
	RunTurn(ctx context.Context, history []Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (TurnResult, error)
}

// RuntimeState is the daemon-side per-task lifecycle state.
type RuntimeState string

const (
	StateIdle               RuntimeState = "idle"
	StateExecuting          RuntimeState = "executing"
	StateDrainInterventions RuntimeState = "drain_interventions"
	StateDone               RuntimeState = "done"
)

// Callbacks wires a Runtime's observable effects back out to the
// controller, which forwards them as wire frames.
type Callbacks struct {
	OnEnvelope    func(wire.Envelope)
	OnStreamChunk func(data []byte)
	OnCompleted   func(result any)
	OnError       func(errMsg, model string)
}

type command struct {
	stop      bool
	intervene bool
	message   string
	mode      wire.InterventionMode
}

// Runtime is one task's daemon-side state machine: a single goroutine
// ("mailbox" pattern) serializes all state transitions so
// no locks are needed on the hot path. Interventions and stop requests are
// queued through the single `cmds` channel.
type Runtime struct {
	ID       string
	Goal     string
	executor Executor
	cb       Callbacks

	cmds chan command

	mu        sync.Mutex
	state     RuntimeState
	history   []Message
	followup  []string // FIFO
	collect   []string // coalescing buffer
	lastModel string
	sequence  uint64

	sniffer ErrorSniffer
}

// NewRuntime constructs a pending runtime for a task. Call Start to begin
// the turn loop.
func NewRuntime(id, goal string, executor Executor, cb Callbacks) *Runtime {
	return &Runtime{
		ID: id, Goal: goal, executor: executor, cb: cb,
		cmds:  make(chan command, 8),
		state: StateIdle,
	}
}

// Intervene enqueues a new message under the given mode. Safe to call
// concurrently; delivery order across calls is preserved.
func (rt *Runtime) Intervene(message string, mode wire.InterventionMode) {
	rt.cmds <- command{intervene: true, message: message, mode: mode}
}

// Stop requests the task abort without emitting a completion event.
func (rt *Runtime) Stop() {
	rt.cmds <- command{stop: true}
}

// State returns the current lifecycle state.
func (rt *Runtime) State() RuntimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *Runtime) setState(s RuntimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

type turnOutcome struct {
	result TurnResult
	err    error
}

// Start runs the turn loop until the task reaches `done`. Intended to be
// invoked as `go rt.Start(ctx)`.
func (rt *Runtime) Start(ctx context.Context) {
	if rt.executor == nil {
		rt.finishError(ErrNoExecutor)
		return
	}
	rt.mu.Lock()
	rt.history = append(rt.history, Message{Role: "user", Content: rt.Goal})
	rt.mu.Unlock()

	for {
		turnCtx, cancel := context.WithCancel(ctx)
		rt.setState(StateExecuting)

		rt.mu.Lock()
		historyCopy := append([]Message(nil), rt.history...)
		rt.mu.Unlock()

		resultCh := make(chan turnOutcome, 1)
		go func() {
			res, err := rt.executor.RunTurn(turnCtx, historyCopy, rt.emitEvent, rt.observeRaw)
			resultCh <- turnOutcome{res, err}
		}()

		steered := false
		stopped := false
		var outcome turnOutcome

	waitLoop:
		for {
			select {
			case cmd := <-rt.cmds:
				if cmd.stop {
					cancel()
					stopped = true
					continue
				}
				if cmd.intervene {
					switch cmd.mode {
					case wire.ModeSteer:
						rt.mu.Lock()
						rt.followup = append([]string{cmd.message}, rt.followup...)
						rt.mu.Unlock()
						cancel()
						steered = true
					case wire.ModeFollowup:
						rt.mu.Lock()
						rt.followup = append(rt.followup, cmd.message)
						rt.mu.Unlock()
					case wire.ModeCollect:
						rt.mu.Lock()
						rt.collect = append(rt.collect, cmd.message)
						rt.mu.Unlock()
					}
				}
			case outcome = <-resultCh:
				if len(rt.cmds) > 0 {
					// Apply commands queued before the result was read;
					// the outcome is read again once the queue is empty.
					resultCh <- outcome
					continue
				}
				break waitLoop
			}
		}
		cancel()

		if stopped {
			// External stop: abort and delete, no completion event.
			return
		}

		if outcome.err != nil {
			if steered && isAbortErr(outcome.err) {
				rt.emitEvent(wire.AgentEvent{Kind: wire.EventStateChange, State: "interrupted"})
				// fall through to drain — the steered message is already
				// prepended to followup.
			} else {
				rt.finishError(outcome.err)
				return
			}
		} else {
			rt.mu.Lock()
			rt.history = append(rt.history, Message{Role: "assistant", Content: outcome.result.Text})
			rt.lastModel = outcome.result.Model
			rt.mu.Unlock()
		}

		rt.setState(StateDrainInterventions)

		rt.mu.Lock()
		var next string
		hasNext := false
		if len(rt.followup) > 0 {
			next = rt.followup[0]
			rt.followup = rt.followup[1:]
			hasNext = true
		} else if len(rt.collect) > 0 {
			next = joinLines(rt.collect)
			rt.collect = nil
			hasNext = true
		}
		rt.mu.Unlock()

		if !hasNext {
			if outcome.err == nil {
				rt.finishCompleted(outcome.result)
			}
			return
		}

		rt.mu.Lock()
		rt.history = append(rt.history, Message{Role: "user", Content: next})
		rt.mu.Unlock()
	}
}

func joinLines(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}

func isAbortErr(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (rt *Runtime) emitEvent(ev wire.AgentEvent) {
	seq := atomic.AddUint64(&rt.sequence, 1)
	env := wire.NewEnvelope(uuid.NewString(), rt.ID, seq, ev)
	if rt.cb.OnEnvelope != nil {
		rt.cb.OnEnvelope(env)
	}
}

// observeRaw is the Executor's onRaw callback: every chunk is sniffed for
// an in-band error frame and forwarded verbatim to the gateway's raw
// stream buffer.
func (rt *Runtime) observeRaw(chunk []byte) {
	rt.sniffer.Observe(chunk)
	if rt.cb.OnStreamChunk != nil {
		rt.cb.OnStreamChunk(chunk)
	}
}

func (rt *Runtime) finishCompleted(result TurnResult) {
	rt.setState(StateDone)
	rt.emitEvent(wire.AgentEvent{Kind: wire.EventDone})
	if rt.cb.OnCompleted != nil {
		rt.cb.OnCompleted(map[string]any{"text": result.Text})
	}
}

func (rt *Runtime) finishError(err error) {
	rt.setState(StateDone)
	rt.mu.Lock()
	model := rt.lastModel
	rt.mu.Unlock()
	err = rt.sniffer.Remap(err)
	rt.emitEvent(wire.AgentEvent{Kind: wire.EventError, Error: err.Error()})
	if rt.cb.OnError != nil {
		rt.cb.OnError(err.Error(), model)
	}
}

// ErrNoExecutor is the error reported through OnError when a Runtime is
// started without an Executor.
var ErrNoExecutor = fmt.Errorf("daemon: runtime has no executor")
