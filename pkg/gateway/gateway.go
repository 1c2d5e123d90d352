package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"openviber/pkg/wire"
)

// Gateway is the central multiplexer: it owns all in-memory state, the
// daemon-facing framed socket, and the HTTP/SSE surface exposed to web
// clients. One Gateway serves exactly one TCP listener.
type Gateway struct {
	State *State

	bearerToken    string
	allowedOrigins map[string]struct{} // empty = allow any

	writeMu sync.Map // nodeID -> *sync.Mutex, gorilla/websocket forbids concurrent writers

	metrics *Metrics

	// onTaskStream, when set, is notified of every text-delta/done/error
	// a task produces, keyed by taskID. It lets a channel-plugin manager
	// (pkg/channels.Manager.DispatchByTask) mirror gateway task output
	// into whatever platform conversation started it, without pkg/gateway
	// importing pkg/channels.
	onTaskStream func(taskID, kind, delta, errMsg string)
}

// WithTaskStreamHook registers a callback invoked for every text-delta,
// done, and error a task produces.
func WithTaskStreamHook(hook func(taskID, kind, delta, errMsg string)) Option {
	return func(g *Gateway) { g.onTaskStream = hook }
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithBearerToken requires daemons to present this token on /ws upgrade.
func WithBearerToken(token string) Option {
	return func(g *Gateway) { g.bearerToken = token }
}

// WithAllowedOrigins restricts /ws upgrades to the given Origin values. An
// empty list (the default) allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(g *Gateway) {
		for _, o := range origins {
			g.allowedOrigins[o] = struct{}{}
		}
	}
}

// New constructs a Gateway with empty state.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		State:          NewState(),
		allowedOrigins: make(map[string]struct{}),
		metrics:        NewMetrics(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// lockFor returns the per-node write mutex, creating it on first use.
func (g *Gateway) lockFor(nodeID string) *sync.Mutex {
	v, _ := g.writeMu.LoadOrStore(nodeID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// sendFrame writes a JSON frame to the node's socket under its write lock.
func (g *Gateway) sendFrame(n *Node, payload any) error {
	b, err := wire.Encode(payload)
	if err != nil {
		return err
	}
	lock := g.lockFor(n.ID)
	lock.Lock()
	defer lock.Unlock()
	if n.Conn == nil {
		return fmt.Errorf("gateway: node %s has no live connection", n.ID)
	}
	return n.Conn.WriteMessage(websocket.TextMessage, b)
}

// SubmitTask creates a new pending task on nodeID and forwards task:submit.
// Returns ErrNoNode if the node is not connected.
func (g *Gateway) SubmitTask(nodeID, goal string, submit *wire.TaskSubmit) (*Task, error) {
	n, ok := g.State.GetNode(nodeID)
	if !ok || !n.IsConnected() {
		return nil, ErrNoNode
	}

	t := NewTask(submit.ID, nodeID, goal)
	g.State.PutTask(t)
	n.AddActiveTask(t.ID)
	g.metrics.tasksCreated.Inc()

	if err := g.sendFrame(n, submit); err != nil {
		return t, fmt.Errorf("gateway: forward task:submit: %w", err)
	}
	return t, nil
}

// StopTask moves the task to stopped locally, closes its stream
// subscribers, and sends task:stop to the owning node. Terminal states
// are sticky, so a later terminal frame from the daemon does not change
// the task's state.
func (g *Gateway) StopTask(taskID string) error {
	t, ok := g.State.GetTask(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	n, ok := g.State.GetNode(t.NodeID)
	if !ok {
		return ErrNoNode
	}
	t.TransitionTerminal(TaskStopped, nil, "", "")
	t.Stream.CloseSubscribers()
	return g.sendFrame(n, wire.NewTaskStop(taskID))
}

// MessageTask re-submits or injects a message into a task. The
// subscriber list is closed first so a new GET establishes a fresh
// stream.
func (g *Gateway) MessageTask(taskID, message string, mode wire.InterventionMode) error {
	t, ok := g.State.GetTask(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	n, ok := g.State.GetNode(t.NodeID)
	if !ok {
		return ErrNoNode
	}
	t.Stream.CloseSubscribers()
	return g.sendFrame(n, wire.NewTaskMessage(taskID, message, mode))
}

// PushConfig sends config:push to a node, demanding a config re-pull.
func (g *Gateway) PushConfig(nodeID string) error {
	n, ok := g.State.GetNode(nodeID)
	if !ok {
		return ErrNoNode
	}
	return g.sendFrame(n, wire.NewConfigPush())
}

// PushJob sends a scheduled-job definition to a node over the dedicated
// job:push frame type (wire.JobPush); the node's jobs loader parses the
// cron schedule and reports it back via jobs:list.
func (g *Gateway) PushJob(nodeID string, job *wire.JobPush) error {
	n, ok := g.State.GetNode(nodeID)
	if !ok {
		return ErrNoNode
	}
	return g.sendFrame(n, job)
}

// RequestStatus sends status:request to a node.
func (g *Gateway) RequestStatus(nodeID string) error {
	n, ok := g.State.GetNode(nodeID)
	if !ok {
		return ErrNoNode
	}
	return g.sendFrame(n, wire.NewStatusRequest())
}

// HandleNodeDisconnect removes the node, closes subscribers of every task
// it owned (leaving each task's state as last-known), and emits a
// system/warn event.
func (g *Gateway) HandleNodeDisconnect(n *Node) {
	g.State.RemoveNode(n)
	n.MarkDisconnected()

	for taskID := range n.ActiveTaskIDs {
		if t, ok := g.State.GetTask(taskID); ok {
			t.Stream.CloseSubscribers()
		}
	}

	ev := wire.NewSystemEvent("gateway", wire.SystemLevelWarn, fmt.Sprintf("node %s disconnected", n.ID))
	ev.NodeID = n.ID
	ev.NodeName = n.Name
	g.State.AppendSystemEvent(ev)
	g.metrics.nodeDisconnects.Inc()
	slog.Warn("node disconnected", "nodeId", n.ID, "nodeName", n.Name)
}

// Dispatch handles one decoded frame type arriving from a node. Unknown
// types are logged and ignored — they must never crash the gateway.
func (g *Gateway) Dispatch(n *Node, frameType string, raw []byte) {
	switch frameType {
	case wire.TypeTaskStarted:
		var f wire.TaskStarted
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed task:started", "error", err)
			return
		}
		if t, ok := g.State.GetTask(f.ID); ok {
			t.TransitionRunning()
		}

	case wire.TypeTaskProgress:
		var f wire.TaskProgress
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed task:progress", "error", err)
			return
		}
		if t, ok := g.State.GetTask(f.Envelope.TaskID); ok {
			t.AppendEvent(f.Envelope)
		}
		if g.onTaskStream != nil && f.Envelope.Event.Kind == wire.EventTextDelta {
			g.onTaskStream(f.Envelope.TaskID, "text-delta", f.Envelope.Event.Delta, "")
		}

	case wire.TypeTaskStreamChunk:
		var f wire.TaskStreamChunk
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed task:stream-chunk", "error", err)
			return
		}
		if t, ok := g.State.GetTask(f.ID); ok {
			t.Stream.Append([]byte(f.Data))
		}

	case wire.TypeTaskCompleted:
		var f wire.TaskCompleted
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed task:completed", "error", err)
			return
		}
		if t, ok := g.State.GetTask(f.ID); ok {
			var result any
			_ = wire.Decode(f.Result, &result)
			t.TransitionTerminal(TaskCompleted, result, "", "")
			t.Stream.CloseSubscribers()
			n.RemoveActiveTask(f.ID)
			g.metrics.tasksCompleted.Inc()
			if g.onTaskStream != nil {
				g.onTaskStream(f.ID, "done", "", "")
			}
		}

	case wire.TypeTaskError:
		var f wire.TaskError
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed task:error", "error", err)
			return
		}
		if t, ok := g.State.GetTask(f.ID); ok {
			t.TransitionTerminal(TaskError, nil, f.Error, f.Model)
			t.Stream.CloseSubscribers()
			n.RemoveActiveTask(f.ID)
			g.metrics.tasksFailed.Inc()
			if g.onTaskStream != nil {
				g.onTaskStream(f.ID, "error", "", f.Error)
			}
		}
		ev := wire.NewSystemEvent("task", wire.SystemLevelError, f.Error)
		ev.NodeID = n.ID
		g.State.AppendSystemEvent(ev)

	case wire.TypePing:
		_ = g.sendFrame(n, wire.NewPong())

	case wire.TypeHeartbeat:
		var f wire.Heartbeat
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed heartbeat", "error", err)
			return
		}
		n.MarkHeartbeat()
		n.Machine = f.Status.Machine
		n.ViberStatus = f.Status.ViberStatus

	case wire.TypeJobsList:
		var f wire.JobsList
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed jobs:list", "error", err)
			return
		}
		jobs := make([]any, 0, len(f.Jobs))
		for _, j := range f.Jobs {
			var v any
			_ = wire.Decode(j, &v)
			jobs = append(jobs, v)
		}
		n.Jobs = jobs

	case wire.TypeStatusReport:
		var f wire.StatusReport
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed status:report", "error", err)
			return
		}
		n.MarkHeartbeat()
		n.Machine = f.Status.Machine
		n.ViberStatus = f.Status.ViberStatus
		n.NotifyStatusReport()

	case wire.TypeConfigAck:
		var f wire.ConfigAck
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed config:ack", "error", err)
			return
		}
		n.ConfigState = ConfigState{
			ConfigVersion:    f.ConfigVersion,
			LastConfigPullAt: time.Now().UTC(),
			Validations:      f.Validations,
		}

	case wire.TypeSkillProvisionResult:
		var f wire.SkillProvisionResult
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("malformed skill:provision-result", "error", err)
			return
		}
		for i, sk := range n.Skills {
			if sk.ID == f.SkillID {
				n.Skills[i].Available = f.Ready
				n.Skills[i].Message = f.InstallLog
			}
		}

	case wire.TypeTerminalOutput, wire.TypeTerminalAttach, wire.TypeTerminalInput,
		wire.TypeTerminalResize, wire.TypeTerminalDetach:
		// Terminal multiplexing internals are an external collaborator;
		// this gateway only needs to not crash on them.

	default:
		slog.Warn("unknown frame type", "type", frameType, "nodeId", n.ID)
	}
}
