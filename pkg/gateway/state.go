// Package gateway implements the central multiplexer: it accepts reverse
// connections from node daemons over a framed socket, holds all task and
// node state in memory, and exposes an HTTP/SSE control surface to web
// clients on the same listener.
package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"openviber/pkg/wire"
)

// TaskState is the gateway-side view of a task's lifecycle.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskError     TaskState = "error"
	TaskStopped   TaskState = "stopped"
)

// IsTerminal reports whether s is one of the sticky terminal states.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskError || s == TaskStopped
}

const (
	maxEventRing   = 500
	maxSystemRing  = 200
	maxPartialText = 20_000
)

// Task is a single conversational/agent session ("viber"), owned by exactly
// one node.
type Task struct {
	mu sync.Mutex

	ID       string
	NodeID   string
	Goal     string
	State    TaskState

	Events      []wire.Envelope // bounded ring, ≤ maxEventRing
	Stream      *streamBuffer
	PartialText string // bounded, ≤ maxPartialText, oldest truncated

	Result       any
	ErrorMessage string
	Model        string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// NewTask constructs a pending task owned by nodeID.
func NewTask(id, nodeID, goal string) *Task {
	return &Task{
		ID:        id,
		NodeID:    nodeID,
		Goal:      goal,
		State:     TaskPending,
		Stream:    newStreamBuffer(),
		CreatedAt: time.Now().UTC(),
	}
}

// AppendEvent appends a progress envelope to the bounded event ring,
// evicting the oldest entry when full. Events are appended even when the
// task is terminal; the task's state is never changed here.
func (t *Task) AppendEvent(env wire.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Events = append(t.Events, env)
	if len(t.Events) > maxEventRing {
		t.Events = t.Events[len(t.Events)-maxEventRing:]
	}

	if env.Event.Kind == wire.EventTextDelta {
		t.PartialText += env.Event.Delta
		if len(t.PartialText) > maxPartialText {
			t.PartialText = t.PartialText[len(t.PartialText)-maxPartialText:]
		}
	}
}

// TransitionRunning moves a pending task to running on task:started.
func (t *Task) TransitionRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == TaskPending {
		t.State = TaskRunning
	}
}

// TransitionTerminal moves the task into a terminal state exactly once;
// subsequent calls are no-ops, matching the "terminal states are sticky"
// invariant.
func (t *Task) TransitionTerminal(state TaskState, result any, errMsg, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State.IsTerminal() {
		return
	}
	t.State = state
	t.Result = result
	t.ErrorMessage = errMsg
	if model != "" {
		t.Model = model
	}
	now := time.Now().UTC()
	t.CompletedAt = &now
	if state == TaskCompleted {
		if text, ok := resultText(result); ok {
			t.PartialText = text
		}
	}
}

// Snapshot returns the current state under lock.
func (t *Task) Snapshot() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

func resultText(result any) (string, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := m["text"].(string)
	return text, ok
}

// Node is a connected daemon.
type Node struct {
	mu sync.RWMutex

	ID       string
	Name     string
	Version  string
	Platform string
	Arch     string

	Conn *websocket.Conn

	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	Capabilities    []string
	Skills          []SkillDescriptor
	Machine         any
	ViberStatus     any
	ConfigState     ConfigState
	ActiveTaskIDs   map[string]struct{}
	Jobs            []any

	connected bool

	statusMu      sync.Mutex
	statusWaiters []chan struct{}
}

// SkillDescriptor reports a skill's availability as sampled by telemetry.
type SkillDescriptor struct {
	ID        string `json:"id"`
	Available bool   `json:"available"`
	Message   string `json:"message,omitempty"`
}

// ConfigState is the daemon's acknowledged view of the deployment config.
type ConfigState struct {
	ConfigVersion    string             `json:"configVersion"`
	LastConfigPullAt time.Time          `json:"lastConfigPullAt"`
	Validations      []wire.Validation  `json:"validations"`
}

// NewNode constructs a freshly-connected node.
func NewNode(id, name, version, platform string, capabilities []string, conn *websocket.Conn) *Node {
	return &Node{
		ID: id, Name: name, Version: version, Platform: platform,
		Conn: conn, ConnectedAt: time.Now().UTC(), LastHeartbeatAt: time.Now().UTC(),
		Capabilities: capabilities, ActiveTaskIDs: make(map[string]struct{}), connected: true,
	}
}

func (n *Node) MarkHeartbeat() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.LastHeartbeatAt = time.Now().UTC()
}

func (n *Node) MarkDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = false
}

func (n *Node) IsConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

func (n *Node) AddActiveTask(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ActiveTaskIDs[taskID] = struct{}{}
}

func (n *Node) RemoveActiveTask(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.ActiveTaskIDs, taskID)
}

// AwaitStatusReport registers a waiter that NotifyStatusReport closes the
// next time a status:report frame arrives from this node, letting
// handleNodeStatus block for a live response instead of returning
// whatever the last heartbeat cached, labelling the response source
// live|heartbeat-cache|heartbeat-stale|unavailable.
func (n *Node) AwaitStatusReport() <-chan struct{} {
	ch := make(chan struct{})
	n.statusMu.Lock()
	n.statusWaiters = append(n.statusWaiters, ch)
	n.statusMu.Unlock()
	return ch
}

// NotifyStatusReport wakes every pending AwaitStatusReport waiter.
func (n *Node) NotifyStatusReport() {
	n.statusMu.Lock()
	waiters := n.statusWaiters
	n.statusWaiters = nil
	n.statusMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// State is the gateway's entire in-memory world: connected nodes, tasks,
// and the bounded system-event log. Each map is guarded by its own lock
// so per-object mutation stays serialised without the gateway ever
// holding a single global lock across an I/O-bound operation.
type State struct {
	nodesMu sync.RWMutex
	nodes   map[string]*Node

	tasksMu sync.RWMutex
	tasks   map[string]*Task

	eventsMu sync.Mutex
	events   []wire.SystemEvent
}

// NewState allocates an empty gateway state.
func NewState() *State {
	return &State{
		nodes: make(map[string]*Node),
		tasks: make(map[string]*Task),
	}
}

// PutNode registers a node, terminating any prior live socket under the
// same id first ("second wins; the first is terminated").
func (s *State) PutNode(n *Node) {
	s.nodesMu.Lock()
	prior, existed := s.nodes[n.ID]
	s.nodes[n.ID] = n
	s.nodesMu.Unlock()

	if existed && prior.IsConnected() {
		prior.MarkDisconnected()
		if prior.Conn != nil {
			_ = prior.Conn.Close()
		}
	}
}

func (s *State) GetNode(id string) (*Node, bool) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// RemoveNode deletes the node if it is still the one stored under id (a
// replaced node's own disconnect must not evict the new one).
func (s *State) RemoveNode(n *Node) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	if cur, ok := s.nodes[n.ID]; ok && cur == n {
		delete(s.nodes, n.ID)
	}
}

func (s *State) ListNodes() []*Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

func (s *State) PutTask(t *Task) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	s.tasks[t.ID] = t
}

func (s *State) GetTask(id string) (*Task, bool) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *State) ListTasks() []*Task {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// AppendSystemEvent appends to the bounded (≤200) system-event ring.
func (s *State) AppendSystemEvent(ev wire.SystemEvent) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > maxSystemRing {
		s.events = s.events[len(s.events)-maxSystemRing:]
	}
}

func (s *State) ListSystemEvents() []wire.SystemEvent {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	out := make([]wire.SystemEvent, len(s.events))
	copy(out, s.events)
	return out
}
