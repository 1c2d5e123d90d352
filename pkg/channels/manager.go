package channels

import (
	"fmt"
	"log/slog"
	"sync"

	"openviber/pkg/chunk"
)

// conversationState tracks one active conversation: which channel and
// task it's bound to, and the accumulated text-delta buffer awaiting
// flush. Grounded on the run-tracking RunContext in
// other_examples/6382c53b_...manager.go.go, narrowed to this system's
// single buffered-flush-on-done behavior (no tool-phase reset, no
// reaction channel — this fabric has no such concept).
type conversationState struct {
	mu        sync.Mutex
	channelID string
	taskID    string
	buffer    string
}

// Observer is notified of inbound and outbound conversation traffic as
// it passes through a Manager, independent of the channel it arrived on
// or will flush to. Used to drive an operator-facing console
// (pkg/monitor) without coupling the manager to any particular display.
type Observer interface {
	OnInbound(msg InboundMessage)
	OnAssistant(channelID, conversationID, content string)
}

// Manager owns the registered channels, the conversation → task
// association, and the limit table used to chunk flushed responses.
// Grounded on other_examples/6382c53b_...manager.go.go's Manager
// (sync.Map of run id → context, RWMutex-guarded channel map), adapted
// from a "routes to an outbound message bus" design to routing directly
// into task submission/intervention via Submitter.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel

	sub    Submitter
	nodeID string // target node for new tasks; "" lets the gateway pick

	convMu    sync.Mutex
	convs     map[string]*conversationState
	taskConvs map[string]string // taskID -> conversationID, for DispatchByTask

	limits map[string]int // channel id -> chunk character limit

	observer Observer
}

// SetObserver attaches an Observer that sees every inbound message and
// flushed assistant reply. Passing nil detaches it.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// NewManager builds a Manager. nodeID may be empty, letting the
// Submitter choose any connected node.
func NewManager(sub Submitter, nodeID string) *Manager {
	return &Manager{
		channels:  make(map[string]Channel),
		sub:       sub,
		nodeID:    nodeID,
		convs:     make(map[string]*conversationState),
		taskConvs: make(map[string]string),
		limits:    defaultLimits(),
	}
}

func defaultLimits() map[string]int {
	return map[string]int{
		"telegram": chunk.LimitTelegram,
		"discord":  chunk.LimitDiscord,
		"feishu":   chunk.LimitFeishu,
		"dingtalk": chunk.LimitDingtalk,
		"web":      chunk.LimitWeb,
	}
}

// Register adds a running channel instance under its own ID().
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID()] = ch
}

// SetLimit overrides the chunk limit used when flushing responses back
// to channelID.
func (m *Manager) SetLimit(channelID string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[channelID] = limit
}

// StartAll starts every registered channel, logging (not failing) on any
// individual start error so one broken channel doesn't block the rest.
func (m *Manager) StartAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, ch := range m.channels {
		if err := ch.Start(); err != nil {
			slog.Error("channels: start failed", "channel", id, "error", err)
		}
	}
}

// StopAll stops every registered channel.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, ch := range m.channels {
		if err := ch.Stop(); err != nil {
			slog.Error("channels: stop failed", "channel", id, "error", err)
		}
	}
}

// HandleInbound is called by a channel when a platform event arrives. It
// starts a new task for conversations not already tracked, or forwards
// the message as a followup intervention to the existing one.
func (m *Manager) HandleInbound(msg InboundMessage) {
	m.mu.RLock()
	observer := m.observer
	m.mu.RUnlock()
	if observer != nil {
		observer.OnInbound(msg)
	}

	m.convMu.Lock()
	cs, exists := m.convs[msg.ConversationID]
	if !exists {
		cs = &conversationState{channelID: msg.ChannelID}
		m.convs[msg.ConversationID] = cs
	}
	m.convMu.Unlock()

	cs.mu.Lock()
	taskID := cs.taskID
	cs.mu.Unlock()

	if taskID != "" {
		if err := m.sub.MessageTask(taskID, msg.Content, "followup"); err != nil {
			slog.Error("channels: followup failed", "conversationId", msg.ConversationID, "error", err)
		}
		return
	}

	newID, err := m.sub.SubmitTask(m.nodeID, msg.Content, map[string]string{
		"channelId":      msg.ChannelID,
		"conversationId": msg.ConversationID,
		"userId":         msg.UserID,
	})
	if err != nil {
		slog.Error("channels: submit task failed", "conversationId", msg.ConversationID, "error", err)
		m.deliverError(msg.ChannelID, msg.ConversationID, err)
		return
	}

	cs.mu.Lock()
	cs.taskID = newID
	cs.mu.Unlock()

	m.convMu.Lock()
	m.taskConvs[newID] = msg.ConversationID
	m.convMu.Unlock()
}

// DispatchByTask looks up the conversation a gateway task belongs to and
// forwards ev to it, letting the gateway drive channel replies from
// task:progress/task:completed/task:error frames without knowing
// anything about conversations itself. A task with no known conversation
// (one submitted outside the channel framework) is silently ignored.
func (m *Manager) DispatchByTask(taskID string, ev AgentStreamEvent) {
	m.convMu.Lock()
	conversationID, ok := m.taskConvs[taskID]
	if ok && (ev.Type == "done" || ev.Type == "error") {
		delete(m.taskConvs, taskID)
	}
	m.convMu.Unlock()
	if !ok {
		return
	}
	m.Dispatch(conversationID, ev)
}

// HandleInterrupt routes a platform-originated interrupt (e.g. a
// "stop" reaction) into the conversation's running task.
func (m *Manager) HandleInterrupt(conversationID string) error {
	m.convMu.Lock()
	cs, exists := m.convs[conversationID]
	m.convMu.Unlock()
	if !exists {
		return fmt.Errorf("channels: no active conversation %q", conversationID)
	}
	cs.mu.Lock()
	taskID := cs.taskID
	cs.mu.Unlock()
	if taskID == "" {
		return fmt.Errorf("channels: conversation %q has no running task", conversationID)
	}
	return m.sub.StopTask(taskID)
}

// Dispatch forwards one agent stream event for conversationID to its
// owning channel, buffering text-delta events and flushing (chunked) on
// done, or dropping the buffer and sending an error message on error.
// The conversation's task association is released on both terminal
// paths so a later inbound message starts a fresh task.
func (m *Manager) Dispatch(conversationID string, ev AgentStreamEvent) {
	m.convMu.Lock()
	cs, exists := m.convs[conversationID]
	m.convMu.Unlock()
	if !exists {
		return
	}

	m.mu.RLock()
	ch, ok := m.channels[cs.channelID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	switch ev.Type {
	case "text-delta":
		cs.mu.Lock()
		cs.buffer += ev.Delta
		cs.mu.Unlock()

	case "done":
		cs.mu.Lock()
		text := cs.buffer
		cs.buffer = ""
		cs.taskID = ""
		cs.mu.Unlock()
		m.flush(ch, conversationID, text)
		m.releaseConversation(conversationID)

	case "error":
		cs.mu.Lock()
		cs.buffer = ""
		cs.taskID = ""
		cs.mu.Unlock()
		if err := ch.Stream(conversationID, AgentStreamEvent{Type: "error", Error: ev.Error}); err != nil {
			slog.Error("channels: error delivery failed", "conversationId", conversationID, "error", err)
		}
		m.releaseConversation(conversationID)
	}
}

func (m *Manager) flush(ch Channel, conversationID, text string) {
	if text == "" {
		return
	}
	m.mu.RLock()
	limit, ok := m.limits[ch.ID()]
	observer := m.observer
	m.mu.RUnlock()

	if observer != nil {
		observer.OnAssistant(ch.ID(), conversationID, text)
	}
	if !ok || limit < 1 {
		limit = chunk.LimitWeb
	}

	parts, err := chunk.Text(text, limit)
	if err != nil {
		slog.Error("channels: chunk failed", "channel", ch.ID(), "error", err)
		return
	}
	for _, part := range parts {
		if err := ch.Stream(conversationID, AgentStreamEvent{Type: "text-delta", Delta: part}); err != nil {
			slog.Error("channels: stream send failed", "channel", ch.ID(), "error", err)
		}
	}
	_ = ch.Stream(conversationID, AgentStreamEvent{Type: "done"})
}

func (m *Manager) deliverError(channelID, conversationID string, err error) {
	m.mu.RLock()
	ch, ok := m.channels[channelID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	_ = ch.Stream(conversationID, AgentStreamEvent{Type: "error", Error: err.Error()})
}

func (m *Manager) releaseConversation(conversationID string) {
	m.convMu.Lock()
	delete(m.convs, conversationID)
	m.convMu.Unlock()
}
