// Package channels implements the channel-plugin framework: the
// registry of platform integrations, the conversation-routing manager
// that bridges inbound platform messages to daemon tasks, and the
// webhook router shared by the webhook-transport channels.
//
// Channels talk to the task fabric in pkg/gateway via the Submitter
// interface below rather than to an in-process LLM session directly.
package channels

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

// FileAttachment is a reference to media received from or sent to a
// platform, kept on disk rather than held in memory once downloaded.
type FileAttachment struct {
	Filename string
	MimeType string
	Data     []byte
	Path     string
}

// InboundMessage is the normalised shape every channel produces when a
// platform event arrives, regardless of transport (long-poll, webhook,
// gateway socket).
type InboundMessage struct {
	ChannelID      string
	ConversationID string // isolation key: one task per conversation id
	UserID         string
	Username       string
	Content        string
	Files          []FileAttachment
}

// AgentStreamEvent is the channel-facing projection of a task's agent
// events: just enough to drive per-conversation buffering and chunked
// delivery, independent of the richer wire.AgentEvent the daemon
// exchanges with the gateway.
type AgentStreamEvent struct {
	Type  string // "text-delta" | "done" | "error"
	Delta string
	Error string
}

// WebhookRoute is one HTTP route a webhook-transport channel wants bound
// under the shared channel webhook router.
type WebhookRoute struct {
	Method  string
	Path    string
	Handler func(NormalizedRequest) NormalizedResponse
}

// NormalizedRequest is the router's platform-agnostic view of an
// incoming HTTP request.
type NormalizedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Query   map[string][]string
	Body    []byte
	JSON    map[string]any // nil if Body did not parse as JSON
}

// NormalizedResponse is what a webhook handler returns; the router
// writes it back verbatim.
type NormalizedResponse struct {
	Status int
	Body   []byte
	JSON   any // if non-nil, marshaled as the body instead of Body
}

// Channel is the interface every platform integration implements.
// Optional capabilities are detected via type assertion
// (InterruptHandler, WebhookProvider) rather than bloating this
// interface with methods most channels don't need.
type Channel interface {
	ID() string
	Start() error
	Stop() error
	HandleMessage(InboundMessage)
	Stream(conversationID string, event AgentStreamEvent) error
}

// InterruptHandler is implemented by channels that can forward an
// out-of-band interrupt signal (e.g. a "stop" reaction or slash command)
// into the conversation's running task.
type InterruptHandler interface {
	HandleInterrupt(conversationID, signal string) error
}

// WebhookProvider is implemented by webhook-transport channels
// (wecom, wechat) to register their HTTP routes with the shared router.
type WebhookProvider interface {
	GetWebhookRoutes() []WebhookRoute
}

// ChannelFactory builds one Channel instance from its raw per-channel
// JSON config block and the shared Submitter used to route messages
// into tasks.
type ChannelFactory interface {
	Create(rawConfig jsoniter.RawMessage, sub Submitter) (Channel, error)
}

// Submitter is the channel manager's view of the task fabric: start a
// new task for a conversation, or forward an intervention message into
// an already-running one. Implemented by an adapter over *gateway.Gateway
// in production (see pkg/gateway's ChannelSubmitter), and by *Manager
// itself (forwarding), so a Manager can be handed to ChannelFactory.Create
// as the "sub Submitter" argument.
type Submitter interface {
	SubmitTask(nodeID, goal string, meta map[string]string) (taskID string, err error)
	MessageTask(taskID, message, mode string) error
	StopTask(taskID string) error
}

// Router is the narrow capability an individual Channel needs to forward
// an inbound platform event into the task fabric and to route an
// out-of-band interrupt. Satisfied by *Manager. A ChannelFactory receives
// the shared Submitter and type-asserts it to Router to obtain this
// capability — the same optional-capability-via-assertion idiom used for
// InterruptHandler/WebhookProvider above, applied the other direction
// (what the channel needs from its owner, not what the owner needs from
// the channel).
type Router interface {
	HandleInbound(msg InboundMessage)
	HandleInterrupt(conversationID string) error
}
