package gateway

import (
	"fmt"

	"github.com/google/uuid"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/wire"
)

// ChannelSubmitter adapts *Gateway to the shape the channel-plugin
// framework expects (pkg/channels.Submitter): string-in, string-out task
// control instead of the richer wire.TaskSubmit/wire.InterventionMode
// types the rest of this package uses internally. A channel's inbound
// metadata (channel id, conversation id, user id) rides along as the
// new task's Environment block so a node-side agent can see who it's
// talking to.
type ChannelSubmitter struct {
	g *Gateway
}

// NewChannelSubmitter wraps g for use by the channel-plugin framework.
func NewChannelSubmitter(g *Gateway) *ChannelSubmitter {
	return &ChannelSubmitter{g: g}
}

// SubmitTask starts a new task for goal. An empty nodeID picks the first
// connected node — channels don't generally know or care which physical
// node serves a conversation.
func (s *ChannelSubmitter) SubmitTask(nodeID, goal string, meta map[string]string) (string, error) {
	if nodeID == "" {
		n, ok := s.g.firstConnectedNode()
		if !ok {
			return "", ErrNoNode
		}
		nodeID = n.ID
	}

	env, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("gateway: marshal channel metadata: %w", err)
	}

	submit := wire.NewTaskSubmit(uuid.NewString(), goal)
	submit.Environment = env

	t, err := s.g.SubmitTask(nodeID, goal, submit)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// MessageTask forwards a follow-up/steer/collect intervention to a
// running task. mode is validated against the known InterventionMode
// values; an unrecognised mode falls back to followup.
func (s *ChannelSubmitter) MessageTask(taskID, message, mode string) error {
	m := wire.InterventionMode(mode)
	switch m {
	case wire.ModeFollowup, wire.ModeSteer, wire.ModeCollect:
	default:
		m = wire.ModeFollowup
	}
	return s.g.MessageTask(taskID, message, m)
}

// StopTask aborts a running task.
func (s *ChannelSubmitter) StopTask(taskID string) error {
	return s.g.StopTask(taskID)
}

func (g *Gateway) firstConnectedNode() (*Node, bool) {
	for _, n := range g.State.ListNodes() {
		if n.IsConnected() {
			return n, true
		}
	}
	return nil, false
}
