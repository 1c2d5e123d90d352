package monitor

import (
	"time"

	"openviber/pkg/channels"
)

// ChannelObserver adapts a Monitor to channels.Observer, translating the
// manager's inbound/assistant traffic into the MonitorMessage shape the
// CLI monitor already knows how to render.
type ChannelObserver struct {
	target Monitor
}

// NewChannelObserver wraps target for attachment via
// channels.Manager.SetObserver.
func NewChannelObserver(target Monitor) *ChannelObserver {
	return &ChannelObserver{target: target}
}

func (o *ChannelObserver) OnInbound(msg channels.InboundMessage) {
	o.target.OnMessage(MonitorMessage{
		Timestamp:   time.Now(),
		MessageType: "USER",
		ChannelID:   msg.ChannelID,
		Username:    msg.Username,
		Content:     msg.Content,
	})
}

func (o *ChannelObserver) OnAssistant(channelID, conversationID, content string) {
	o.target.OnMessage(MonitorMessage{
		Timestamp:   time.Now(),
		MessageType: "ASSISTANT",
		ChannelID:   channelID,
		Username:    conversationID,
		Content:     content,
	})
}
