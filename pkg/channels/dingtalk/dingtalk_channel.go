// Package dingtalk implements the DingTalk platform channel over the
// stream-mode robot SDK (github.com/open-dingtalk/dingtalk-stream-sdk-go):
// a long-connection transport, the same shape as the feishu channel's
// larkws usage, just a different vendor SDK. This package is written
// from the SDK's documented public API — see DESIGN.md for the
// grounding notes.
package dingtalk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds DingTalk stream-mode robot credentials: appKey/appSecret
// required, robotCode optional. robotCode is accepted but not read:
// replies always go through the per-message session webhook.
type Config struct {
	AppKey    string `json:"appKey"`
	AppSecret string `json:"appSecret"`
	RobotCode string `json:"robotCode"`
}

// Channel is the DingTalk implementation of channels.Channel.
type Channel struct {
	cfg     Config
	cli     *client.StreamClient
	replier *chatbot.ChatBotReplier
	router  channels.Router
	policy  channels.Policy

	// webhooks remembers each conversation's last session webhook, since
	// stream-mode replies are addressed by that short-lived URL rather
	// than a stable conversation id.
	webhooks map[string]string
}

// New builds the stream client and registers the chatbot callback route.
func New(cfg Config, router channels.Router, policy channels.Policy) (*Channel, error) {
	c := &Channel{
		cfg: cfg, router: router, policy: policy,
		replier:  chatbot.NewChatBotReplier(),
		webhooks: make(map[string]string),
	}

	cli := client.NewStreamClient(client.WithAppCredential(client.NewAppCredentialConfig(cfg.AppKey, cfg.AppSecret)))
	cli.RegisterChatBotCallbackRouter(chatbot.TOPIC, chatbot.NewDefaultChatBotFrameCallback(c.onMessage))
	c.cli = cli

	return c, nil
}

func (c *Channel) ID() string { return "dingtalk" }

func (c *Channel) Start() error {
	go func() {
		if err := c.cli.Start(context.Background()); err != nil {
			slog.Error("dingtalk: stream client stopped", "error", err)
		}
	}()
	return nil
}

func (c *Channel) Stop() error {
	c.cli.Close()
	return nil
}

func (c *Channel) onMessage(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil || data.Text.Content == "" {
		return []byte(""), nil
	}

	if !c.policy.Allows("", data.ConversationId, data.SenderStaffId) {
		return []byte(""), nil
	}

	c.webhooks[data.ConversationId] = data.SessionWebhook

	c.HandleMessage(channels.InboundMessage{
		ChannelID:      "dingtalk",
		ConversationID: data.ConversationId,
		UserID:         data.SenderStaffId,
		Username:       data.SenderNick,
		Content:        data.Text.Content,
	})
	return []byte(""), nil
}

// HandleMessage forwards an already-normalised inbound message to the
// router.
func (c *Channel) HandleMessage(msg channels.InboundMessage) {
	c.router.HandleInbound(msg)
}

// Stream sends each chunked delta as a plain text reply through the
// conversation's last known session webhook.
func (c *Channel) Stream(conversationID string, ev channels.AgentStreamEvent) error {
	switch ev.Type {
	case "text-delta":
		if ev.Delta == "" {
			return nil
		}
		return c.sendText(conversationID, ev.Delta)
	case "error":
		return c.sendText(conversationID, "error: "+ev.Error)
	default:
		return nil
	}
}

func (c *Channel) sendText(conversationID, text string) error {
	webhook, ok := c.webhooks[conversationID]
	if !ok || webhook == "" {
		return fmt.Errorf("dingtalk: no session webhook recorded for conversation %s", conversationID)
	}
	if err := c.replier.SimpleReplyText(context.Background(), webhook, []byte(text)); err != nil {
		return fmt.Errorf("dingtalk: reply text: %w", err)
	}
	return nil
}
