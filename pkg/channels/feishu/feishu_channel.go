// Package feishu implements the Feishu/Lark platform channel over the
// SDK's long-connection (websocket) event stream — no public webhook
// endpoint or ngrok-style tunnel required.
package feishu

import (
	"context"
	"fmt"
	"log/slog"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds Feishu/Lark app credentials and the behavioral controls
// for this platform.
type Config struct {
	AppID              string `json:"appId"`
	AppSecret          string `json:"appSecret"`
	VerificationToken  string `json:"verificationToken"`
	EncryptKey         string `json:"encryptKey"`
	Domain             string `json:"domain"`
	ConnectionMode     string `json:"connectionMode"` // only "ws" (long-connection) is implemented
	WebhookPath        string `json:"webhookPath"`
	AllowGroupMessages bool   `json:"allowGroupMessages"`
	RequireMention     bool   `json:"requireMention"`
}

// messageContent is the JSON shape Feishu embeds in a text message
// event's Content string.
type messageContent struct {
	Text string `json:"text"`
}

// Channel is the Feishu implementation of channels.Channel.
type Channel struct {
	cfg    Config
	client *lark.Client
	ws     *larkws.Client
	router channels.Router
	policy channels.Policy
}

// New builds a Feishu client and its long-connection event stream.
// Grounded on the long-connection wiring in
// other_examples/b788e29a_..._lark-gateway.go.go: lark.NewClient for
// REST calls (sending messages), larkws.NewClient plus an
// event/dispatcher.EventDispatcher for the inbound event stream.
func New(cfg Config, router channels.Router, policy channels.Policy) (*Channel, error) {
	if cfg.ConnectionMode != "" && cfg.ConnectionMode != "ws" {
		return nil, fmt.Errorf("feishu: connection mode %q not implemented, only \"ws\" (long-connection)", cfg.ConnectionMode)
	}

	var clientOpts []lark.ClientOptionFunc
	if cfg.Domain != "" {
		clientOpts = append(clientOpts, lark.WithOpenBaseUrl(cfg.Domain))
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret, clientOpts...)

	c := &Channel{cfg: cfg, client: client, router: router, policy: policy}

	eventDispatcher := dispatcher.NewEventDispatcher(cfg.VerificationToken, cfg.EncryptKey).
		OnP2MessageReceiveV1(c.onMessage)

	var wsOpts []larkws.ClientOption
	wsOpts = append(wsOpts, larkws.WithEventHandler(eventDispatcher))
	wsOpts = append(wsOpts, larkws.WithLogLevel(larkcore.LogLevelInfo))
	if cfg.Domain != "" {
		wsOpts = append(wsOpts, larkws.WithDomain(cfg.Domain))
	}
	c.ws = larkws.NewClient(cfg.AppID, cfg.AppSecret, wsOpts...)

	return c, nil
}

func (c *Channel) ID() string { return "feishu" }

func (c *Channel) Start() error {
	go func() {
		if err := c.ws.Start(context.Background()); err != nil {
			slog.Error("feishu: ws client stopped", "error", err)
		}
	}()
	return nil
}

func (c *Channel) Stop() error {
	return nil
}

func (c *Channel) onMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event.Event == nil || event.Event.Message == nil {
		return nil
	}
	msg := event.Event.Message

	chatID := strVal(msg.ChatId)
	isGroup := strVal(msg.ChatType) == "group"
	if isGroup && !c.cfg.AllowGroupMessages {
		return nil
	}

	var userID, username string
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		userID = strVal(event.Event.Sender.SenderId.OpenId)
	}

	content := extractText(strVal(msg.MessageType), strVal(msg.Content))

	if isGroup && c.cfg.RequireMention && len(msg.Mentions) == 0 {
		return nil
	}
	if !c.policy.Allows("", chatID, userID) {
		return nil
	}

	c.HandleMessage(channels.InboundMessage{
		ChannelID:      "feishu",
		ConversationID: chatID,
		UserID:         userID,
		Username:       username,
		Content:        content,
	})
	return nil
}

func extractText(msgType, content string) string {
	if msgType != "text" {
		return ""
	}
	var mc messageContent
	if err := json.UnmarshalFromString(content, &mc); err != nil {
		return ""
	}
	return mc.Text
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// HandleMessage forwards an already-normalised inbound message to the
// router.
func (c *Channel) HandleMessage(msg channels.InboundMessage) {
	c.router.HandleInbound(msg)
}

// Stream sends each chunked delta as a plain text message; done and
// error are handled the same way the other chat-style channels do.
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

func (c *Channel) sendText(chatID, text string) error {
	body, err := json.MarshalToString(messageContent{Text: text})
	if err != nil {
		return fmt.Errorf("feishu: marshal message body: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("text").
			Content(body).
			Build()).
		Build()

	resp, err := c.client.Im.Message.Create(context.Background(), req)
	if err != nil {
		return fmt.Errorf("feishu: send message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu: send message: %s", resp.Msg)
	}
	return nil
}
