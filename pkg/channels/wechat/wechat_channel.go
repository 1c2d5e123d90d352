// Package wechat implements the WeChat platform channel. Personal WeChat
// accounts have no official bot API, so this channel talks to a
// self-hosted proxy (e.g. a wechaty-style bridge) over a simple
// apiKey-authenticated webhook/HTTP pair rather than a first-party SDK:
// apiKey and proxyUrl are required, accountId is optional for
// multi-account proxies.
package wechat

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the proxy connection details.
type Config struct {
	APIKey    string `json:"apiKey"`
	ProxyURL  string `json:"proxyUrl"`
	AccountID string `json:"accountId"`
	Path      string `json:"path"` // inbound webhook path, defaults to /webhooks/wechat
}

// inboundPayload is the proxy's callback body shape for a received
// message.
type inboundPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	Content        string `json:"content"`
	AccountID      string `json:"accountId"`
}

// outboundPayload is what this channel POSTs back to the proxy to
// deliver a reply.
type outboundPayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	AccountID      string `json:"accountId,omitempty"`
}

// Channel is the WeChat implementation of channels.Channel +
// channels.WebhookProvider.
type Channel struct {
	cfg    Config
	router channels.Router
	policy channels.Policy
	client *http.Client
	path   string
}

// New builds the WeChat channel.
func New(cfg Config, router channels.Router, policy channels.Policy) (*Channel, error) {
	path := cfg.Path
	if path == "" {
		path = "/webhooks/wechat"
	}
	return &Channel{
		cfg: cfg, router: router, policy: policy, path: path,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *Channel) ID() string   { return "wechat" }
func (c *Channel) Start() error { return nil }
func (c *Channel) Stop() error  { return nil }

// GetWebhookRoutes implements channels.WebhookProvider: a single inbound
// POST from the proxy, authenticated with the configured apiKey.
func (c *Channel) GetWebhookRoutes() []channels.WebhookRoute {
	return []channels.WebhookRoute{
		{Method: http.MethodPost, Path: c.path, Handler: c.handleInbound},
	}
}

func (c *Channel) handleInbound(req channels.NormalizedRequest) channels.NormalizedResponse {
	if req.Headers.Get("Authorization") != "Bearer "+c.cfg.APIKey && req.Headers.Get("X-Api-Key") != c.cfg.APIKey {
		return channels.NormalizedResponse{Status: http.StatusUnauthorized, Body: []byte("bad api key")}
	}

	var payload inboundPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return channels.NormalizedResponse{Status: http.StatusBadRequest, Body: []byte("malformed payload")}
	}
	if payload.Content == "" {
		return channels.NormalizedResponse{Status: http.StatusOK, Body: []byte("ignored")}
	}
	if c.cfg.AccountID != "" && payload.AccountID != "" && payload.AccountID != c.cfg.AccountID {
		// A proxy fronting multiple accounts; only react to ours.
		return channels.NormalizedResponse{Status: http.StatusOK, Body: []byte("ignored")}
	}

	if c.policy.Allows("", "", payload.UserID) {
		c.HandleMessage(channels.InboundMessage{
			ChannelID:      "wechat",
			ConversationID: payload.ConversationID,
			UserID:         payload.UserID,
			Username:       payload.Username,
			Content:        payload.Content,
		})
	}

	return channels.NormalizedResponse{Status: http.StatusOK, Body: []byte("ok")}
}

// HandleMessage forwards an already-normalised inbound message to the
// router.
func (c *Channel) HandleMessage(msg channels.InboundMessage) {
	c.router.HandleInbound(msg)
}

// Stream posts each chunked delta to the proxy's send endpoint.
func (c *Channel) Stream(conversationID string, ev channels.AgentStreamEvent) error {
	switch ev.Type {
	case "text-delta":
		if ev.Delta == "" {
			return nil
		}
		return c.send(conversationID, ev.Delta)
	case "error":
		return c.send(conversationID, "Error: "+ev.Error)
	default:
		return nil
	}
}

func (c *Channel) send(conversationID, content string) error {
	body := outboundPayload{ConversationID: conversationID, Content: content, AccountID: c.cfg.AccountID}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wechat: marshal outbound payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.cfg.ProxyURL, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("wechat: build proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wechat: send to proxy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("wechat: proxy returned status %d", resp.StatusCode)
	}
	return nil
}
