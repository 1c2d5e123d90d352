// Package wecom implements the WeCom (WeChat Work) platform channel: a
// webhook-transport channel whose callback body is an encrypted XML
// envelope (cryptoutil.WeComCipher) and whose own msg_signature scheme
// (SHA-1 over token/timestamp/nonce/ciphertext, distinct from the plain
// HMAC-SHA256 webhook+signature scheme other channels use) gates both
// the URL-verification GET and the message-callback POST.
// Outbound replies go through WeCom's app message API, authenticated with
// a golang.org/x/oauth2 TokenSource wrapping the corpid/corpsecret
// gettoken exchange: acquire access tokens from a token endpoint, cache
// with expiry = server expiry − 5 min, and refresh on demand.
package wecom

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/oauth2"

	"openviber/pkg/channels"
	"openviber/pkg/cryptoutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	gettokenURL = "https://qyapi.weixin.qq.com/cgi-bin/gettoken"
	sendMsgURL  = "https://qyapi.weixin.qq.com/cgi-bin/message/send"
)

// Config holds WeCom app credentials: corpId, agentId, secret, token,
// aesKey required.
type Config struct {
	CorpID    string `json:"corpId"`
	AgentID   string `json:"agentId"`
	Secret    string `json:"secret"`
	Token     string `json:"token"`
	AESKey    string `json:"aesKey"`
	Path      string `json:"path"` // webhook path, defaults to /webhooks/wecom
	AccountID string `json:"accountId"`
}

// callbackEnvelope is the outer XML body WeCom POSTs to the callback URL.
type callbackEnvelope struct {
	XMLName xml.Name `xml:"xml"`
	Encrypt string   `xml:"Encrypt"`
}

// innerMessage is the decrypted inner XML payload for a text message.
type innerMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	MsgType      string   `xml:"MsgType"`
	Content      string   `xml:"Content"`
	AgentID      string   `xml:"AgentID"`
}

// Channel is the WeCom implementation of channels.Channel +
// channels.WebhookProvider.
type Channel struct {
	cfg    Config
	cipher *cryptoutil.WeComCipher
	router channels.Router
	policy channels.Policy
	token  oauth2.TokenSource
	client *http.Client
	path   string
}

// New builds the WeCom channel: its AES envelope cipher and a cached
// TokenSource for the app message send API.
func New(cfg Config, router channels.Router, policy channels.Policy) (*Channel, error) {
	cipher, err := cryptoutil.NewWeComCipher(cfg.AESKey, cfg.CorpID)
	if err != nil {
		return nil, fmt.Errorf("wecom: build cipher: %w", err)
	}
	path := cfg.Path
	if path == "" {
		path = "/webhooks/wecom"
	}
	client := &http.Client{Timeout: 10 * time.Second}
	c := &Channel{
		cfg: cfg, cipher: cipher, router: router, policy: policy,
		client: client, path: path,
	}
	c.token = oauth2.ReuseTokenSource(nil, &gettokenSource{cfg: cfg, client: client})
	return c, nil
}

func (c *Channel) ID() string { return "wecom" }

func (c *Channel) Start() error { return nil }
func (c *Channel) Stop() error  { return nil }

// GetWebhookRoutes implements channels.WebhookProvider: a GET for URL
// verification and a POST for the actual message callback, both bound at
// the same path WeCom's app console is configured with.
func (c *Channel) GetWebhookRoutes() []channels.WebhookRoute {
	return []channels.WebhookRoute{
		{Method: http.MethodGet, Path: c.path, Handler: c.handleVerify},
		{Method: http.MethodPost, Path: c.path, Handler: c.handleCallback},
	}
}

func (c *Channel) handleVerify(req channels.NormalizedRequest) channels.NormalizedResponse {
	q := url.Values(req.Query)
	sig := q.Get("msg_signature")
	ts := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if !verifySignature(c.cfg.Token, ts, nonce, echostr, sig) {
		return channels.NormalizedResponse{Status: http.StatusUnauthorized, Body: []byte("signature mismatch")}
	}
	plain, err := c.cipher.Decrypt(echostr)
	if err != nil {
		return channels.NormalizedResponse{Status: http.StatusBadRequest, Body: []byte(err.Error())}
	}
	return channels.NormalizedResponse{Status: http.StatusOK, Body: []byte(plain)}
}

func (c *Channel) handleCallback(req channels.NormalizedRequest) channels.NormalizedResponse {
	q := url.Values(req.Query)
	sig := q.Get("msg_signature")
	ts := q.Get("timestamp")
	nonce := q.Get("nonce")

	var env callbackEnvelope
	if err := xml.Unmarshal(req.Body, &env); err != nil {
		return channels.NormalizedResponse{Status: http.StatusBadRequest, Body: []byte("malformed xml")}
	}
	if !verifySignature(c.cfg.Token, ts, nonce, env.Encrypt, sig) {
		return channels.NormalizedResponse{Status: http.StatusUnauthorized, Body: []byte("signature mismatch")}
	}

	plain, err := c.cipher.Decrypt(env.Encrypt)
	if err != nil {
		return channels.NormalizedResponse{Status: http.StatusBadRequest, Body: []byte(err.Error())}
	}

	var msg innerMessage
	if err := xml.Unmarshal([]byte(plain), &msg); err != nil {
		return channels.NormalizedResponse{Status: http.StatusBadRequest, Body: []byte("malformed inner xml")}
	}

	if msg.MsgType == "text" && msg.Content != "" {
		if c.policy.Allows("", "", msg.FromUserName) {
			c.HandleMessage(channels.InboundMessage{
				ChannelID:      "wecom",
				ConversationID: msg.FromUserName,
				UserID:         msg.FromUserName,
				Content:        msg.Content,
			})
		}
	}

	// req.Headers may carry an opaque X-Account-ID from multi-tenant WeCom
	// proxies. The header is read and discarded: it is not stored on any
	// reply context and plays no part in routing.
	_ = req.Headers.Get("X-Account-ID")

	return channels.NormalizedResponse{Status: http.StatusOK, Body: []byte("success")}
}

// HandleMessage forwards an already-normalised inbound message to the
// router.
func (c *Channel) HandleMessage(msg channels.InboundMessage) {
	c.router.HandleInbound(msg)
}

// Stream sends each chunked delta as a WeCom app text message.
func (c *Channel) Stream(conversationID string, ev channels.AgentStreamEvent) error {
	switch ev.Type {
	case "text-delta":
		if ev.Delta == "" {
			return nil
		}
		return c.sendText(conversationID, ev.Delta)
	case "error":
		return c.sendText(conversationID, "Error: "+ev.Error)
	default:
		return nil
	}
}

type sendTextRequest struct {
	ToUser  string `json:"touser"`
	MsgType string `json:"msgtype"`
	AgentID string `json:"agentid"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

func (c *Channel) sendText(toUser, text string) error {
	token, err := c.token.Token()
	if err != nil {
		return fmt.Errorf("wecom: acquire access token: %w", err)
	}

	body := sendTextRequest{ToUser: toUser, MsgType: "text", AgentID: c.cfg.AgentID}
	body.Text.Content = text

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wecom: marshal send request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, sendMsgURL+"?access_token="+token.AccessToken, strings.NewReader(string(b)))
	if err != nil {
		return fmt.Errorf("wecom: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wecom: send message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("wecom: decode send response: %w", err)
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("wecom: send message: %s", result.ErrMsg)
	}
	return nil
}

// verifySignature checks WeCom's own msg_signature scheme: the hex SHA-1
// of the four values [token, timestamp, nonce, data] sorted
// lexicographically and concatenated, matching the platform's documented
// algorithm (distinct from cryptoutil.VerifyWebhook's generic
// HMAC-SHA256 scheme used by other channels).
func verifySignature(token, timestamp, nonce, data, signature string) bool {
	parts := []string{token, timestamp, nonce, data}
	sort.Strings(parts)
	h := sha1.New()
	h.Write([]byte(strings.Join(parts, "")))
	expected := hex.EncodeToString(h.Sum(nil))
	return expected == signature
}

// gettokenSource implements oauth2.TokenSource over WeCom's gettoken
// endpoint (corpid + corpsecret, not a standard OAuth2 grant, but
// wrapped in oauth2.ReuseTokenSource for the same cache-until-near-expiry
// behavior a standard token source gets for free).
type gettokenSource struct {
	cfg    Config
	client *http.Client
}

type gettokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *gettokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u := fmt.Sprintf("%s?corpid=%s&corpsecret=%s", gettokenURL, url.QueryEscape(s.cfg.CorpID), url.QueryEscape(s.cfg.Secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wecom: fetch access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wecom: read gettoken body: %w", err)
	}
	var r gettokenResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("wecom: decode gettoken response: %w", err)
	}
	if r.ErrCode != 0 {
		return nil, fmt.Errorf("wecom: gettoken: %s", r.ErrMsg)
	}

	// Cache with expiry = server expiry − 5 min
	expiry := time.Now().Add(time.Duration(r.ExpiresIn)*time.Second - 5*time.Minute)
	return &oauth2.Token{AccessToken: r.AccessToken, Expiry: expiry}, nil
}
