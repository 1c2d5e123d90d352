package wecom

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openviber/pkg/channels"
	"openviber/pkg/cryptoutil"
)

type fakeRouter struct {
	inbound []channels.InboundMessage
}

func (f *fakeRouter) HandleInbound(msg channels.InboundMessage) {
	f.inbound = append(f.inbound, msg)
}

func (f *fakeRouter) HandleInterrupt(conversationID string) error { return nil }

func testConfig() Config {
	return Config{
		CorpID:  "corp-123",
		AgentID: "1000002",
		Secret:  "shh",
		Token:   "test-token",
		AESKey:  base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
	}
}

func TestVerifySignature(t *testing.T) {
	sig := signFor("test-token", "12345", "nonce1", "data1")
	assert.True(t, verifySignature("test-token", "12345", "nonce1", "data1", sig))
	assert.False(t, verifySignature("test-token", "12345", "nonce1", "data1", sig+"x"))
	assert.False(t, verifySignature("test-token", "99999", "nonce1", "data1", sig))
}

func TestChannel_HandleVerify_RoundTrips(t *testing.T) {
	cfg := testConfig()
	ch, err := New(cfg, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)

	cipher, err := cryptoutil.NewWeComCipher(cfg.AESKey, cfg.CorpID)
	require.NoError(t, err)
	echo, err := cipher.Encrypt("hello-echo")
	require.NoError(t, err)

	sig := signFor(cfg.Token, "12345", "nonce1", echo)
	resp := ch.handleVerify(channels.NormalizedRequest{
		Query: url.Values{
			"msg_signature": {sig},
			"timestamp":     {"12345"},
			"nonce":         {"nonce1"},
			"echostr":       {echo},
		},
	})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "hello-echo", string(resp.Body))
}

func TestChannel_HandleVerify_RejectsBadSignature(t *testing.T) {
	cfg := testConfig()
	ch, err := New(cfg, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)

	resp := ch.handleVerify(channels.NormalizedRequest{
		Query: url.Values{
			"msg_signature": {"wrong"},
			"timestamp":     {"12345"},
			"nonce":         {"nonce1"},
			"echostr":       {"anything"},
		},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
}

func TestChannel_HandleCallback_DeliversTextMessage(t *testing.T) {
	cfg := testConfig()
	r := &fakeRouter{}
	ch, err := New(cfg, r, channels.DefaultPolicy())
	require.NoError(t, err)

	cipher, err := cryptoutil.NewWeComCipher(cfg.AESKey, cfg.CorpID)
	require.NoError(t, err)
	inner := `<xml><ToUserName>corp-123</ToUserName><FromUserName>user-1</FromUserName><MsgType>text</MsgType><Content>hi there</Content></xml>`
	enc, err := cipher.Encrypt(inner)
	require.NoError(t, err)

	body := []byte(`<xml><Encrypt><![CDATA[` + enc + `]]></Encrypt></xml>`)
	sig := signFor(cfg.Token, "12345", "nonce1", enc)

	resp := ch.handleCallback(channels.NormalizedRequest{
		Query: url.Values{
			"msg_signature": {sig},
			"timestamp":     {"12345"},
			"nonce":         {"nonce1"},
		},
		Body:    body,
		Headers: http.Header{},
	})
	assert.Equal(t, http.StatusOK, resp.Status)
	require.Len(t, r.inbound, 1)
	assert.Equal(t, "user-1", r.inbound[0].ConversationID)
	assert.Equal(t, "hi there", r.inbound[0].Content)
}

func TestChannel_GetWebhookRoutes_DefaultsPath(t *testing.T) {
	ch, err := New(testConfig(), &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)
	routes := ch.GetWebhookRoutes()
	require.Len(t, routes, 2)
	assert.Equal(t, "/webhooks/wecom", routes[0].Path)
}

// signFor recomputes the same msg_signature verifySignature checks, for
// building valid test fixtures.
func signFor(token, timestamp, nonce, data string) string {
	parts := []string{token, timestamp, nonce, data}
	sort.Strings(parts)
	h := sha1.New()
	h.Write([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(h.Sum(nil))
}
