package wechat

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openviber/pkg/channels"
)

type fakeRouter struct {
	inbound []channels.InboundMessage
}

func (f *fakeRouter) HandleInbound(msg channels.InboundMessage) {
	f.inbound = append(f.inbound, msg)
}

func (f *fakeRouter) HandleInterrupt(conversationID string) error { return nil }

func TestChannel_HandleInbound_RejectsBadAPIKey(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{APIKey: "secret", ProxyURL: "http://proxy"}, r, channels.DefaultPolicy())
	require.NoError(t, err)

	req := channels.NormalizedRequest{
		Headers: http.Header{"Authorization": []string{"Bearer wrong"}},
		Body:    []byte(`{"content":"hi"}`),
	}
	resp := ch.handleInbound(req)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Empty(t, r.inbound)
}

func TestChannel_HandleInbound_AcceptsBearerOrHeaderKey(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{APIKey: "secret", ProxyURL: "http://proxy"}, r, channels.DefaultPolicy())
	require.NoError(t, err)

	payload := []byte(`{"conversationId":"c1","userId":"u1","username":"alice","content":"hello"}`)

	resp := ch.handleInbound(channels.NormalizedRequest{
		Headers: http.Header{"Authorization": []string{"Bearer secret"}},
		Body:    payload,
	})
	assert.Equal(t, http.StatusOK, resp.Status)
	require.Len(t, r.inbound, 1)
	assert.Equal(t, "c1", r.inbound[0].ConversationID)
	assert.Equal(t, "hello", r.inbound[0].Content)

	resp = ch.handleInbound(channels.NormalizedRequest{
		Headers: http.Header{"X-Api-Key": []string{"secret"}},
		Body:    payload,
	})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Len(t, r.inbound, 2)
}

func TestChannel_HandleInbound_IgnoresEmptyContentAndWrongAccount(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{APIKey: "secret", ProxyURL: "http://proxy", AccountID: "acct-1"}, r, channels.DefaultPolicy())
	require.NoError(t, err)

	resp := ch.handleInbound(channels.NormalizedRequest{
		Headers: http.Header{"X-Api-Key": []string{"secret"}},
		Body:    []byte(`{"conversationId":"c1","content":""}`),
	})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, r.inbound)

	resp = ch.handleInbound(channels.NormalizedRequest{
		Headers: http.Header{"X-Api-Key": []string{"secret"}},
		Body:    []byte(`{"conversationId":"c1","content":"hi","accountId":"acct-2"}`),
	})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, r.inbound)
}

func TestChannel_GetWebhookRoutes_DefaultsPath(t *testing.T) {
	ch, err := New(Config{APIKey: "k", ProxyURL: "http://proxy"}, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)
	routes := ch.GetWebhookRoutes()
	require.Len(t, routes, 1)
	assert.Equal(t, "/webhooks/wechat", routes[0].Path)
	assert.Equal(t, http.MethodPost, routes[0].Method)
}

func TestChannel_Stream_PostsToProxy(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		buf := make([]byte, req.ContentLength)
		_, _ = req.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch, err := New(Config{APIKey: "secret", ProxyURL: srv.URL}, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)

	err = ch.Stream("c1", channels.AgentStreamEvent{Type: "text-delta", Delta: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Contains(t, gotBody, "hi")

	// "done" is a no-op for this transport: nothing to flush per-chunk.
	require.NoError(t, ch.Stream("c1", channels.AgentStreamEvent{Type: "done"}))
}

func TestChannel_Stream_SurfacesProxyErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch, err := New(Config{APIKey: "secret", ProxyURL: srv.URL}, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)

	err = ch.Stream("c1", channels.AgentStreamEvent{Type: "error", Error: "boom"})
	assert.Error(t, err)
}
