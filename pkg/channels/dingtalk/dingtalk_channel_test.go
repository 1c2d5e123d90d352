package dingtalk

import (
	"context"
	"testing"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
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

func TestChannel_OnMessage_RoutesTextAndRemembersWebhook(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{AppKey: "k", AppSecret: "s"}, r, channels.DefaultPolicy())
	require.NoError(t, err)

	data := &chatbot.BotCallbackDataModel{
		ConversationId: "conv-1",
		SenderStaffId:  "user-1",
		SenderNick:     "alice",
		SessionWebhook: "https://webhook.example/conv-1",
	}
	data.Text.Content = "hello"

	_, err = ch.onMessage(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, r.inbound, 1)
	assert.Equal(t, "conv-1", r.inbound[0].ConversationID)
	assert.Equal(t, "hello", r.inbound[0].Content)
	assert.Equal(t, "https://webhook.example/conv-1", ch.webhooks["conv-1"])
}

func TestChannel_OnMessage_IgnoresEmptyContent(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{AppKey: "k", AppSecret: "s"}, r, channels.DefaultPolicy())
	require.NoError(t, err)

	_, err = ch.onMessage(context.Background(), &chatbot.BotCallbackDataModel{ConversationId: "conv-1"})
	require.NoError(t, err)
	assert.Empty(t, r.inbound)
}

func TestChannel_OnMessage_RespectsPolicy(t *testing.T) {
	r := &fakeRouter{}
	policy := channels.DefaultPolicy()
	policy.AllowUserIDs = []string{"allowed-user"}
	ch, err := New(Config{AppKey: "k", AppSecret: "s"}, r, policy)
	require.NoError(t, err)

	data := &chatbot.BotCallbackDataModel{ConversationId: "conv-1", SenderStaffId: "blocked-user"}
	data.Text.Content = "hi"
	_, err = ch.onMessage(context.Background(), data)
	require.NoError(t, err)
	assert.Empty(t, r.inbound)
}

func TestChannel_Stream_FailsWithoutKnownWebhook(t *testing.T) {
	ch, err := New(Config{AppKey: "k", AppSecret: "s"}, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)

	err = ch.Stream("unknown-conv", channels.AgentStreamEvent{Type: "text-delta", Delta: "hi"})
	assert.Error(t, err)
}

func TestChannel_Stream_IgnoresEmptyDelta(t *testing.T) {
	ch, err := New(Config{AppKey: "k", AppSecret: "s"}, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)

	require.NoError(t, ch.Stream("any-conv", channels.AgentStreamEvent{Type: "text-delta", Delta: ""}))
	require.NoError(t, ch.Stream("any-conv", channels.AgentStreamEvent{Type: "done"}))
}

func TestChannel_ID(t *testing.T) {
	ch, err := New(Config{AppKey: "k", AppSecret: "s"}, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, "dingtalk", ch.ID())
}
