package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openviber/pkg/channels"
)

type fakeRouter struct {
	inbound     []channels.InboundMessage
	interrupted []string
}

func (f *fakeRouter) HandleInbound(msg channels.InboundMessage) {
	f.inbound = append(f.inbound, msg)
}

func (f *fakeRouter) HandleInterrupt(conversationID string) error {
	f.interrupted = append(f.interrupted, conversationID)
	return nil
}

func TestChannel_OnMessageCreate_DMRoutesWithoutMention(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{BotToken: "tok"}, r, channels.DefaultPolicy())
	require.NoError(t, err)

	msg := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "msg-1",
		ChannelID: "chan-1",
		Content:   "hello bot",
		Author:    &discordgo.User{ID: "user-1", Username: "alice"},
	}}

	ch.onMessageCreate(nil, msg)

	require.Len(t, r.inbound, 1)
	assert.Equal(t, "discord", r.inbound[0].ChannelID)
	assert.Equal(t, "chan-1", r.inbound[0].ConversationID)
	assert.Equal(t, "hello bot", r.inbound[0].Content)
}

func TestChannel_OnMessageCreate_GuildRequiresMention(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{BotToken: "tok"}, r, channels.DefaultPolicy())
	require.NoError(t, err)
	ch.selfID = "bot-id"

	unmentioned := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "msg-1", ChannelID: "chan-1", GuildID: "guild-1",
		Content: "hello there", Author: &discordgo.User{ID: "user-1"},
	}}
	ch.onMessageCreate(nil, unmentioned)
	assert.Empty(t, r.inbound, "unmentioned guild message should be dropped")

	mentioned := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "msg-2", ChannelID: "chan-1", GuildID: "guild-1",
		Content: "<@bot-id> hello there", Author: &discordgo.User{ID: "user-1"},
		Mentions: []*discordgo.User{{ID: "bot-id"}},
	}}
	ch.onMessageCreate(nil, mentioned)
	require.Len(t, r.inbound, 1)
	assert.Equal(t, "hello there", r.inbound[0].Content)
}

func TestChannel_OnMessageCreate_PolicyBlocksDisallowedUser(t *testing.T) {
	r := &fakeRouter{}
	policy := channels.DefaultPolicy()
	policy.AllowUserIDs = []string{"allowed-user"}
	ch, err := New(Config{BotToken: "tok"}, r, policy)
	require.NoError(t, err)

	msg := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "msg-1", ChannelID: "chan-1", Content: "hi",
		Author: &discordgo.User{ID: "blocked-user"},
	}}
	ch.onMessageCreate(nil, msg)
	assert.Empty(t, r.inbound)
}

func TestChannel_OnMessageCreate_TracksReplyReferencePerConversation(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{BotToken: "tok"}, r, channels.DefaultPolicy())
	require.NoError(t, err)

	msg := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "msg-1", ChannelID: "chan-1", Content: "hello",
		Author: &discordgo.User{ID: "user-1"},
	}}
	ch.onMessageCreate(nil, msg)

	ref := ch.replyReference("chan-1")
	require.NotNil(t, ref)
	assert.Equal(t, "msg-1", ref.MessageID)
	assert.Equal(t, "chan-1", ref.ChannelID)

	assert.Nil(t, ch.replyReference("chan-2"), "no message observed yet for a different conversation")
}

func TestChannel_ID(t *testing.T) {
	ch, err := New(Config{BotToken: "tok"}, &fakeRouter{}, channels.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, "discord", ch.ID())
}

func TestChannel_HandleInterrupt_OnlyHandlesStopSignal(t *testing.T) {
	r := &fakeRouter{}
	ch, err := New(Config{BotToken: "tok"}, r, channels.DefaultPolicy())
	require.NoError(t, err)

	require.NoError(t, ch.HandleInterrupt("conv-1", "reaction:thumbsup"))
	assert.Empty(t, r.interrupted)

	require.NoError(t, ch.HandleInterrupt("conv-1", "stop"))
	assert.Equal(t, []string{"conv-1"}, r.interrupted)
}
