// Package discord implements the Discord platform channel on top of
// discordgo's gateway-websocket session: a push-driven event model,
// unlike the long-polling approach a bot API without a push gateway
// needs.
package discord

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"openviber/pkg/channels"
)

// Config holds Discord bot credentials: botToken required, appId
// optional. appId is accepted but not read: self-mentions are detected
// from the session's own user id once Start has opened it.
type Config struct {
	BotToken string `json:"botToken"`
	AppID    string `json:"appId"`
}

// Channel is the Discord implementation of channels.Channel.
type Channel struct {
	cfg     Config
	session *discordgo.Session
	router  channels.Router
	policy  channels.Policy
	selfID  string

	mu          sync.Mutex
	lastMessage map[string]*discordgo.MessageReference // conversationID -> triggering message
}

// New builds a discordgo session and registers the message-create
// handler. The session is not opened until Start.
func New(cfg Config, router channels.Router, policy channels.Policy) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	c := &Channel{
		cfg: cfg, session: session, router: router, policy: policy,
		lastMessage: make(map[string]*discordgo.MessageReference),
	}
	session.AddHandler(c.onMessageCreate)
	return c, nil
}

func (c *Channel) ID() string { return "discord" }

func (c *Channel) Start() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.selfID = c.session.State.User.ID
	}
	return nil
}

func (c *Channel) Stop() error {
	return c.session.Close()
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if c.selfID != "" && m.Author.ID == c.selfID {
		return
	}

	isDM := m.GuildID == ""
	mentioned := isDM || c.mentionsSelf(m)
	if c.policy.RequireMention && !isDM && !mentioned {
		return
	}
	if !c.policy.Allows(m.GuildID, m.ChannelID, m.Author.ID) {
		return
	}

	content := strings.TrimSpace(stripMentions(m.Content, c.selfID))
	if content == "" && len(m.Attachments) == 0 {
		return
	}

	var files []channels.FileAttachment
	for _, a := range m.Attachments {
		files = append(files, channels.FileAttachment{Filename: a.Filename, MimeType: a.ContentType})
	}

	c.mu.Lock()
	c.lastMessage[m.ChannelID] = m.Reference()
	c.mu.Unlock()

	c.HandleMessage(channels.InboundMessage{
		ChannelID:      "discord",
		ConversationID: m.ChannelID,
		UserID:         m.Author.ID,
		Username:       m.Author.Username,
		Content:        content,
		Files:          files,
	})
}

func (c *Channel) mentionsSelf(m *discordgo.MessageCreate) bool {
	if c.selfID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u.ID == c.selfID {
			return true
		}
	}
	return false
}

func stripMentions(content, selfID string) string {
	if selfID == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+selfID+">", "")
	content = strings.ReplaceAll(content, "<@!"+selfID+">", "")
	return content
}

// HandleMessage forwards an already-normalised inbound message to the
// router.
func (c *Channel) HandleMessage(msg channels.InboundMessage) {
	c.router.HandleInbound(msg)
}

// Stream sends each chunked delta or error notice as a new channel
// message. When the policy's ReplyMode is "reply" and a triggering
// message is still on record for conversationID, the message is sent as
// a threaded reply to it instead of a bare channel post.
func (c *Channel) Stream(conversationID string, ev channels.AgentStreamEvent) error {
	switch ev.Type {
	case "text-delta":
		if ev.Delta == "" {
			return nil
		}
		return c.send(conversationID, ev.Delta)
	case "error":
		return c.send(conversationID, "error: "+ev.Error)
	default:
		return nil
	}
}

func (c *Channel) send(conversationID, text string) error {
	if c.policy.ReplyMode == channels.ReplyModeReply {
		if ref := c.replyReference(conversationID); ref != nil {
			if _, err := c.session.ChannelMessageSendReply(conversationID, text, ref); err != nil {
				return fmt.Errorf("discord: send reply: %w", err)
			}
			return nil
		}
	}
	if _, err := c.session.ChannelMessageSend(conversationID, text); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

func (c *Channel) replyReference(conversationID string) *discordgo.MessageReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage[conversationID]
}

// HandleInterrupt implements channels.InterruptHandler: a "stop" signal
// maps onto the conversation's running task via the router.
func (c *Channel) HandleInterrupt(conversationID, signal string) error {
	if signal != "stop" {
		return nil
	}
	return c.router.HandleInterrupt(conversationID)
}
