package channels

// Policy captures the inbound-message controls common to every platform
// channel. Each allow-list, when non-empty, restricts inbound traffic to
// the listed ids; an empty list allows everything.
type Policy struct {
	AllowGuildIDs   []string `json:"allowGuildIds,omitempty"`
	AllowChannelIDs []string `json:"allowChannelIds,omitempty"`
	AllowUserIDs    []string `json:"allowUserIds,omitempty"`
	RequireMention  bool     `json:"requireMention"`
	ReplyMode       string   `json:"replyMode,omitempty"` // "reply" | "channel"
}

const (
	ReplyModeReply   = "reply"
	ReplyModeChannel = "channel"
)

// DefaultPolicy is the default stated for these controls: mention
// required in group contexts, replies threaded where the platform
// supports it.
func DefaultPolicy() Policy {
	return Policy{RequireMention: true, ReplyMode: ReplyModeReply}
}

// Allows reports whether an inbound message from guildID/channelID/userID
// passes this policy's allow-lists. Empty ids (platforms with no such
// concept) never fail an empty allow-list check.
func (p Policy) Allows(guildID, channelID, userID string) bool {
	return allowed(p.AllowGuildIDs, guildID) &&
		allowed(p.AllowChannelIDs, channelID) &&
		allowed(p.AllowUserIDs, userID)
}

func allowed(list []string, id string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
