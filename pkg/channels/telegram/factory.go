package telegram

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Factory builds Telegram channels from their raw config block.
type Factory struct{}

// Create parses rawConfig and authenticates a Telegram bot client. sub is
// expected to be a *channels.Manager (or anything else implementing
// channels.Router); a Submitter with no Router capability means this
// channel cannot forward inbound traffic and Create fails loudly rather
// than silently dropping messages later.
func (f *Factory) Create(rawConfig jsoniter.RawMessage, sub channels.Submitter) (channels.Channel, error) {
	var cfg struct {
		Config
		Policy channels.Policy `json:"policy"`
	}
	cfg.Policy = channels.DefaultPolicy()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("telegram: parse config: %w", err)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: missing token")
	}

	router, ok := sub.(channels.Router)
	if !ok {
		return nil, fmt.Errorf("telegram: submitter does not implement channels.Router")
	}

	return New(cfg.Config, router, cfg.Policy)
}

func init() {
	channels.RegisterChannel("telegram", &Factory{})
}
