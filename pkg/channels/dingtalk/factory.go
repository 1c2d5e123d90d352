package dingtalk

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

// Factory builds DingTalk channels from their raw config block.
type Factory struct{}

// Create parses rawConfig and builds the stream-mode robot client; the
// client connects when the channel's Start is called.
func (f *Factory) Create(rawConfig jsoniter.RawMessage, sub channels.Submitter) (channels.Channel, error) {
	var cfg struct {
		Config
		Policy channels.Policy `json:"policy"`
	}
	cfg.Policy = channels.DefaultPolicy()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("dingtalk: parse config: %w", err)
	}
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("dingtalk: appKey and appSecret are required")
	}

	router, ok := sub.(channels.Router)
	if !ok {
		return nil, fmt.Errorf("dingtalk: submitter does not implement channels.Router")
	}

	return New(cfg.Config, router, cfg.Policy)
}

func init() {
	channels.RegisterChannel("dingtalk", &Factory{})
}
