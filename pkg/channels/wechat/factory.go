package wechat

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

// Factory builds WeChat channels from their raw config block.
type Factory struct{}

// Create parses rawConfig and validates the proxy connection fields.
func (f *Factory) Create(rawConfig jsoniter.RawMessage, sub channels.Submitter) (channels.Channel, error) {
	var cfg struct {
		Config
		Policy channels.Policy `json:"policy"`
	}
	cfg.Policy = channels.DefaultPolicy()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("wechat: parse config: %w", err)
	}
	if cfg.APIKey == "" || cfg.ProxyURL == "" {
		return nil, fmt.Errorf("wechat: apiKey and proxyUrl are required")
	}

	router, ok := sub.(channels.Router)
	if !ok {
		return nil, fmt.Errorf("wechat: submitter does not implement channels.Router")
	}

	return New(cfg.Config, router, cfg.Policy)
}

func init() {
	channels.RegisterChannel("wechat", &Factory{})
}
