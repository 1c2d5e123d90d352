package web

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

// Factory builds the browser-facing web channel.
type Factory struct{}

func (f *Factory) Create(rawConfig jsoniter.RawMessage, sub channels.Submitter) (channels.Channel, error) {
	var cfg struct {
		Config
		Policy channels.Policy `json:"policy"`
	}
	cfg.Policy = channels.DefaultPolicy()
	cfg.Policy.RequireMention = false // browser sessions have no group/mention concept
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("web: parse config: %w", err)
		}
	}

	router, ok := sub.(channels.Router)
	if !ok {
		return nil, fmt.Errorf("web: submitter does not implement channels.Router")
	}

	return New(cfg.Config, router, cfg.Policy), nil
}

func init() {
	channels.RegisterChannel("web", &Factory{})
}
