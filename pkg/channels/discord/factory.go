package discord

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Factory struct{}

func (f *Factory) Create(rawConfig jsoniter.RawMessage, sub channels.Submitter) (channels.Channel, error) {
	var cfg struct {
		Config
		Policy channels.Policy `json:"policy"`
	}
	cfg.Policy = channels.DefaultPolicy()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("discord: parse config: %w", err)
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord: missing botToken")
	}

	router, ok := sub.(channels.Router)
	if !ok {
		return nil, fmt.Errorf("discord: submitter does not implement channels.Router")
	}

	return New(cfg.Config, router, cfg.Policy)
}

func init() {
	channels.RegisterChannel("discord", &Factory{})
}
