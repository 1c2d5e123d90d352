package feishu

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

type Factory struct{}

func (f *Factory) Create(rawConfig jsoniter.RawMessage, sub channels.Submitter) (channels.Channel, error) {
	var cfg struct {
		Config
		Policy channels.Policy `json:"policy"`
	}
	cfg.Policy = channels.DefaultPolicy()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("feishu: parse config: %w", err)
	}
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu: appId and appSecret are required")
	}

	router, ok := sub.(channels.Router)
	if !ok {
		return nil, fmt.Errorf("feishu: submitter does not implement channels.Router")
	}

	return New(cfg.Config, router, cfg.Policy)
}

func init() {
	channels.RegisterChannel("feishu", &Factory{})
}
