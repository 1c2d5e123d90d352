package wecom

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
)

// Factory builds WeCom channels from their raw config block.
type Factory struct{}

// Create parses rawConfig and builds the channel's AES cipher and token
// source. sub must implement channels.Router for inbound routing.
func (f *Factory) Create(rawConfig jsoniter.RawMessage, sub channels.Submitter) (channels.Channel, error) {
	var cfg struct {
		Config
		Policy channels.Policy `json:"policy"`
	}
	cfg.Policy = channels.DefaultPolicy()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("wecom: parse config: %w", err)
	}
	if cfg.CorpID == "" || cfg.AgentID == "" || cfg.Secret == "" || cfg.Token == "" || cfg.AESKey == "" {
		return nil, fmt.Errorf("wecom: corpId, agentId, secret, token and aesKey are all required")
	}

	router, ok := sub.(channels.Router)
	if !ok {
		return nil, fmt.Errorf("wecom: submitter does not implement channels.Router")
	}

	return New(cfg.Config, router, cfg.Policy)
}

func init() {
	channels.RegisterChannel("wecom", &Factory{})
}
