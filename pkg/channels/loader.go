package channels

import (
	"log/slog"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source builds Channel instances from their raw per-platform config
// blocks. A registry lookup failure or bad config for one channel is
// logged and skipped rather than taking down the rest.
type Source struct {
	configs map[string]jsoniter.RawMessage
	sub     Submitter
}

// NewSource constructs a Source over the given platform-id → raw-config
// map and the shared task Submitter every channel routes through.
func NewSource(configs map[string]jsoniter.RawMessage, sub Submitter) *Source {
	return &Source{configs: configs, sub: sub}
}

// Load instantiates every configured channel, skipping (with a log line)
// any platform id that has no registered factory or whose config fails
// to build.
func (s *Source) Load() []Channel {
	var result []Channel
	for name, raw := range s.configs {
		factory, ok := GetChannelFactory(name)
		if !ok {
			slog.Warn("channels: unknown channel type", "name", name)
			continue
		}
		ch, err := factory.Create(raw, s.sub)
		if err != nil {
			slog.Error("channels: failed to create channel", "name", name, "error", err)
			continue
		}
		if ch == nil {
			continue
		}
		result = append(result, ch)
		slog.Info("channels: channel created", "name", name)
	}
	return result
}
