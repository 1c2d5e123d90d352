// Package config loads the per-user ~/.openviber/config.yaml layout and
// layers a remote config pull on top of it.
package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GatewayConfig is the daemon's view of where its gateway lives.
type GatewayConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	BasePath string `yaml:"basePath"`
}

// Config is the full ~/.openviber/config.yaml document: a top-level
// gateway connection block plus one raw JSON blob per configured
// channel, kept raw so each channel's own factory owns its schema.
type Config struct {
	Gateway  GatewayConfig
	Channels map[string]jsoniter.RawMessage
}

// rawConfig mirrors Config's YAML shape for decode purposes; Channels is
// kept as yaml.Node per entry so it can be re-marshaled to JSON for the
// channel factories, which all speak jsoniter.RawMessage.
type rawConfig struct {
	Gateway  GatewayConfig          `yaml:"gateway"`
	Channels map[string]yaml.Node  `yaml:"channels"`
}

// DefaultPath returns ~/.openviber/config.yaml, resolving the user's home
// directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".openviber", "config.yaml"), nil
}

// Load reads and parses the config file at path. A missing file is not
// an error: it yields an empty Config (gateway defaults, no channels),
// since every field is optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{Channels: map[string]jsoniter.RawMessage{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Config{
		Gateway:  raw.Gateway,
		Channels: make(map[string]jsoniter.RawMessage, len(raw.Channels)),
	}
	for name, node := range raw.Channels {
		b, err := yamlNodeToJSON(node)
		if err != nil {
			return nil, fmt.Errorf("config: channel %q: %w", name, err)
		}
		cfg.Channels[name] = b
	}
	return cfg, nil
}

func yamlNodeToJSON(node yaml.Node) (jsoniter.RawMessage, error) {
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// RemoteFetcher pulls the authoritative config from the web API,
// grounded on the same bearer-auth net/http idiom used elsewhere in this
// repo (pkg/daemon/configsync.go's ConfigFetcher, the Telegram channel's
// dedicated download client).
type RemoteFetcher struct {
	WebURL      string // e.g. "https://web.example"
	ViberID     string
	BearerToken string
	Client      *http.Client
}

func (f *RemoteFetcher) httpClient() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Fetch retrieves the remote config document and decodes it the same
// way Load does for a local file, so a remote pull can supersede the
// local config transparently.
func (f *RemoteFetcher) Fetch(ctx context.Context) (*Config, error) {
	url := fmt.Sprintf("%s/api/vibers/%s/config", f.WebURL, f.ViberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("config: build remote request: %w", err)
	}
	if f.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.BearerToken)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("config: fetch remote config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("config: read remote config body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config: fetch remote config: status %d", resp.StatusCode)
	}

	var raw struct {
		Gateway  GatewayConfig                  `json:"gateway"`
		Channels map[string]jsoniter.RawMessage `json:"channels"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("config: decode remote config: %w", err)
	}

	return &Config{Gateway: raw.Gateway, Channels: raw.Channels}, nil
}

// LoadEffective reads the local file first, then overlays a remote pull
// (when fetcher is non-nil and reachable) on top of it. A remote fetch
// failure falls back to the local config rather than failing startup —
// config-sync's own validation path (pkg/daemon/configsync.go) is what
// reports remote-unreachability as a hard failure when it matters.
func LoadEffective(ctx context.Context, localPath string, fetcher *RemoteFetcher) (*Config, error) {
	local, err := Load(localPath)
	if err != nil {
		return nil, err
	}
	if fetcher == nil {
		return local, nil
	}

	remote, err := fetcher.Fetch(ctx)
	if err != nil {
		return local, nil
	}
	return remote, nil
}
