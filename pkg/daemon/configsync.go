package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"openviber/pkg/wire"
)

const configFetchTimeout = 10 * time.Second

// Validator probes one config category and reports a Validation. Probes
// must honor ctx's deadline: each provider validation probe has a 5s
// hard timeout.
type Validator interface {
	Category() string
	Validate(ctx context.Context, cfg map[string]any) wire.Validation
}

// ConfigFetcher pulls the authoritative config from the web API using the
// node's bearer token, via a dedicated http.Client with a hard timeout.
type ConfigFetcher struct {
	BaseURL     string // e.g. "https://gateway.example/api/vibers/<id>/config"
	BearerToken string
	Client      *http.Client
}

func (f *ConfigFetcher) httpClient() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: configFetchTimeout}
}

// Fetch retrieves and decodes the remote config.
func (f *ConfigFetcher) Fetch(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, configFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("configsync: build request: %w", err)
	}
	if f.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.BearerToken)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("configsync: fetch config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("configsync: read config body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("configsync: fetch config: status %d", resp.StatusCode)
	}

	var cfg map[string]any
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("configsync: decode config: %w", err)
	}
	return cfg, nil
}

// ConfigSync implements the config:push → fetch → validate → configVersion
// → config:ack protocol.
type ConfigSync struct {
	Fetcher    *ConfigFetcher
	Validators []Validator
}

// Sync runs the full protocol and returns the ack frame to send. If the
// fetch itself fails, it still returns a valid ack carrying a single
// failed validation with an explanatory message rather than erroring
// out silently.
func (cs *ConfigSync) Sync(ctx context.Context) *wire.ConfigAck {
	cfg, err := cs.Fetcher.Fetch(ctx)
	if err != nil {
		return wire.NewConfigAck("", []wire.Validation{{
			Category:  wire.ValidationCategoryEnvSecrets,
			Status:    wire.ValidationStatusFailed,
			Message:   err.Error(),
			CheckedAt: nowISO(),
		}})
	}

	validations := make([]wire.Validation, 0, len(cs.Validators))
	for _, v := range cs.Validators {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		result := v.Validate(probeCtx, cfg)
		cancel()
		if result.CheckedAt == "" {
			result.CheckedAt = nowISO()
		}
		validations = append(validations, result)
	}

	version := ConfigVersion(cfg)
	return wire.NewConfigAck(version, validations)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ConfigVersion computes the stable configVersion: the first 16 hex chars
// of SHA-256 over the canonically key-sorted JSON of cfg.
func ConfigVersion(cfg map[string]any) string {
	canon := canonicalJSON(cfg)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON serializes v with map keys sorted, recursively, so that
// equal configs with different key orders hash identically.
func canonicalJSON(v any) []byte {
	var buf []byte
	buf = appendCanonical(buf, v)
	return buf
}

func appendCanonical(buf []byte, v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, val[k])
		}
		buf = append(buf, '}')
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, item)
		}
		buf = append(buf, ']')
	default:
		b, _ := json.Marshal(val)
		buf = append(buf, b...)
	}
	return buf
}

// HTTPProviderKeyValidator issues a cheap authenticated GET against a
// provider's documented endpoint to confirm an LLM API key is valid.
type HTTPProviderKeyValidator struct {
	ConfigKeyPath []string // dotted path into cfg, e.g. []string{"llm","openrouter","apiKey"}
	ProbeURL      string
	Client        *http.Client
}

func (v *HTTPProviderKeyValidator) Category() string { return wire.ValidationCategoryLLMKeys }

func (v *HTTPProviderKeyValidator) Validate(ctx context.Context, cfg map[string]any) wire.Validation {
	key, ok := lookupPath(cfg, v.ConfigKeyPath)
	if !ok || key == "" {
		return wire.Validation{Category: v.Category(), Status: wire.ValidationStatusFailed, Message: "missing api key"}
	}

	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.ProbeURL, nil)
	if err != nil {
		return wire.Validation{Category: v.Category(), Status: wire.ValidationStatusFailed, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := client.Do(req)
	if err != nil {
		return wire.Validation{Category: v.Category(), Status: wire.ValidationStatusFailed, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return wire.Validation{Category: v.Category(), Status: wire.ValidationStatusVerified}
	}
	return wire.Validation{
		Category: v.Category(), Status: wire.ValidationStatusFailed,
		Message: fmt.Sprintf("provider returned status %d", resp.StatusCode),
	}
}

func lookupPath(cfg map[string]any, path []string) (string, bool) {
	var cur any = cfg
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[p]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
