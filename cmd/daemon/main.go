// Command daemon runs one node's connection to a gateway: the reverse
// /ws socket, heartbeat/telemetry reporting, config sync, and the
// scheduled-jobs loader. Bootstrap idiom mirrors cmd/gateway:
// signal.NotifyContext, monitor.SetupEnvironment, then a long-lived
// loop torn down on signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"openviber/pkg/config"
	"openviber/pkg/daemon"
	"openviber/pkg/monitor"
	"openviber/pkg/telemetry"
	"openviber/pkg/wire"
)

const version = "0.1.0"

// stubExecutor marks the external-collaborator boundary: calling an
// actual LLM/agent loop is out of scope here. It reports a clear error
// so every submitted task resolves to task:error instead of hanging,
// rather than pretending to produce a real answer.
type stubExecutor struct {
	taskID string
}

func (e *stubExecutor) RunTurn(ctx context.Context, history []daemon.Message, onEvent func(wire.AgentEvent), onRaw func([]byte)) (daemon.TurnResult, error) {
	return daemon.TurnResult{}, fmt.Errorf("daemon: no agent executor configured for task %s (external collaborator boundary)", e.taskID)
}

func main() {
	nodeID := flag.String("node-id", "", "stable node identifier (defaults to a random uuid)")
	name := flag.String("name", "", "human-readable node name (defaults to node-<first 8 chars of the node id>)")
	gatewayURL := flag.String("gateway-url", "", "gateway ws(s):// endpoint, overrides config.yaml's gateway block")
	bearerToken := flag.String("bearer-token", "", "bearer token presented on /ws upgrade")
	configPath := flag.String("config", "", "path to config.yaml (defaults to ~/.openviber/config.yaml)")
	skillIDs := flag.String("skills", "", "comma-separated skill ids this node can provision")
	capabilityIDs := flag.String("capabilities", "", "comma-separated capability ids this node advertises")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := monitor.SetupEnvironment(*logLevel)
	defer m.Stop()

	id := *nodeID
	if id == "" {
		id = uuid.NewString()
	}
	nm := *name
	if nm == "" {
		nm = "node-" + id[:8]
	}

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			slog.Error("daemon: resolve default config path", "error", err)
			return
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("daemon: load config", "path", path, "error", err)
		return
	}

	url := *gatewayURL
	if url == "" {
		url = gatewayURLFromConfig(cfg.Gateway)
	}
	if url == "" {
		slog.Error("daemon: no gateway url configured (pass -gateway-url or set gateway.host/port in config.yaml)")
		return
	}

	sampler := telemetry.NewSampler(id, nm, version, runtime.GOOS, splitCSV(*skillIDs), splitCSV(*capabilityIDs))

	jobs := daemon.NewJobScheduler()
	defer jobs.Stop()

	configSync := &daemon.ConfigSync{
		Fetcher: &daemon.ConfigFetcher{
			BaseURL:     fmt.Sprintf("%s/api/vibers/%s/config", httpBaseFromGatewayConfig(cfg.Gateway), id),
			BearerToken: *bearerToken,
			Client:      &http.Client{Timeout: 10 * time.Second},
		},
	}

	ctrl := daemon.New(id, nm, version, runtime.GOOS, url, *bearerToken, sampler, func(taskID, goal string) daemon.Executor {
		return &stubExecutor{taskID: taskID}
	})
	ctrl.ConfigSync = configSync
	ctrl.Jobs = jobs

	slog.Info("daemon: starting", "nodeId", id, "name", nm, "gatewayUrl", url)
	ctrl.Run(ctx)
	slog.Info("daemon: stopped")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func gatewayURLFromConfig(g config.GatewayConfig) string {
	if g.Host == "" {
		return ""
	}
	scheme := "ws"
	port := g.Port
	if port == 0 {
		port = 8420
	}
	return fmt.Sprintf("%s://%s:%d%s/ws", scheme, g.Host, port, g.BasePath)
}

func httpBaseFromGatewayConfig(g config.GatewayConfig) string {
	if g.Host == "" {
		return ""
	}
	port := g.Port
	if port == 0 {
		port = 8420
	}
	return fmt.Sprintf("http://%s:%d%s", g.Host, port, g.BasePath)
}
