// Command gateway runs the central multiplexer: the daemon-facing /ws
// socket, the HTTP/SSE control surface, and the in-process channel-plugin
// fabric (channels run in-process with the gateway). Bootstrap idiom:
// signal.NotifyContext for graceful shutdown, monitor.SetupEnvironment
// for logging, a builder pattern for the long-lived server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"openviber/pkg/channels"
	_ "openviber/pkg/channels/dingtalk"
	_ "openviber/pkg/channels/discord"
	_ "openviber/pkg/channels/feishu"
	_ "openviber/pkg/channels/telegram"
	_ "openviber/pkg/channels/web"
	_ "openviber/pkg/channels/wechat"
	_ "openviber/pkg/channels/wecom"
	"openviber/pkg/config"
	"openviber/pkg/gateway"
	"openviber/pkg/monitor"
)

// liveRouter lets the webhook HTTP server keep serving through a config
// hot-reload that replaces the underlying mux wholesale.
type liveRouter struct {
	mu sync.RWMutex
	h  http.Handler
}

func (r *liveRouter) Set(h http.Handler) {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
}

func (r *liveRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	h := r.h
	r.mu.RUnlock()
	h.ServeHTTP(w, req)
}

func main() {
	addr := flag.String("addr", ":8420", "daemon/HTTP listen address")
	webhookAddr := flag.String("webhook-addr", ":8421", "channel webhook listen address")
	bearerToken := flag.String("bearer-token", "", "required bearer token for daemon /ws upgrades")
	configPath := flag.String("config", "", "path to config.yaml (defaults to ~/.openviber/config.yaml)")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := monitor.SetupEnvironment(*logLevel)
	defer m.Stop()

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			slog.Error("gateway: resolve default config path", "error", err)
			return
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("gateway: load config", "path", path, "error", err)
		return
	}

	var mgrMu sync.Mutex
	var mgr *channels.Manager
	builder := gateway.NewBuilder().
		WithAddr(*addr).
		WithTaskStreamHook(func(taskID, kind, delta, errMsg string) {
			mgrMu.Lock()
			m := mgr
			mgrMu.Unlock()
			if m == nil {
				return
			}
			m.DispatchByTask(taskID, channels.AgentStreamEvent{Type: kind, Delta: delta, Error: errMsg})
		})
	if *bearerToken != "" {
		builder = builder.WithBearerToken(*bearerToken)
	}

	built, err := builder.Build()
	if err != nil {
		slog.Error("gateway: build", "error", err)
		return
	}

	submitter := gateway.NewChannelSubmitter(built.Gateway)
	router := &liveRouter{}

	loadChannels := func(cfg *config.Config) *channels.Manager {
		newMgr := channels.NewManager(submitter, "")
		newMgr.SetObserver(monitor.NewChannelObserver(m))

		webhookRouter := channels.NewWebhookRouter("")
		for _, ch := range channels.NewSource(cfg.Channels, newMgr).Load() {
			newMgr.Register(ch)
			if err := webhookRouter.Bind(ch); err != nil {
				slog.Error("gateway: bind webhook routes", "channel", ch.ID(), "error", err)
			}
		}
		router.Set(webhookRouter)
		newMgr.StartAll()
		return newMgr
	}

	mgrMu.Lock()
	mgr = loadChannels(cfg)
	mgrMu.Unlock()

	webhookSrv := &http.Server{
		Addr:              *webhookAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway: webhook listener stopped", "error", err)
		}
	}()

	reloadCh := config.WatchConfig(ctx, path)
	go func() {
		for range reloadCh {
			newCfg, err := config.Load(path)
			if err != nil {
				slog.Error("gateway: reload config", "path", path, "error", err)
				continue
			}
			slog.Info("gateway: reloading channel configuration", "path", path)

			mgrMu.Lock()
			old := mgr
			mgr = loadChannels(newCfg)
			mgrMu.Unlock()
			old.StopAll()
		}
	}()

	slog.Info("gateway: running", "addr", *addr, "webhookAddr", *webhookAddr)
	<-ctx.Done()
	slog.Info("gateway: shutting down")

	mgrMu.Lock()
	mgr.StopAll()
	mgrMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := built.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway: shutdown", "error", err)
	}
	if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway: webhook shutdown", "error", err)
	}
	fmt.Println("bye")
}
