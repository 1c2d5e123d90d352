package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Builder provides a fluent builder pattern for constructing and starting
// a Gateway: components are pre-built and injected, and Build() wires
// and starts them.
type Builder struct {
	opts       []Option
	addr       string
	gw         *Gateway
}

// NewBuilder creates a fresh Builder.
func NewBuilder() *Builder {
	return &Builder{addr: ":8420"}
}

// WithAddr sets the TCP listen address (host:port). Defaults to ":8420".
func (b *Builder) WithAddr(addr string) *Builder {
	b.addr = addr
	return b
}

// WithBearerToken requires this token on daemon /ws upgrades.
func (b *Builder) WithBearerToken(token string) *Builder {
	b.opts = append(b.opts, WithBearerToken(token))
	return b
}

// WithAllowedOrigins restricts daemon /ws upgrades to the given origins.
func (b *Builder) WithAllowedOrigins(origins ...string) *Builder {
	b.opts = append(b.opts, WithAllowedOrigins(origins...))
	return b
}

// WithTaskStreamHook registers a callback for every text-delta/done/error
// a task produces, e.g. to mirror output into channel conversations.
func (b *Builder) WithTaskStreamHook(hook func(taskID, kind, delta, errMsg string)) *Builder {
	b.opts = append(b.opts, WithTaskStreamHook(hook))
	return b
}

// Built is the running gateway handle returned by Build().
type Built struct {
	Gateway *Gateway
	server  *http.Server
}

// Build assembles the Gateway and starts its HTTP listener in a background
// goroutine. The caller is responsible for calling Shutdown on context
// cancellation.
func (b *Builder) Build() (*Built, error) {
	gw := New(b.opts...)
	srv := &http.Server{
		Addr:              b.addr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("gateway: listen %s: %w", b.addr, err)
	case <-time.After(150 * time.Millisecond):
	}

	return &Built{Gateway: gw, server: srv}, nil
}

// Shutdown gracefully stops the HTTP listener.
func (bt *Built) Shutdown(ctx context.Context) error {
	return bt.server.Shutdown(ctx)
}
