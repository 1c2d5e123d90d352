package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"openviber/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ServeNodeSocket upgrades a daemon's reverse connection and runs its read
// loop until the socket closes. Daemons authenticate with a bearer token
// and an X-Node-Id header; non-upgrade paths and bad credentials are
// rejected cleanly, never by crashing.
func (g *Gateway) ServeNodeSocket(w http.ResponseWriter, r *http.Request) {
	if g.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != g.bearerToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if len(g.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if _, ok := g.allowedOrigins[origin]; !ok {
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
	}

	nodeID := r.Header.Get("X-Node-Id")
	if nodeID == "" {
		http.Error(w, "missing X-Node-Id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "nodeId", nodeID, "error", err)
		return
	}

	g.runNodeSocket(nodeID, conn)
}

func (g *Gateway) runNodeSocket(nodeID string, conn *websocket.Conn) {
	defer conn.Close()

	// The first frame on a fresh connection must be the connected handshake.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		slog.Warn("ws closed before handshake", "nodeId", nodeID, "error", err)
		return
	}
	frameType, err := wire.PeekType(raw)
	if err != nil || frameType != wire.TypeConnected {
		slog.Warn("ws first frame was not connected", "nodeId", nodeID, "type", frameType)
		return
	}
	var hello wire.Connected
	if err := wire.Decode(raw, &hello); err != nil {
		slog.Warn("malformed connected handshake", "nodeId", nodeID, "error", err)
		return
	}
	if hello.ID != "" {
		nodeID = hello.ID
	}

	n := NewNode(nodeID, hello.Name, hello.Version, hello.Platform, hello.Capabilities, conn)
	g.State.PutNode(n)
	g.metrics.nodesConnected.Inc()
	slog.Info("node connected", "nodeId", nodeID, "name", hello.Name, "version", hello.Version)

	defer func() {
		g.metrics.nodesConnected.Dec()
		g.HandleNodeDisconnect(n)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frameType, err := wire.PeekType(raw)
		if err != nil {
			slog.Warn("malformed frame", "nodeId", nodeID, "error", err)
			continue
		}
		g.Dispatch(n, frameType, raw)
	}
}
