// Package web implements the browser-facing channel: a standalone
// gorilla/websocket server (not routed through the shared webhook
// router — it owns its own listener) that
// accepts text and base64-encoded image attachments and streams agent
// output back as JSON frames.
package web

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/channels"
	"openviber/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config is the web channel's own listener configuration.
type Config struct {
	Port int `json:"port"` // default 9453
}

// incomingFrame is the shape a browser client sends over the socket.
type incomingFrame struct {
	Text   string `json:"text"`
	Images []struct {
		Name string `json:"name"`
		Mime string `json:"mime"`
		Data string `json:"data"` // base64
	} `json:"images"`
}

// safeConn serializes concurrent writers onto one gorilla/websocket
// connection — the library forbids concurrent writes from multiple
// goroutines.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *safeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteMessage(messageType, data)
}

// Channel is the web implementation of channels.Channel.
type Channel struct {
	cfg    Config
	router channels.Router
	policy channels.Policy

	server *http.Server

	mu    sync.RWMutex
	conns map[string]*safeConn // conversation id -> connection
}

// New builds a web channel bound to its own port.
func New(cfg Config, router channels.Router, policy channels.Policy) *Channel {
	if cfg.Port == 0 {
		cfg.Port = 9453
	}
	return &Channel{
		cfg:    cfg,
		router: router,
		policy: policy,
		conns:  make(map[string]*safeConn),
	}
}

func (c *Channel) ID() string { return "web" }

func (c *Channel) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWebSocket)

	c.server = &http.Server{Addr: fmt.Sprintf(":%d", c.cfg.Port), Handler: mux}
	slog.Info("web: listening", "port", c.cfg.Port)

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("web: server error", "error", err)
		}
	}()
	return nil
}

func (c *Channel) Stop() error {
	if c.server == nil {
		return nil
	}
	return c.server.Close()
}

// HandleMessage forwards an already-normalised inbound message to the
// router; exists mainly for symmetry with the other channels and any
// future non-websocket ingress for this platform.
func (c *Channel) HandleMessage(msg channels.InboundMessage) {
	c.router.HandleInbound(msg)
}

// Stream writes the agent event straight through as a JSON frame — the
// browser client interprets type/delta/error itself.
func (c *Channel) Stream(conversationID string, ev channels.AgentStreamEvent) error {
	c.mu.RLock()
	conn, ok := c.conns[conversationID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("web: conversation %s not connected", conversationID)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("web: marshal stream event: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("web: upgrade failed", "error", err)
		return
	}
	conn := &safeConn{Conn: rawConn}

	conversationID := r.RemoteAddr
	c.mu.Lock()
	c.conns[conversationID] = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.conns, conversationID)
		c.mu.Unlock()
		conn.Close()
	}()

	if !c.policy.Allows("", "", conversationID) {
		return
	}

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}

		content, files := c.parseFrame(msgBytes)
		c.router.HandleInbound(channels.InboundMessage{
			ChannelID:      "web",
			ConversationID: conversationID,
			UserID:         conversationID,
			Username:       "web",
			Content:        content,
			Files:          files,
		})
	}
}

func (c *Channel) parseFrame(raw []byte) (string, []channels.FileAttachment) {
	var in incomingFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return string(raw), nil
	}

	var files []channels.FileAttachment
	for _, img := range in.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			slog.Error("web: decode base64 image failed", "name", img.Name, "error", err)
			continue
		}

		attachmentsDir := "data/attachments"
		if err := os.MkdirAll(attachmentsDir, 0o755); err != nil {
			slog.Error("web: create attachments dir failed", "error", err)
			continue
		}

		hash := sha256.Sum256(data)
		_, ext := utils.DetectMimeAndExt(data)
		localPath := fmt.Sprintf("%s/%s%s%s", attachmentsDir, utils.GenerateTimestampPrefix(), hex.EncodeToString(hash[:]), ext)

		if _, err := os.Stat(localPath); os.IsNotExist(err) {
			if err := os.WriteFile(localPath, data, 0o644); err != nil {
				slog.Error("web: save image failed", "path", localPath, "error", err)
				continue
			}
		}

		files = append(files, channels.FileAttachment{Filename: img.Name, MimeType: img.Mime, Path: localPath})
	}
	return in.Text, files
}
