// Package telegram implements the Telegram platform channel: a
// long-polling update loop, media-group (album) buffering, photo
// download-to-disk, and chunked outbound delivery.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"openviber/pkg/channels"
	"openviber/pkg/utils"
)

// Config holds Telegram's bot credential and tuning knobs.
type Config struct {
	Token             string `json:"token"`
	DownloadTimeoutMs int    `json:"downloadTimeoutMs"`
}

// Channel is the Telegram implementation of channels.Channel. Uses a
// dedicated *http.Client whose DialContext is tied to a cancellable
// context, so after Stop() no new connection can be dialed; a long-poll
// request already running on an open connection is not aborted and
// runs until it returns. Also holds a media-group debounce buffer and a
// glob-based download dedup.
type Channel struct {
	cfg    Config
	bot    *tgbotapi.BotAPI
	router channels.Router
	policy channels.Policy

	httpClient *http.Client

	mu          sync.Mutex
	mediaGroups map[string]*mediaGroupBuffer

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

type mediaGroupBuffer struct {
	msg      channels.InboundMessage
	photoIDs []string
	timer    *time.Timer
}

// New builds and authenticates a Telegram bot client.
func New(cfg Config, router channels.Router, policy channels.Policy) (*Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	botHTTPClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				merged, mergedCancel := context.WithCancel(dialCtx)
				go func() {
					select {
					case <-ctx.Done():
						mergedCancel()
					case <-merged.Done():
					}
				}()
				return dialer.DialContext(merged, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, botHTTPClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telegram: authorize bot: %w", err)
	}
	slog.Info("telegram: bot authorized", "username", bot.Self.UserName)

	downloadTimeout := time.Duration(cfg.DownloadTimeoutMs) * time.Millisecond
	if downloadTimeout <= 0 {
		downloadTimeout = 30 * time.Second
	}

	return &Channel{
		cfg:         cfg,
		bot:         bot,
		router:      router,
		policy:      policy,
		httpClient:  &http.Client{Timeout: downloadTimeout},
		mediaGroups: make(map[string]*mediaGroupBuffer),
		stopCtx:     ctx,
		stopCancel:  cancel,
	}, nil
}

func (c *Channel) ID() string { return "telegram" }

// Start runs the long-polling update loop in the background. Uses a
// manual-offset GetUpdates loop rather than tgbotapi's GetUpdatesChan so
// the loop checks the stop context between requests and exits once
// Stop has been called.
func (c *Channel) Start() error {
	go c.pollLoop()
	return nil
}

func (c *Channel) pollLoop() {
	offset := 0
	for {
		select {
		case <-c.stopCtx.Done():
			return
		default:
		}

		req := tgbotapi.NewUpdate(offset)
		req.Timeout = 60

		updates, err := c.bot.GetUpdates(req)
		if err != nil {
			select {
			case <-c.stopCtx.Done():
				return
			default:
				slog.Debug("telegram: GetUpdates failed", "error", err)
				time.Sleep(3 * time.Second)
				continue
			}
		}

		for _, update := range updates {
			if update.UpdateID < offset {
				continue
			}
			offset = update.UpdateID + 1
			if update.Message == nil {
				continue
			}
			c.handleUpdate(update.Message)
		}
	}
}

func (c *Channel) handleUpdate(m *tgbotapi.Message) {
	userID := strconv.FormatInt(m.From.ID, 10)
	chatID := strconv.FormatInt(m.Chat.ID, 10)

	var photoID string
	if len(m.Photo) > 0 {
		photoID = m.Photo[len(m.Photo)-1].FileID
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}

	if !m.Chat.IsPrivate() && c.policy.RequireMention && !mentionsBot(content, c.bot.Self.UserName) {
		return
	}
	if !c.policy.Allows("", chatID, userID) {
		return
	}

	base := channels.InboundMessage{
		ChannelID:      "telegram",
		ConversationID: chatID,
		UserID:         userID,
		Username:       m.From.UserName,
	}

	if m.MediaGroupID != "" {
		c.handleMediaGroup(m.MediaGroupID, base, content, photoID)
		return
	}

	if photoID != "" {
		go func(base channels.InboundMessage, text, pID string) {
			var files []channels.FileAttachment
			if f, err := c.downloadPhoto(pID); err == nil {
				files = append(files, *f)
			} else {
				slog.Error("telegram: photo download failed", "error", err)
			}
			base.Content = text
			base.Files = files
			c.HandleMessage(base)
		}(base, content, photoID)
		return
	}

	base.Content = content
	c.HandleMessage(base)
}

func mentionsBot(text, username string) bool {
	if username == "" {
		return true
	}
	return len(text) > 0 && containsMention(text, "@"+username)
}

func containsMention(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// HandleMessage is this channel's inbound entry point: it applies no
// further policy (already checked in handleUpdate) and forwards to the
// shared router.
func (c *Channel) HandleMessage(msg channels.InboundMessage) {
	c.router.HandleInbound(msg)
}

func (c *Channel) downloadPhoto(fileID string) (*channels.FileAttachment, error) {
	fileInfo, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("telegram: get file info: %w", err)
	}
	fileURL := fileInfo.Link(c.cfg.Token)

	attachmentsDir := "data/attachments"
	if err := os.MkdirAll(attachmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("telegram: create attachments dir: %w", err)
	}

	basePattern := fmt.Sprintf("%s/tg_%s", attachmentsDir, fileID)
	if matches, _ := filepath.Glob(basePattern + "*"); len(matches) > 0 {
		localPath := matches[0]
		mimeType, _ := utils.DetectFileMimeAndExt(localPath)
		return &channels.FileAttachment{Filename: fileInfo.FilePath, MimeType: mimeType, Path: localPath}, nil
	}

	resp, err := c.httpClient.Get(fileURL)
	if err != nil {
		return nil, fmt.Errorf("telegram: download photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download photo: status %d", resp.StatusCode)
	}

	ext := filepath.Ext(fileInfo.FilePath)
	localPath := basePattern + ext
	outFile, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("telegram: create local file: %w", err)
	}
	defer outFile.Close()
	if _, err := io.Copy(outFile, resp.Body); err != nil {
		return nil, fmt.Errorf("telegram: save photo: %w", err)
	}

	mimeType, detectedExt := utils.DetectFileMimeAndExt(localPath)
	if ext == "" {
		newPath := basePattern + detectedExt
		if err := os.Rename(localPath, newPath); err == nil {
			localPath = newPath
		}
	}
	return &channels.FileAttachment{Filename: fileInfo.FilePath, MimeType: mimeType, Path: localPath}, nil
}

func (c *Channel) handleMediaGroup(groupID string, base channels.InboundMessage, text, photoID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.mediaGroups[groupID]
	if !ok {
		buf = &mediaGroupBuffer{msg: base}
		buf.msg.Content = text
		if photoID != "" {
			buf.photoIDs = append(buf.photoIDs, photoID)
		}
		c.mediaGroups[groupID] = buf
		buf.timer = time.AfterFunc(time.Second, func() { c.flushMediaGroup(groupID) })
		return
	}

	if text != "" {
		if buf.msg.Content != "" {
			buf.msg.Content += "\n" + text
		} else {
			buf.msg.Content = text
		}
	}
	if photoID != "" {
		buf.photoIDs = append(buf.photoIDs, photoID)
	}
	buf.timer.Reset(time.Second)
}

func (c *Channel) flushMediaGroup(groupID string) {
	c.mu.Lock()
	buf, exists := c.mediaGroups[groupID]
	if !exists {
		c.mu.Unlock()
		return
	}
	delete(c.mediaGroups, groupID)
	c.mu.Unlock()

	var wg sync.WaitGroup
	files := make([]channels.FileAttachment, len(buf.photoIDs))
	for i, pid := range buf.photoIDs {
		wg.Add(1)
		go func(index int, id string) {
			defer wg.Done()
			if f, err := c.downloadPhoto(id); err == nil {
				files[index] = *f
			} else {
				slog.Error("telegram: media group download failed", "fileId", id, "error", err)
			}
		}(i, pid)
	}
	wg.Wait()

	var ok []channels.FileAttachment
	for _, f := range files {
		if f.Path != "" {
			ok = append(ok, f)
		}
	}
	buf.msg.Files = ok
	c.HandleMessage(buf.msg)
	slog.Info("telegram: media group flushed", "group", groupID, "images", len(ok))
}

// Stop cancels the long-poll loop and closes idle connections. A
// GetUpdates call already in flight is not interrupted; the loop exits
// after it returns.
func (c *Channel) Stop() error {
	c.stopCancel()
	if transport, ok := c.bot.Client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// Stream delivers one chunked delta, the terminal done marker (a no-op:
// Telegram has no "message complete" affordance), or an error notice.
func (c *Channel) Stream(conversationID string, ev channels.AgentStreamEvent) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", conversationID, err)
	}

	switch ev.Type {
	case "text-delta":
		if ev.Delta == "" {
			return nil
		}
		_, err := c.bot.Send(tgbotapi.NewMessage(chatID, ev.Delta))
		return err
	case "error":
		_, err := c.bot.Send(tgbotapi.NewMessage(chatID, "error: "+ev.Error))
		return err
	default:
		return nil
	}
}

// HandleInterrupt implements channels.InterruptHandler: a "/stop"
// command forwards straight to the router rather than needing a
// dedicated reaction listener.
func (c *Channel) HandleInterrupt(conversationID, signal string) error {
	if signal != "stop" {
		return nil
	}
	return c.router.HandleInterrupt(conversationID)
}
