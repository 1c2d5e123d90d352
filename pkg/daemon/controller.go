package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"openviber/pkg/wire"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 30 * time.Second
	defaultHeartbeatEvery = 30 * time.Second
)

// StatusProvider builds the heartbeat/status:report body from the node's
// live telemetry. Implemented by pkg/telemetry in production; tests may
// supply a stub.
type StatusProvider interface {
	Snapshot(runningTasks int) wire.HeartbeatBody
}

// configStateRecorder is an optional StatusProvider capability: a
// telemetry sampler that wants the last config:ack reflected in its next
// heartbeat's configState field implements this (pkg/telemetry.Sampler
// does). Detected via type assertion so StatusProvider itself stays
// minimal for tests that supply a bare stub.
type configStateRecorder interface {
	RecordConfigState(ack *wire.ConfigAck)
}

// taskCompletionRecorder is the equivalent optional capability for the
// lifetime executed-task counter reported in the viber snapshot.
type taskCompletionRecorder interface {
	RecordTaskCompleted()
}

// ExecutorFactory builds the Executor for a newly submitted task.
type ExecutorFactory func(taskID, goal string) Executor

// Controller owns the daemon's single outbound connection to the gateway:
// dial, reconnect with bounded linear backoff, heartbeat, and frame
// dispatch to per-task Runtimes. A long-lived, context-cancellable
// network loop wired to a cancel context for forceful abort on Stop.
type Controller struct {
	NodeID   string
	Name     string
	Version  string
	Platform string

	GatewayURL  string
	BearerToken string

	Status          StatusProvider
	NewExecutor     ExecutorFactory
	HeartbeatEvery  time.Duration
	ConfigSync      *ConfigSync
	Jobs            *JobScheduler

	writeMu sync.Mutex
	conn    *websocket.Conn

	tasksMu sync.Mutex
	tasks   map[string]*Runtime
}

// New constructs a Controller. GatewayURL is the ws(s):// endpoint of the
// gateway's /ws upgrade path.
func New(nodeID, name, version, platform, gatewayURL, bearerToken string, status StatusProvider, factory ExecutorFactory) *Controller {
	return &Controller{
		NodeID: nodeID, Name: name, Version: version, Platform: platform,
		GatewayURL: gatewayURL, BearerToken: bearerToken,
		Status: status, NewExecutor: factory,
		HeartbeatEvery: defaultHeartbeatEvery,
		tasks:          make(map[string]*Runtime),
	}
}

// Run connects and reconnects until ctx is cancelled. Transport failures
// always retry; this never returns a startup error — the daemon exits
// nonzero only on unrecoverable startup errors, never a lost connection.
func (c *Controller) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.runOnce(ctx); err != nil {
			slog.Error("daemon connection lost", "error", err, "attempt", attempt)
		}
		attempt++
		delay := time.Duration(attempt) * defaultReconnectDelay
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Controller) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.GatewayURL)
	if err != nil {
		return fmt.Errorf("daemon: invalid gateway url: %w", err)
	}
	header := http.Header{}
	header.Set("X-Node-Id", c.NodeID)
	if c.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.BearerToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("daemon: dial gateway: %w", err)
	}
	defer conn.Close()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	hello := wire.NewConnected(c.NodeID, c.Name, c.Version, c.Platform, nil, nil, c.runningTaskIDs())
	if err := c.send(hello); err != nil {
		return fmt.Errorf("daemon: send handshake: %w", err)
	}

	if c.Jobs != nil {
		c.sendJobsList()
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeatLoop(hbCtx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frameType, err := wire.PeekType(raw)
		if err != nil {
			slog.Warn("daemon: malformed frame", "error", err)
			continue
		}
		c.dispatch(ctx, frameType, raw)
	}
}

func (c *Controller) send(payload any) error {
	b, err := wire.Encode(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("daemon: no live connection")
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Controller) runningTaskIDs() []string {
	c.tasksMu.Lock()
	defer c.tasksMu.Unlock()
	ids := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	interval := c.HeartbeatEvery
	if interval <= 0 {
		interval = defaultHeartbeatEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Controller) sendHeartbeat() {
	running := len(c.runningTaskIDs())
	var body wire.HeartbeatBody
	if c.Status != nil {
		body = c.Status.Snapshot(running)
	} else {
		body = wire.HeartbeatBody{Platform: c.Platform, RunningTasks: running}
	}
	if err := c.send(wire.NewHeartbeat(body)); err != nil {
		slog.Warn("daemon: heartbeat send failed", "error", err)
	}
}

func (c *Controller) dispatch(ctx context.Context, frameType string, raw []byte) {
	switch frameType {
	case wire.TypeTaskSubmit:
		var f wire.TaskSubmit
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("daemon: malformed task:submit", "error", err)
			return
		}
		c.startTask(ctx, &f)

	case wire.TypeTaskStop:
		var f wire.TaskStop
		if err := wire.Decode(raw, &f); err != nil {
			return
		}
		if rt := c.getTask(f.ID); rt != nil {
			rt.Stop()
		}

	case wire.TypeTaskMessage:
		var f wire.TaskMessage
		if err := wire.Decode(raw, &f); err != nil {
			return
		}
		if rt := c.getTask(f.ID); rt != nil {
			rt.Intervene(f.Message, f.Mode)
		}

	case wire.TypePing:
		_ = c.send(wire.NewPong())

	case wire.TypeStatusRequest:
		running := len(c.runningTaskIDs())
		body := wire.HeartbeatBody{Platform: c.Platform, RunningTasks: running}
		if c.Status != nil {
			body = c.Status.Snapshot(running)
		}
		if err := c.send(wire.NewStatusReport(body)); err != nil {
			slog.Warn("daemon: status:report send failed", "error", err)
		}

	case wire.TypeConfigPush:
		if c.ConfigSync != nil {
			go func() {
				ack := c.ConfigSync.Sync(ctx)
				if recorder, ok := c.Status.(configStateRecorder); ok {
					recorder.RecordConfigState(ack)
				}
				_ = c.send(ack)
			}()
		}

	case wire.TypeJobPush:
		var f wire.JobPush
		if err := wire.Decode(raw, &f); err != nil {
			slog.Warn("daemon: malformed job:push", "error", err)
			return
		}
		if c.Jobs == nil {
			return
		}
		if err := c.Jobs.Add(&f); err != nil {
			slog.Warn("daemon: reject job:push", "name", f.Name, "error", err)
			return
		}
		c.sendJobsList()

	case wire.TypeSkillProvision:
		var f wire.SkillProvision
		if err := wire.Decode(raw, &f); err != nil {
			return
		}
		_ = c.send(wire.NewSkillProvisionResult(f.SkillID, false, false, "provisioning not configured"))

	default:
		slog.Warn("daemon: unknown frame type", "type", frameType)
	}
}

func (c *Controller) getTask(id string) *Runtime {
	c.tasksMu.Lock()
	defer c.tasksMu.Unlock()
	return c.tasks[id]
}

func (c *Controller) startTask(ctx context.Context, submit *wire.TaskSubmit) {
	if c.NewExecutor == nil {
		slog.Error("daemon: no executor factory configured, dropping task:submit", "taskId", submit.ID)
		return
	}
	executor := c.NewExecutor(submit.ID, submit.Goal)

	rt := NewRuntime(submit.ID, submit.Goal, executor, Callbacks{
		OnEnvelope: func(env wire.Envelope) {
			_ = c.send(wire.NewTaskProgress(env))
		},
		OnStreamChunk: func(data []byte) {
			_ = c.send(wire.NewTaskStreamChunk(submit.ID, data))
		},
		OnCompleted: func(result any) {
			b, _ := wire.Encode(result)
			_ = c.send(wire.NewTaskCompleted(submit.ID, b))
			c.recordTaskFinished()
			c.removeTask(submit.ID)
		},
		OnError: func(errMsg, model string) {
			_ = c.send(wire.NewTaskError(submit.ID, errMsg, model))
			c.recordTaskFinished()
			c.removeTask(submit.ID)
		},
	})

	c.tasksMu.Lock()
	c.tasks[submit.ID] = rt
	c.tasksMu.Unlock()

	_ = c.send(wire.NewTaskStarted(submit.ID, submit.ID))
	go rt.Start(ctx)
}

func (c *Controller) sendJobsList() {
	jobs := c.Jobs.List()
	raw := make([]jsoniter.RawMessage, 0, len(jobs))
	for _, j := range jobs {
		b, err := json.Marshal(j)
		if err != nil {
			continue
		}
		raw = append(raw, b)
	}
	_ = c.send(wire.NewJobsList(raw))
}

func (c *Controller) recordTaskFinished() {
	if recorder, ok := c.Status.(taskCompletionRecorder); ok {
		recorder.RecordTaskCompleted()
	}
}

func (c *Controller) removeTask(id string) {
	c.tasksMu.Lock()
	delete(c.tasks, id)
	c.tasksMu.Unlock()
}
