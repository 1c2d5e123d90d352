package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openviber/pkg/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Router builds the chi router serving both the REST/SSE surface and the
// /ws daemon upgrade endpoint on one listener.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", g.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(g.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/ws", g.ServeNodeSocket)

	r.Route("/api", func(api chi.Router) {
		api.Get("/nodes", g.handleListNodes)
		api.Get("/vibers", g.handleListVibers)
		api.Post("/vibers", g.handleCreateViber)
		api.Get("/vibers/{id}", g.handleGetViber)
		api.Post("/vibers/{id}/message", g.handleMessageViber)
		api.Post("/vibers/{id}/stop", g.handleStopViber)
		api.Get("/vibers/{id}/stream", g.handleStreamViber)
		api.Get("/events", g.handleListEvents)
		api.Get("/jobs", g.handleListJobs)
		api.Get("/nodes/{id}/status", g.handleNodeStatus)
		api.Post("/nodes/{id}/job", g.handlePushJob)
		api.Post("/nodes/{id}/config-push", g.handleConfigPush)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Node-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	nodes := g.State.ListNodes()
	healthy := 0
	summaries := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		if n.IsConnected() {
			healthy++
		}
		summaries = append(summaries, map[string]any{
			"id": n.ID, "name": n.Name, "connected": n.IsConnected(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"nodes":         len(nodes),
		"healthyNodes":  healthy,
		"vibers":        len(g.State.ListTasks()),
		"nodesSummary":  summaries,
	})
}

func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := g.State.ListNodes()
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeSummary(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func nodeSummary(n *Node) map[string]any {
	return map[string]any{
		"id": n.ID, "name": n.Name, "version": n.Version, "platform": n.Platform,
		"connected":       n.IsConnected(),
		"connectedAt":     n.ConnectedAt,
		"lastHeartbeatAt": n.LastHeartbeatAt,
		"capabilities":    n.Capabilities,
		"skills":          n.Skills,
		"machine":         n.Machine,
		"viberStatus":     n.ViberStatus,
		"configState":     n.ConfigState,
		"jobs":            n.Jobs,
	}
}

func (g *Gateway) handleListVibers(w http.ResponseWriter, r *http.Request) {
	tasks := g.State.ListTasks()
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func taskSummary(t *Task) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"id": t.ID, "nodeId": t.NodeID, "goal": t.Goal, "state": t.State,
		"partialText": t.PartialText, "createdAt": t.CreatedAt, "completedAt": t.CompletedAt,
	}
}

func taskDetail(t *Task) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"id": t.ID, "nodeId": t.NodeID, "goal": t.Goal, "state": t.State,
		"partialText": t.PartialText, "events": t.Events, "result": t.Result,
		"error": t.ErrorMessage, "model": t.Model,
		"createdAt": t.CreatedAt, "completedAt": t.CompletedAt,
	}
}

type createViberRequest struct {
	Goal        string              `json:"goal"`
	NodeID      string              `json:"nodeId,omitempty"`
	Messages    jsoniter.RawMessage `json:"messages,omitempty"`
	Environment jsoniter.RawMessage `json:"environment,omitempty"`
	Settings    jsoniter.RawMessage `json:"settings,omitempty"`
	OauthTokens jsoniter.RawMessage `json:"oauthTokens,omitempty"`
	Model       string              `json:"model,omitempty"`
}

func (g *Gateway) handleCreateViber(w http.ResponseWriter, r *http.Request) {
	var req createViberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	nodeID := req.NodeID
	if nodeID == "" {
		nodes := g.State.ListNodes()
		for _, n := range nodes {
			if n.IsConnected() {
				nodeID = n.ID
				break
			}
		}
	}
	if nodeID == "" {
		writeError(w, http.StatusServiceUnavailable, "No node available")
		return
	}

	taskID := newTaskID()
	submit := &wire.TaskSubmit{
		Type: wire.TypeTaskSubmit, ID: taskID, Goal: req.Goal,
		Messages: req.Messages, Environment: req.Environment,
		Settings: req.Settings, OauthTokens: req.OauthTokens,
	}

	t, err := g.SubmitTask(nodeID, req.Goal, submit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "No node available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"viberId": t.ID, "nodeId": nodeID})
}

// newTaskID mints a gateway-assigned task id: task-<monotonic>-<random6>.
func newTaskID() string {
	return fmt.Sprintf("task-%d-%s", time.Now().UnixNano(), uuid.NewString()[:6])
}

func (g *Gateway) handleGetViber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := g.State.GetTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, "viber not found")
		return
	}
	detail := taskDetail(t)
	if n, ok := g.State.GetNode(t.NodeID); ok {
		detail["isNodeConnected"] = n.IsConnected()
	} else {
		detail["isNodeConnected"] = false
	}
	writeJSON(w, http.StatusOK, detail)
}

type messageViberRequest struct {
	Mode    wire.InterventionMode `json:"mode"`
	Message string                `json:"message"`
}

func (g *Gateway) handleMessageViber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := g.State.GetTask(id); !ok {
		writeError(w, http.StatusNotFound, "viber not found")
		return
	}
	var req messageViberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Mode == "" {
		req.Mode = wire.ModeFollowup
	}
	if err := g.MessageTask(id, req.Message, req.Mode); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (g *Gateway) handleStopViber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := g.StopTask(id); err != nil {
		if err == ErrTaskNotFound {
			writeError(w, http.StatusNotFound, "viber not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (g *Gateway) handleStreamViber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := g.State.GetTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, "viber not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("x-vercel-ai-ui-message-stream", "v1")
	w.Header().Set("Access-Control-Expose-Headers", "x-vercel-ai-ui-message-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	terminal := t.Snapshot().IsTerminal()
	sub := t.Stream.Subscribe(w, terminal)
	if sub == nil {
		return
	}

	g.metrics.sseSubscribers.Inc()
	defer g.metrics.sseSubscribers.Dec()

	select {
	case <-sub.done:
	case <-r.Context().Done():
	}
}

func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}

	events := g.State.ListSystemEvents()
	merged := make([]wire.SystemEvent, 0, len(events))
	for _, ev := range events {
		if !since.IsZero() && !ev.At.After(since) {
			continue
		}
		merged = append(merged, ev)
	}
	// descending by At
	for i, j := 0, len(merged)-1; i < j; i, j = i+1, j-1 {
		merged[i], merged[j] = merged[j], merged[i]
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	writeJSON(w, http.StatusOK, merged)
}

func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, n := range g.State.ListNodes() {
		out[n.ID] = n.Jobs
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, ok := g.State.GetNode(id)
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}

	source := "heartbeat-cache"
	if !n.IsConnected() {
		source = "heartbeat-stale"
	}

	if n.IsConnected() {
		reported := n.AwaitStatusReport()
		if err := g.RequestStatus(id); err != nil {
			source = "heartbeat-stale"
		} else {
			select {
			case <-reported:
				source = "live"
			case <-time.After(5 * time.Second):
				source = "heartbeat-stale"
			}
		}
	}

	resp := nodeSummary(n)
	resp["source"] = source
	writeJSON(w, http.StatusOK, resp)
}

type pushJobRequest struct {
	Name        string `json:"name"`
	Schedule    string `json:"schedule"`
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
}

func (g *Gateway) handlePushJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req pushJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	job := wire.NewJobPush(req.Name, req.Schedule, req.Prompt, req.Description, req.Model)
	if err := g.PushJob(id, job); err != nil {
		if err == ErrNoNode {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (g *Gateway) handleConfigPush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := g.PushConfig(id); err != nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
