package channels

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// WebhookRouter binds every registered webhook-transport channel's routes
// under a single shared HTTP surface — the channel-side webhook server,
// distinct from the daemon-gateway socket. Rejects duplicate
// (method, path) pairs at registration time.
type WebhookRouter struct {
	basePath string
	routes   map[string]WebhookRoute // key: method+" "+path
}

// NewWebhookRouter builds a router that strips basePath (if non-empty)
// from every incoming request path before matching.
func NewWebhookRouter(basePath string) *WebhookRouter {
	return &WebhookRouter{
		basePath: strings.TrimSuffix(basePath, "/"),
		routes:   make(map[string]WebhookRoute),
	}
}

// Bind registers every route a WebhookProvider channel exposes. Returns an
// error listing any (method, path) pair already bound by an earlier
// channel — duplicate webhook routes are a configuration error, not a
// silent override.
func (r *WebhookRouter) Bind(ch Channel) error {
	provider, ok := ch.(WebhookProvider)
	if !ok {
		return nil
	}
	for _, route := range provider.GetWebhookRoutes() {
		key := routeKey(route.Method, route.Path)
		if _, exists := r.routes[key]; exists {
			return duplicateRouteError(ch.ID(), route.Method, route.Path)
		}
		r.routes[key] = route
	}
	return nil
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// ServeHTTP normalises the request, dispatches it to the matching bound
// handler, and writes back the handler's NormalizedResponse verbatim. A
// path with no matching (method, path) pair gets a 404.
func (r *WebhookRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, r.basePath)
	if path == "" {
		path = "/"
	}

	route, ok := r.routes[routeKey(req.Method, path)]
	if !ok {
		http.NotFound(w, req)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	normReq := NormalizedRequest{
		Method:  req.Method,
		Path:    path,
		Headers: req.Header,
		Query:   req.URL.Query(),
		Body:    body,
	}
	if len(body) > 0 {
		var parsed map[string]any
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &parsed); err == nil {
			normReq.JSON = parsed
		}
	}

	resp := route.Handler(normReq)

	if resp.JSON != nil {
		w.Header().Set("Content-Type", "application/json")
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(resp.JSON); err != nil {
			slog.Error("channels: webhook response encode failed", "error", err)
		}
		return
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

type routeConflictError struct {
	channelID, method, path string
}

func (e *routeConflictError) Error() string {
	return "channels: webhook route already bound: " + e.method + " " + e.path + " (channel " + e.channelID + ")"
}

func duplicateRouteError(channelID, method, path string) error {
	return &routeConflictError{channelID: channelID, method: method, path: path}
}
