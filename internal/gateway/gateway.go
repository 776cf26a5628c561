package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/deploy"
	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
	"github.com/scoutflo/mcp-platform/internal/mcpconn"
	"github.com/scoutflo/mcp-platform/internal/registry"
	"github.com/scoutflo/mcp-platform/internal/toolmanager"
	"github.com/scoutflo/mcp-platform/pkg/health"
)

// defaultQueueSize bounds a stdio entry's FIFO queue when the registry file
// doesn't set one.
const defaultQueueSize = 32

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_gateway_requests_total",
		Help: "Total gateway requests, by server id and outcome.",
	}, []string{"server", "outcome"})
	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcp_gateway_queue_depth",
		Help: "Current FIFO queue depth for stdio-backed gateway entries.",
	}, []string{"server"})
)

// Gateway is the HTTP front door: it multiplexes requests over many
// MCP servers behind a per-server load-balanced pool, tracks health, and
// hot-reloads its registry file.
type Gateway struct {
	cfg      FileConfig
	registry *registry.Registry
	deployer *deploy.Manager
	health   *health.Checker

	mu      sync.RWMutex
	entries map[string]*expandedEntry

	router   *mux.Router
	watcher  *fsnotify.Watcher
	filePath string
	closeCh  chan struct{}
}

// New creates a Gateway. registry and deployer resolve template-kind
// entries at load time; both may be nil if the registry file never
// declares a template entry.
func New(cfg FileConfig, reg *registry.Registry, deployer *deploy.Manager) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: reg,
		deployer: deployer,
		health:   health.NewChecker(),
		entries:  make(map[string]*expandedEntry),
		closeCh:  make(chan struct{}),
	}
	g.router = g.buildRouter()
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) { g.router.ServeHTTP(w, r) }

func (g *Gateway) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", g.handleRoot).Methods(http.MethodGet)
	r.Handle("/health", g.health.ReadinessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/servers", g.handleServersList).Methods(http.MethodGet)
	r.HandleFunc("/servers/{id}", g.handleServerDetail).Methods(http.MethodGet)
	r.PathPrefix("/{id}").HandlerFunc(g.handleEntry)
	return r
}

// LoadFile loads path as the initial registry file and, if cfg.ReloadRegistry
// is set, starts watching it for changes.
func (g *Gateway) LoadFile(path string) error {
	g.filePath = path
	if err := g.reload(path); err != nil {
		return err
	}
	g.health.SetReady(true)
	if g.cfg.ReloadRegistry {
		return g.watch(path)
	}
	return nil
}

// reload parses path, expands every entry, and atomically swaps the
// routing table in. New entries are built, modified entries are built
// fully before the route that serves them is swapped
// (no in-flight request ever sees a partial replacement), and removed or
// replaced entries are closed only after the swap.
func (g *Gateway) reload(path string) error {
	rf, err := loadRegistryFile(path)
	if err != nil {
		return err
	}

	g.mu.RLock()
	previous := g.entries
	g.mu.RUnlock()

	next := make(map[string]*expandedEntry, len(rf.Servers))
	var toClose []*expandedEntry

	for id, fe := range rf.Servers {
		expanded, err := g.expand(id, fe)
		if err != nil {
			klog.Errorf("gateway: failed to load entry %q, keeping previous state: %v", id, err)
			if old, ok := previous[id]; ok {
				next[id] = old
			}
			continue
		}
		next[id] = expanded
		if old, ok := previous[id]; ok {
			toClose = append(toClose, old)
		}
	}
	for id, old := range previous {
		if _, stillPresent := rf.Servers[id]; !stillPresent {
			toClose = append(toClose, old)
		}
	}

	g.mu.Lock()
	g.entries = next
	g.mu.Unlock()

	for _, old := range toClose {
		old.close()
	}

	klog.V(0).Infof("gateway: loaded %d entries from %s", len(next), path)
	return nil
}

func (g *Gateway) watch(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start registry file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	g.watcher = w

	go func() {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-g.closeCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					debounce.Reset(200 * time.Millisecond)
				}
			case <-debounce.C:
				if err := g.reload(path); err != nil {
					klog.Errorf("gateway: reload of %s failed, keeping previous routing table: %v", path, err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				klog.Errorf("gateway: registry file watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close tears down every live pool and stops the file watcher.
func (g *Gateway) Close() {
	close(g.closeCh)
	if g.watcher != nil {
		g.watcher.Close()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		e.close()
	}
	g.entries = nil
}

func (g *Gateway) get(id string) (*expandedEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[id]
	return e, ok
}

// expand builds the live pool(s) for one registry entry. Template entries
// resolve their manifest and, per transport, spin up N http replicas via
// the Deployment Manager or N direct stdio sessions.
func (g *Gateway) expand(id string, fe FileEntry) (*expandedEntry, error) {
	interval := g.cfg.HealthCheckInterval
	switch fe.Kind {
	case KindHTTP:
		return &expandedEntry{kind: KindHTTP, http: newHTTPPool(id, fe.Endpoints, fe.LoadBalance, fe.HealthCheckPath, interval)}, nil
	case KindStdio:
		queueSize := fe.QueueSize
		if queueSize == 0 {
			queueSize = defaultQueueSize
		}
		env := make([]string, 0, len(fe.Env))
		for k, v := range fe.Env {
			env = append(env, k+"="+v)
		}
		command := fe.Command
		spawn := func(ctx context.Context) (*mcpconn.Session, error) {
			return mcpconn.OpenStdio(ctx, command, env)
		}
		pool := newStdioPool(id, fe.PoolSize, queueSize, spawn)
		go pool.prewarm(context.Background())
		return &expandedEntry{kind: KindStdio, stdio: pool}, nil
	case KindTemplate:
		return g.expandTemplate(id, fe, interval)
	default:
		return nil, fmt.Errorf("unknown entry kind %q", fe.Kind)
	}
}

func (g *Gateway) expandTemplate(id string, fe FileEntry, interval time.Duration) (*expandedEntry, error) {
	if g.registry == nil {
		return nil, fmt.Errorf("template entry %q: no template registry configured", id)
	}
	m, ok := g.registry.Get(fe.TemplateID)
	if !ok {
		return nil, errs.TemplateNotFound(fe.TemplateID)
	}

	replicas := fe.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	if m.Transport.Default == manifest.TransportHTTP {
		if g.deployer == nil {
			return nil, fmt.Errorf("template entry %q: no deployment manager configured", id)
		}
		var endpoints []string
		for i := 0; i < replicas; i++ {
			desc, err := g.deployer.Deploy(context.Background(), fe.TemplateID, config.Inputs{File: fe.Config}, deploy.DeployOptions{Transport: manifest.TransportHTTP, Pull: true})
			if err != nil {
				return nil, fmt.Errorf("template entry %q: replica %d: %w", id, i, err)
			}
			if desc.Endpoint != "" {
				endpoints = append(endpoints, "http://"+desc.Endpoint)
			}
		}
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("template entry %q: no replica produced an endpoint", id)
		}
		return &expandedEntry{kind: KindTemplate, http: newHTTPPool(id, endpoints, BalanceRoundRobin, "", interval)}, nil
	}

	command := m.Command
	if len(command) == 0 {
		return nil, fmt.Errorf("template entry %q: manifest %q declares no stdio command", id, fe.TemplateID)
	}
	spawn := func(ctx context.Context) (*mcpconn.Session, error) {
		return mcpconn.OpenStdio(ctx, command, nil)
	}
	pool := newStdioPool(id, replicas, defaultQueueSize, spawn)
	go pool.prewarm(context.Background())
	return &expandedEntry{kind: KindStdio, stdio: pool}, nil
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	ids := make([]string, 0, len(g.entries))
	for id := range g.entries {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"entries": ids})
}

func (g *Gateway) handleServersList(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	infos := make([]ServerInfo, 0, len(g.entries))
	for id, e := range g.entries {
		infos = append(infos, e.info(id))
	}
	g.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	writeJSON(w, http.StatusOK, infos)
}

func (g *Gateway) handleServerDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, ok := g.get(id)
	if !ok {
		writeError(w, errs.GatewayUnknownServer(id))
		return
	}
	writeJSON(w, http.StatusOK, e.info(id))
}

// handleEntry dispatches /{id}[/extra/path] to the right pool: http
// entries forward the remainder verbatim; stdio and template entries
// interpret it as /tools, /tools/{name} or /info.
func (g *Gateway) handleEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	e, ok := g.get(id)
	if !ok {
		requestsTotal.WithLabelValues(id, "not_found").Inc()
		writeError(w, errs.GatewayUnknownServer(id))
		return
	}

	prefix := "/" + id
	rest := r.URL.Path[len(prefix):]

	if e.http != nil {
		if e.kind == KindTemplate && isMCPPath(rest) {
			g.handleTemplateHTTPPath(w, r, id, e.http, rest)
			return
		}
		g.forwardHTTP(w, r, id, e.http, rest)
		return
	}
	g.handleStdioPath(w, r, id, e.stdio, rest)
}

// isMCPPath reports whether rest is one of the routes the gateway answers
// itself for template entries instead of forwarding.
func isMCPPath(rest string) bool {
	return rest == "/tools" || rest == "/info" || strings.HasPrefix(rest, "/tools/")
}

// handleTemplateHTTPPath serves the MCP-aware routes of a template entry
// whose replicas speak http: it opens a short-lived session to the next
// healthy replica and talks JSON-RPC instead of proxying the raw request.
func (g *Gateway) handleTemplateHTTPPath(w http.ResponseWriter, r *http.Request, id string, pool *httpPool, path string) {
	if path == "/info" && r.Method == http.MethodGet {
		healthy, total := pool.counts()
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "healthy_instances": healthy, "total_instances": total})
		return
	}

	endpoint, err := pool.nextEndpoint()
	if err != nil {
		requestsTotal.WithLabelValues(id, "error").Inc()
		writeError(w, err)
		return
	}
	session, err := mcpconn.OpenHTTP(r.Context(), endpoint, nil)
	if err != nil {
		requestsTotal.WithLabelValues(id, "error").Inc()
		writeError(w, err)
		return
	}
	defer session.Close()

	switch {
	case path == "/tools" && r.Method == http.MethodGet:
		g.writeToolList(w, r, id, session)
	case strings.HasPrefix(path, "/tools/") && len(path) > len("/tools/") && r.Method == http.MethodPost:
		g.callToolOverSession(w, r, id, session, path[len("/tools/"):])
	default:
		requestsTotal.WithLabelValues(id, "not_found").Inc()
		writeError(w, errs.ToolUnknown(path))
	}
}

func (g *Gateway) forwardHTTP(w http.ResponseWriter, r *http.Request, id string, pool *httpPool, suffix string) {
	resp, err := pool.forward(r.Context(), r.Method, suffix, r.Body, r.Header)
	if err != nil {
		requestsTotal.WithLabelValues(id, "error").Inc()
		writeError(w, err)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	requestsTotal.WithLabelValues(id, "ok").Inc()
}

func (g *Gateway) handleStdioPath(w http.ResponseWriter, r *http.Request, id string, pool *stdioPool, path string) {
	_, _, queue := pool.counts()
	queueDepthGauge.WithLabelValues(id).Set(float64(queue))

	switch {
	case path == "/tools" && r.Method == http.MethodGet:
		g.stdioListTools(w, r, id, pool)
	case path == "/info" && r.Method == http.MethodGet:
		healthy, total, queue := pool.counts()
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "pool_size": total, "active": healthy, "queue_depth": queue})
	case strings.HasPrefix(path, "/tools/") && len(path) > len("/tools/") && r.Method == http.MethodPost:
		toolName := path[len("/tools/"):]
		g.stdioCallTool(w, r, id, pool, toolName)
	default:
		requestsTotal.WithLabelValues(id, "not_found").Inc()
		writeError(w, errs.ToolUnknown(path))
	}
}

func (g *Gateway) stdioListTools(w http.ResponseWriter, r *http.Request, id string, pool *stdioPool) {
	session, err := pool.acquire(r.Context())
	if err != nil {
		requestsTotal.WithLabelValues(id, "overflow").Inc()
		writeError(w, err)
		return
	}
	g.writeToolList(w, r, id, session)
	pool.release(session, session.Healthy())
}

func (g *Gateway) stdioCallTool(w http.ResponseWriter, r *http.Request, id string, pool *stdioPool, toolName string) {
	session, err := pool.acquire(r.Context())
	if err != nil {
		requestsTotal.WithLabelValues(id, "overflow").Inc()
		writeError(w, err)
		return
	}
	g.callToolOverSession(w, r, id, session, toolName)
	pool.release(session, session.Healthy())
}

// writeToolList answers GET .../tools from a live session.
func (g *Gateway) writeToolList(w http.ResponseWriter, r *http.Request, id string, session *mcpconn.Session) {
	descriptors, err := session.ListTools(r.Context())
	if err != nil {
		requestsTotal.WithLabelValues(id, "error").Inc()
		writeError(w, err)
		return
	}
	tools := make([]toolmanager.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, toolmanager.ToolFromDescriptor(d, toolmanager.SourceDynamic))
	}
	requestsTotal.WithLabelValues(id, "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// callToolOverSession decodes the request body as tool arguments, resolves
// the tool on the live session, validates the arguments against its input
// schema, and only then forwards tools/call. The result (or the peer's
// error) is written verbatim.
func (g *Gateway) callToolOverSession(w http.ResponseWriter, r *http.Request, id string, session *mcpconn.Session, toolName string) {
	var args map[string]any
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil && err != io.EOF {
			requestsTotal.WithLabelValues(id, "error").Inc()
			writeError(w, errs.ToolArgumentInvalid(toolName, "malformed JSON body"))
			return
		}
	}

	descriptors, err := session.ListTools(r.Context())
	if err != nil {
		requestsTotal.WithLabelValues(id, "error").Inc()
		writeError(w, err)
		return
	}
	var tool *toolmanager.Tool
	for _, d := range descriptors {
		if d.Name == toolName {
			t := toolmanager.ToolFromDescriptor(d, toolmanager.SourceDynamic)
			tool = &t
			break
		}
	}
	if tool == nil {
		requestsTotal.WithLabelValues(id, "not_found").Inc()
		writeError(w, errs.ToolUnknown(toolName))
		return
	}
	if err := toolmanager.ValidateArguments(*tool, args); err != nil {
		requestsTotal.WithLabelValues(id, "error").Inc()
		writeError(w, err)
		return
	}

	result, err := session.CallTool(r.Context(), toolName, args)
	if err != nil {
		requestsTotal.WithLabelValues(id, "error").Inc()
		writeError(w, err)
		return
	}
	requestsTotal.WithLabelValues(id, "ok").Inc()
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), map[string]string{"error": err.Error()})
}
