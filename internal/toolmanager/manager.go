package toolmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
	"github.com/scoutflo/mcp-platform/internal/mcpconn"
)

// Deployer is the subset of the Deployment Manager the tool manager
// needs: finding a running deployment for a template, and running a
// one-shot container for image-mode discovery.
type Deployer interface {
	FindRunning(ctx context.Context, templateID string) (*backend.Descriptor, bool)
	RunOneShot(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved) (*backend.Descriptor, func(context.Context), error)
}

// Manager performs tool discovery and caches the results.
type Manager struct {
	deployer Deployer
	ttl      time.Duration

	// StdioOpener, when set, opens a session to a running stdio deployment
	// (e.g. by attaching through the backend's exec path). Dynamic/image
	// discovery over stdio deployments fails without it; http deployments
	// never need it.
	StdioOpener func(ctx context.Context, desc *backend.Descriptor) (*mcpconn.Session, error)

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	group singleflight.Group
}

// New creates a Manager backed by deployer, with ttl as the cache lifetime
// for dynamic/image-sourced entries (0 uses DefaultTTL).
func New(deployer Deployer, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		deployer: deployer,
		ttl:      ttl,
		cache:    make(map[string]*cacheEntry),
	}
}

// CacheKey computes the cache key for a template: the
// template id alone for static, or image-ref + config-hash for
// dynamic/image (TTL-bounded). Only dynamic/image lists are stored in the
// cache; static lists are read from the manifest on every List call.
func CacheKey(m *manifest.Manifest, mode Source, cfg *config.Resolved) string {
	if mode == SourceStatic {
		return "static:" + m.ID
	}
	return fmt.Sprintf("%s:%s:%s", mode, m.Image, configHash(cfg))
}

func configHash(cfg *config.Resolved) string {
	if cfg == nil {
		return "none"
	}
	data, _ := json.Marshal(cfg.Values)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// List discovers tools for m according to mode, honoring the cache unless
// forceRefresh is set.
func (mgr *Manager) List(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved, mode Mode, forceRefresh bool) (*ListResult, error) {
	switch mode {
	case ModeStatic:
		return mgr.listStatic(m)
	case ModeDynamic:
		return mgr.listCached(ctx, m, cfg, SourceDynamic, forceRefresh)
	case ModeImage:
		return mgr.listCached(ctx, m, cfg, SourceImage, forceRefresh)
	case ModeAuto, "":
		return mgr.listAuto(ctx, m, cfg, forceRefresh)
	default:
		return nil, errs.ToolRemoteError(string(mode), fmt.Errorf("unknown discovery mode"))
	}
}

func (mgr *Manager) listAuto(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved, forceRefresh bool) (*ListResult, error) {
	if _, ok := mgr.deployer.FindRunning(ctx, m.ID); ok {
		if result, err := mgr.listCached(ctx, m, cfg, SourceDynamic, forceRefresh); err == nil {
			return result, nil
		}
	}
	if result, err := mgr.listCached(ctx, m, cfg, SourceImage, forceRefresh); err == nil {
		return result, nil
	}
	return mgr.listStatic(m)
}

func (mgr *Manager) listStatic(m *manifest.Manifest) (*ListResult, error) {
	tools := make([]Tool, 0, len(m.Tools))
	for _, t := range m.Tools {
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
			Source:      SourceStatic,
		})
	}
	return &ListResult{Tools: tools, Source: SourceStatic}, nil
}

// convertSchema flattens an mcp-go wire schema (whose Properties are raw
// `map[string]any` JSON-Schema fragments) down to the primitive-type view
// argument validation needs.
func convertSchema(in manifest.ToolInputSchema) ToolInputSchema {
	props := make(map[string]ToolProperty, len(in.Properties))
	for name, raw := range in.Properties {
		props[name] = ToolProperty{Type: propertyType(raw)}
	}
	return ToolInputSchema{Properties: props, Required: in.Required}
}

func propertyType(raw any) string {
	m, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := m["type"].(string)
	return t
}

// listCached coalesces concurrent discoveries of the same key into one
// upstream call via singleflight, and serves fresh entries under a read lock.
func (mgr *Manager) listCached(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved, source Source, forceRefresh bool) (*ListResult, error) {
	key := CacheKey(m, source, cfg)

	if !forceRefresh {
		mgr.mu.RLock()
		entry, ok := mgr.cache[key]
		mgr.mu.RUnlock()
		if ok && !entry.expired(time.Now()) {
			return &ListResult{Tools: entry.tools, Source: entry.source}, nil
		}
	}

	v, err, _ := mgr.group.Do(key, func() (any, error) {
		var tools []Tool
		var err error
		switch source {
		case SourceDynamic:
			tools, err = mgr.discoverDynamic(ctx, m)
		case SourceImage:
			tools, err = mgr.discoverImage(ctx, m, cfg)
		}
		if err != nil {
			return nil, err
		}
		mgr.mu.Lock()
		mgr.cache[key] = &cacheEntry{tools: tools, source: source, expiresAt: time.Now().Add(mgr.ttl)}
		mgr.mu.Unlock()
		return tools, nil
	})
	if err != nil {
		return nil, err
	}
	return &ListResult{Tools: v.([]Tool), Source: source}, nil
}

func (mgr *Manager) discoverDynamic(ctx context.Context, m *manifest.Manifest) ([]Tool, error) {
	desc, ok := mgr.deployer.FindRunning(ctx, m.ID)
	if !ok {
		return nil, errs.ToolRemoteError(m.ID, fmt.Errorf("no running deployment for dynamic discovery"))
	}
	session, err := mgr.openSession(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return mgr.fetchTools(ctx, session, SourceDynamic)
}

func (mgr *Manager) discoverImage(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved) ([]Tool, error) {
	desc, stop, err := mgr.deployer.RunOneShot(ctx, m, cfg)
	if err != nil {
		return nil, errs.ToolRemoteError(m.ID, err)
	}
	defer stop(ctx)

	session, err := mgr.openSession(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return mgr.fetchTools(ctx, session, SourceImage)
}

func (mgr *Manager) openSession(ctx context.Context, desc *backend.Descriptor) (*mcpconn.Session, error) {
	if desc.Transport == manifest.TransportHTTP {
		return mcpconn.OpenHTTP(ctx, "http://"+desc.Endpoint, nil)
	}
	if mgr.StdioOpener != nil {
		return mgr.StdioOpener(ctx, desc)
	}
	return nil, errs.ToolRemoteError(desc.DeploymentID, fmt.Errorf("no stdio attach path configured for this deployment"))
}

func (mgr *Manager) fetchTools(ctx context.Context, session *mcpconn.Session, source Source) ([]Tool, error) {
	descriptors, err := session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: parseInputSchema(d.InputSchema),
			Source:      source,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// ToolFromDescriptor converts a raw mcpconn.ToolDescriptor (as returned by
// tools/list over a live session) into the platform's normalized Tool
// shape, tagged with source. Exported for callers that hold a live
// mcpconn.Session directly rather than going through List (the gateway's
// stdio pool, for invocation validation ahead of tools/call).
func ToolFromDescriptor(d mcpconn.ToolDescriptor, source Source) Tool {
	return Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: parseInputSchema(d.InputSchema),
		Source:      source,
	}
}

func parseInputSchema(raw json.RawMessage) ToolInputSchema {
	if len(raw) == 0 {
		return ToolInputSchema{}
	}
	var wire struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		klog.Warningf("toolmanager: malformed input_schema: %v", err)
		return ToolInputSchema{}
	}
	props := make(map[string]ToolProperty, len(wire.Properties))
	for name, p := range wire.Properties {
		props[name] = ToolProperty{Type: p.Type}
	}
	return ToolInputSchema{Properties: props, Required: wire.Required}
}

// ValidateArguments checks args against tool.InputSchema: required keys
// present, declared primitive types match. Unknown extra
// keys are tolerated: each is logged as a warning, not returned as an error.
func ValidateArguments(tool Tool, args map[string]any) error {
	for _, req := range tool.InputSchema.Required {
		if _, ok := args[req]; !ok {
			return errs.ToolArgumentInvalid(tool.Name, fmt.Sprintf("missing required argument %q", req))
		}
	}
	for key, value := range args {
		prop, ok := tool.InputSchema.Properties[key]
		if !ok {
			klog.Warningf("toolmanager: tool %q: unknown argument %q", tool.Name, key)
			continue
		}
		if !matchesType(value, prop.Type) {
			return errs.ToolArgumentInvalid(tool.Name, fmt.Sprintf("argument %q expected type %q", key, prop.Type))
		}
	}
	return nil
}

func matchesType(value any, declared string) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch value.(type) {
		case int, int32, int64, float64:
			return true
		}
		return false
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
