// Package deploy implements the Deployment Manager: the single entry
// point that ties template resolution, config resolution and backend
// execution into one deploy call, plus the multi-backend
// fan-out operations used for listing and stopping across backends.
package deploy

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
	"github.com/scoutflo/mcp-platform/internal/registry"
)

// DeployWaitTimeout is the capped wait for a backend to report
// status=running before deploy returns a pending descriptor instead of
// failing.
const DeployWaitTimeout = 60 * time.Second

// HealthProbeTimeout bounds how long deploy waits for an http entry's
// health endpoint to return 2xx before giving up.
const HealthProbeTimeout = 10 * time.Second

// stopConcurrency caps how many Stop calls run in parallel during a
// stop(all) fan-out.
const stopConcurrency = 8

// listConcurrency caps how many backends are listed concurrently during
// multi_list.
const listConcurrency = 4

// DeployOptions carries the caller-supplied knobs for one deploy call.
type DeployOptions struct {
	Name      string
	Transport manifest.TransportKind
	Port      int
	Pull      bool
	Backend   string
}

// StopFilter selects the deployments a stop() call targets.
type StopFilter struct {
	DeploymentID string
	TemplateID   string
	All          bool
	Force        bool
	Timeout      time.Duration
}

// StopResult is the outcome of a stop(filter) call.
type StopResult struct {
	Stopped []string
	Failed  []StopFailure
}

// StopFailure records one deployment that failed to stop.
type StopFailure struct {
	DeploymentID string
	Error        error
}

// Manager orchestrates deploys end to end.
type Manager struct {
	registry       *registry.Registry
	backends       map[string]backend.Backend
	defaultBackend string
	httpClient     *http.Client
}

// New creates a Manager that resolves templates via reg and dispatches to
// backends. defaultBackend selects which entry of backends is used when the
// caller doesn't name one.
func New(reg *registry.Registry, backends map[string]backend.Backend, defaultBackend string) *Manager {
	return &Manager{
		registry:       reg,
		backends:       backends,
		defaultBackend: defaultBackend,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (mgr *Manager) pickBackend(name string) (backend.Backend, error) {
	if name == "" {
		name = mgr.defaultBackend
	}
	b, ok := mgr.backends[name]
	if !ok {
		return nil, errs.Backend("select", errNoSuchBackend(name))
	}
	return b, nil
}

type errNoSuchBackend string

func (e errNoSuchBackend) Error() string { return "no such backend: " + string(e) }

// FindRunning reports a currently-running deployment of templateID, if
// any, searching every configured backend. Used by the Tool Manager's
// "dynamic"/"auto" discovery modes.
func (mgr *Manager) FindRunning(ctx context.Context, templateID string) (*backend.Descriptor, bool) {
	for _, b := range mgr.backends {
		descriptors, err := b.List(ctx, backend.ListFilter{TemplateID: templateID, Status: backend.StatusRunning})
		if err != nil {
			continue
		}
		if len(descriptors) > 0 {
			return descriptors[0], true
		}
	}
	return nil, false
}

// RunOneShot starts a throwaway deployment of m for the duration of one
// discovery call (Tool Manager "image" mode); the returned stop func tears
// it down and must always be called by the caller.
func (mgr *Manager) RunOneShot(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved) (*backend.Descriptor, func(context.Context), error) {
	b, err := mgr.pickBackend("")
	if err != nil {
		return nil, nil, err
	}
	desc, err := b.Deploy(ctx, m, cfg, backend.DeployOptions{Transport: m.Transport.Default, Pull: true})
	if err != nil {
		return nil, nil, err
	}
	desc = mgr.waitForRunning(ctx, b, desc)
	stop := func(stopCtx context.Context) {
		if err := b.Stop(stopCtx, desc.DeploymentID, 10*time.Second, true); err != nil {
			klog.Errorf("deploy: failed to tear down one-shot deployment %s: %v", desc.DeploymentID, err)
		}
	}
	return desc, stop, nil
}

// Deploy runs the full deploy sequence: resolve template,
// resolve config, pick backend, pre-pull, execute, wait for running, probe
// health for http entries.
func (mgr *Manager) Deploy(ctx context.Context, templateID string, inputs config.Inputs, opts DeployOptions) (*backend.Descriptor, error) {
	m, ok := mgr.registry.Get(templateID)
	if !ok {
		return nil, errs.TemplateNotFound(templateID)
	}

	if m.IsRemote() {
		return mgr.syntheticRemoteDescriptor(m), nil
	}

	resolved, err := config.Resolve(m, inputs)
	if err != nil {
		return nil, err
	}

	b, err := mgr.pickBackend(opts.Backend)
	if err != nil {
		return nil, err
	}

	deployOpts := backend.DeployOptions{
		Name:      opts.Name,
		Transport: opts.Transport,
		Port:      opts.Port,
		Pull:      opts.Pull,
	}

	klog.V(0).Infof("deploy: starting %s via backend %s", templateID, b.Name())
	desc, err := b.Deploy(ctx, m, resolved, deployOpts)
	if err != nil {
		klog.Errorf("deploy: %s failed: %v", templateID, err)
		return nil, err
	}

	desc = mgr.waitForRunning(ctx, b, desc)

	if desc.Transport == manifest.TransportHTTP && desc.Endpoint != "" {
		desc = mgr.probeHealth(ctx, desc)
	}

	return desc, nil
}

func (mgr *Manager) syntheticRemoteDescriptor(m *manifest.Manifest) *backend.Descriptor {
	return &backend.Descriptor{
		DeploymentID: m.ID,
		TemplateID:   m.ID,
		Backend:      "remote",
		Status:       backend.StatusRunning,
		Transport:    manifest.TransportHTTP,
		Endpoint:     m.Remote.URL,
		CreatedAt:    time.Now(),
		Labels:       backend.BuildLabels(m.ID, m.ID, manifest.TransportHTTP),
	}
}

// waitForRunning polls Status until the backend reports running or
// DeployWaitTimeout elapses; on timeout it returns the descriptor as-is
// with status=pending rather than failing; the caller may keep polling.
func (mgr *Manager) waitForRunning(ctx context.Context, b backend.Backend, desc *backend.Descriptor) *backend.Descriptor {
	if desc.Status == backend.StatusRunning {
		return desc
	}
	deadline := time.Now().Add(DeployWaitTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return desc
		case <-ticker.C:
			current, err := b.Status(ctx, desc.DeploymentID)
			if err != nil {
				continue
			}
			if current.Status == backend.StatusRunning {
				return current
			}
			desc = current
		}
	}
	klog.V(0).Infof("deploy: %s still not running after %s, returning pending descriptor", desc.DeploymentID, DeployWaitTimeout)
	return desc
}

// probeHealth polls the entry's health endpoint (falling back to its root)
// until it returns 2xx or HealthProbeTimeout elapses, updating the
// descriptor's status to reflect what was observed.
func (mgr *Manager) probeHealth(ctx context.Context, desc *backend.Descriptor) *backend.Descriptor {
	deadline := time.Now().Add(HealthProbeTimeout)
	url := "http://" + desc.Endpoint + "/health"
	fallback := "http://" + desc.Endpoint + "/"

	for {
		if mgr.probeOnce(ctx, url) || mgr.probeOnce(ctx, fallback) {
			desc.Status = backend.StatusRunning
			return desc
		}
		if time.Now().After(deadline) {
			desc.Status = backend.StatusPending
			return desc
		}
		select {
		case <-ctx.Done():
			return desc
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (mgr *Manager) probeOnce(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := mgr.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Stop resolves filter to a set of deployments across the relevant
// backend(s) and stops them concurrently, bounded by stopConcurrency.
// Aggregate errors never abort siblings.
func (mgr *Manager) Stop(ctx context.Context, filter StopFilter) (*StopResult, error) {
	timeout := filter.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var targets []struct {
		id string
		b  backend.Backend
	}

	if filter.DeploymentID != "" {
		b, err := mgr.findOwningBackend(ctx, filter.DeploymentID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, struct {
			id string
			b  backend.Backend
		}{filter.DeploymentID, b})
	} else {
		for _, b := range mgr.backends {
			descriptors, err := b.List(ctx, backend.ListFilter{TemplateID: filter.TemplateID})
			if err != nil {
				klog.Errorf("stop: listing backend %s failed: %v", b.Name(), err)
				continue
			}
			for _, d := range descriptors {
				targets = append(targets, struct {
					id string
					b  backend.Backend
				}{d.DeploymentID, b})
			}
		}
	}

	result := &StopResult{}
	var mu sync.Mutex
	sem := make(chan struct{}, stopConcurrency)
	var wg sync.WaitGroup

	for _, t := range targets {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			err := t.b.Stop(ctx, t.id, timeout, filter.Force)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, StopFailure{DeploymentID: t.id, Error: err})
				return
			}
			result.Stopped = append(result.Stopped, t.id)
		}()
	}
	wg.Wait()

	return result, nil
}

func (mgr *Manager) findOwningBackend(ctx context.Context, deploymentID string) (backend.Backend, error) {
	for _, b := range mgr.backends {
		if _, err := b.Status(ctx, deploymentID); err == nil {
			return b, nil
		}
	}
	return nil, errs.DeploymentNotFound(deploymentID)
}

// Logs streams a single deployment's logs, locating its owning backend
// first.
func (mgr *Manager) Logs(ctx context.Context, deploymentID string, opts backend.LogOptions) (io.ReadCloser, error) {
	b, err := mgr.findOwningBackend(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return b.Logs(ctx, deploymentID, opts)
}

// MultiList fans list() out across every configured backend concurrently
// (bounded by listConcurrency via errgroup) and orders the combined result
// by (backend, created_at desc).
func (mgr *Manager) MultiList(ctx context.Context, filter backend.ListFilter) ([]*backend.Descriptor, error) {
	type namedResult struct {
		backendName string
		descriptors []*backend.Descriptor
	}

	names := make([]string, 0, len(mgr.backends))
	for name := range mgr.backends {
		names = append(names, name)
	}

	results := make([]namedResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)

	for i, name := range names {
		i, name := i, name
		b := mgr.backends[name]
		g.Go(func() error {
			descriptors, err := b.List(gctx, filter)
			if err != nil {
				klog.Errorf("multi_list: backend %s failed: %v", name, err)
				return nil
			}
			results[i] = namedResult{backendName: name, descriptors: descriptors}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].backendName < results[j].backendName })

	var combined []*backend.Descriptor
	for _, r := range results {
		sort.Slice(r.descriptors, func(i, j int) bool {
			return r.descriptors[i].CreatedAt.After(r.descriptors[j].CreatedAt)
		})
		combined = append(combined, r.descriptors...)
	}
	return combined, nil
}
