// Package mockdriver is the in-memory Backend implementation used by tests
// and by higher components before a real container runtime is wired in.
// Every operation completes immediately (an unknown deployment id yields
// DeploymentNotFound) and mirrors the descriptor semantics of the real
// drivers so callers stay driver-agnostic.
package mockdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

// Driver is a thread-safe, in-memory Backend.
type Driver struct {
	mu          sync.Mutex
	deployments map[string]*backend.Descriptor
}

// New creates an empty mock backend.
func New() *Driver {
	return &Driver{deployments: make(map[string]*backend.Descriptor)}
}

func (d *Driver) Name() string { return "mock" }

func (d *Driver) Deploy(_ context.Context, m *manifest.Manifest, _ *config.Resolved, opts backend.DeployOptions) (*backend.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := opts.Name
	if id == "" {
		id = uuid.New().String()
	}
	transport := opts.Transport
	if transport == "" {
		transport = m.Transport.Default
	}
	endpoint := ""
	if transport == manifest.TransportHTTP {
		port := opts.Port
		if port == 0 {
			port = m.Transport.Port
		}
		endpoint = fmt.Sprintf("127.0.0.1:%d", port)
	}

	desc := &backend.Descriptor{
		DeploymentID: id,
		TemplateID:   m.ID,
		Backend:      d.Name(),
		Image:        m.Image,
		Status:       backend.StatusRunning,
		Transport:    transport,
		Endpoint:     endpoint,
		CreatedAt:    time.Now(),
		Labels:       backend.BuildLabels(m.ID, id, transport),
	}
	d.deployments[id] = desc
	return desc, nil
}

func (d *Driver) Stop(_ context.Context, deploymentID string, _ time.Duration, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.deployments[deploymentID]
	if !ok {
		return errs.DeploymentNotFound(deploymentID)
	}
	desc.Status = backend.StatusStopped
	return nil
}

func (d *Driver) List(_ context.Context, filter backend.ListFilter) ([]*backend.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*backend.Descriptor
	for _, desc := range d.deployments {
		if desc.Labels[backend.LabelManagedBy] != backend.ManagedByValue {
			continue
		}
		if filter.TemplateID != "" && desc.TemplateID != filter.TemplateID {
			continue
		}
		if filter.Status != "" && desc.Status != filter.Status {
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

func (d *Driver) Status(_ context.Context, deploymentID string) (*backend.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.deployments[deploymentID]
	if !ok {
		return nil, errs.DeploymentNotFound(deploymentID)
	}
	return desc, nil
}

func (d *Driver) Logs(_ context.Context, deploymentID string, _ backend.LogOptions) (io.ReadCloser, error) {
	d.mu.Lock()
	_, ok := d.deployments[deploymentID]
	d.mu.Unlock()
	if !ok {
		return nil, errs.DeploymentNotFound(deploymentID)
	}
	return io.NopCloser(bytes.NewBufferString(fmt.Sprintf("mock logs for %s\n", deploymentID))), nil
}

func (d *Driver) Exec(_ context.Context, deploymentID string, argv []string, _ io.Reader) (int, []byte, []byte, error) {
	d.mu.Lock()
	_, ok := d.deployments[deploymentID]
	d.mu.Unlock()
	if !ok {
		return -1, nil, nil, errs.DeploymentNotFound(deploymentID)
	}
	return 0, []byte(fmt.Sprintf("ran %v\n", argv)), nil, nil
}

func (d *Driver) Cleanup(_ context.Context, filter backend.CleanupFilter) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	statuses := make(map[backend.Status]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}
	var removed []string
	for id, desc := range d.deployments {
		if desc.Labels[backend.LabelManagedBy] != backend.ManagedByValue {
			continue
		}
		if filter.TemplateID != "" && desc.TemplateID != filter.TemplateID {
			continue
		}
		if !filter.OlderThan.IsZero() && desc.CreatedAt.After(filter.OlderThan) {
			continue
		}
		if len(statuses) > 0 && !statuses[desc.Status] {
			continue
		}
		delete(d.deployments, id)
		removed = append(removed, id)
	}
	return removed, nil
}
