// Package backend defines the backend port: the single contract every
// deployment driver (Docker, Kubernetes, Mock) implements, and the shared
// types that flow across it.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

// Labels are the deployment labels every driver must attach to the backend
// objects it creates.
const (
	LabelManagedBy = "managed-by"
	ManagedByValue = "mcp-platform"
	LabelTemplate  = "template"
	LabelDeployment = "deployment"
	LabelTransport = "mcp.transport"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// Descriptor is the record a driver returns for a deployment; it is owned
// by the backend (the registry of record), never cached authoritatively by
// higher components.
type Descriptor struct {
	DeploymentID string
	TemplateID   string
	Backend      string
	Image        string
	Status       Status
	Transport    manifest.TransportKind
	Endpoint     string // host:port for http, empty/opaque for stdio
	CreatedAt    time.Time
	Labels       map[string]string
}

// DeployOptions carries the caller-controlled knobs for one deploy call.
type DeployOptions struct {
	Name      string
	Transport manifest.TransportKind
	Port      int
	Pull      bool
}

// ListFilter narrows List/Cleanup to a subset of deployments. Zero values
// mean "don't filter on this field".
type ListFilter struct {
	TemplateID string
	Status     Status
	Labels     map[string]string
}

// LogOptions controls how Logs streams output.
type LogOptions struct {
	Lines  int
	Since  time.Time
	Follow bool
}

// CleanupFilter narrows Cleanup to a subset of deployments.
type CleanupFilter struct {
	TemplateID string
	OlderThan  time.Time
	Statuses   []Status
}

// Backend is the capability set every driver implements. Drivers must be
// safe for concurrent calls on distinct deployments; concurrent calls on
// the same deployment id are serialized by the driver itself.
type Backend interface {
	// Name identifies the driver ("docker", "kubernetes", "mock", ...).
	Name() string

	// Deploy starts a new instance of template with the given resolved
	// configuration. On partial failure the driver must clean up whatever
	// it created before returning an error.
	Deploy(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved, opts DeployOptions) (*Descriptor, error)

	// Stop halts a deployment. Without force, SIGTERM is sent and the call
	// fails after timeout; with force, SIGKILL follows timeout.
	Stop(ctx context.Context, deploymentID string, timeout time.Duration, force bool) error

	// List returns every deployment matching filter, restricted to objects
	// labeled managed-by=mcp-platform.
	List(ctx context.Context, filter ListFilter) ([]*Descriptor, error)

	// Status returns the current descriptor for one deployment.
	Status(ctx context.Context, deploymentID string) (*Descriptor, error)

	// Logs streams the deployment's log output. The returned reader must
	// be closed by the caller; cancelling ctx unblocks a follow=true read.
	Logs(ctx context.Context, deploymentID string, opts LogOptions) (io.ReadCloser, error)

	// Exec runs argv inside the deployment and returns its exit code and
	// captured stdout/stderr.
	Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (exitCode int, stdout, stderr []byte, err error)

	// Cleanup removes deployments matching filter and returns the ids it
	// removed.
	Cleanup(ctx context.Context, filter CleanupFilter) ([]string, error)
}

// BuildLabels constructs the required label set for a new deployment.
func BuildLabels(templateID, deploymentID string, transport manifest.TransportKind) map[string]string {
	return map[string]string{
		LabelManagedBy:  ManagedByValue,
		LabelTemplate:   templateID,
		LabelDeployment: deploymentID,
		LabelTransport:  string(transport),
	}
}
