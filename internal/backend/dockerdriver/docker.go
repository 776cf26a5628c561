// Package dockerdriver implements the Backend Port against the Docker
// Engine API: one container per deployment, all joined to a single named
// network created on first deploy.
package dockerdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockernetwork "github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

const containerPrefix = "mcp-platform-"

// Driver deploys MCP servers as single containers on a shared network.
type Driver struct {
	cli         *dockerclient.Client
	networkName string
	pullPolicy  PullPolicy

	mu          sync.Mutex
	networkOnce bool
}

// PullPolicy controls whether Deploy pulls the image before starting a
// container. The default is to pull unless explicitly disabled.
type PullPolicy string

const (
	PullAlways         PullPolicy = "always"
	PullUnlessDisabled PullPolicy = "unless-disabled"
	PullNever          PullPolicy = "never"
)

// New creates a Driver using cli for the given docker network name (created
// lazily on first Deploy).
func New(cli *dockerclient.Client, networkName string) *Driver {
	return &Driver{cli: cli, networkName: networkName, pullPolicy: PullUnlessDisabled}
}

func (d *Driver) Name() string { return "docker" }

func (d *Driver) ensureNetwork(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.networkOnce {
		return nil
	}
	list, err := d.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.networkName)),
	})
	if err != nil {
		return errs.Backend("network_list", err)
	}
	for _, n := range list {
		if n.Name == d.networkName {
			d.networkOnce = true
			return nil
		}
	}
	if _, err := d.cli.NetworkCreate(ctx, d.networkName, types.NetworkCreate{}); err != nil {
		return errs.Backend("network_create", err)
	}
	d.networkOnce = true
	return nil
}

func (d *Driver) Deploy(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved, opts backend.DeployOptions) (*backend.Descriptor, error) {
	if err := d.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == "" {
		transport = m.Transport.Default
	}

	deploymentID := opts.Name
	if deploymentID == "" {
		deploymentID = uuid.New().String()
	}
	name := containerPrefix + deploymentID

	if shouldPull(d.pullPolicy, opts.Pull) {
		if err := d.pullImage(ctx, m.Image); err != nil {
			return nil, err
		}
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	containerPort := m.Transport.Port
	if transport == manifest.TransportHTTP && containerPort > 0 {
		p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, errs.Backend("port_parse", err)
		}
		hostPort := opts.Port
		hostPortStr := ""
		if hostPort > 0 {
			hostPortStr = strconv.Itoa(hostPort)
		}
		exposedPorts[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPortStr}}
	}

	binds := make([]string, 0, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		binds = append(binds, fmt.Sprintf("%s:%s", v.HostPath, v.ContainerPath))
	}

	labels := backend.BuildLabels(m.ID, deploymentID, transport)

	containerConfig := &container.Config{
		Image:        m.Image,
		Cmd:          m.Command,
		Env:          cfg.Env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}
	hostConfig := &container.HostConfig{
		NetworkMode:  container.NetworkMode(d.networkName),
		PortBindings: portBindings,
		Binds:        binds,
	}

	created, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, &dockernetwork.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, errs.Backend("container_create", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		// Clean up the partially-created container before surfacing the error.
		_ = d.cli.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		return nil, errs.Backend("container_start", err)
	}

	endpoint := ""
	if transport == manifest.TransportHTTP {
		endpoint, err = d.resolveEndpoint(ctx, created.ID, containerPort)
		if err != nil {
			klog.Warningf("docker: could not resolve published port for %s: %v", created.ID, err)
		}
	}

	return &backend.Descriptor{
		DeploymentID: deploymentID,
		TemplateID:   m.ID,
		Backend:      d.Name(),
		Image:        m.Image,
		Status:       backend.StatusRunning,
		Transport:    transport,
		Endpoint:     endpoint,
		CreatedAt:    time.Now(),
		Labels:       labels,
	}, nil
}

// pullImage pulls ref, retrying transient registry failures up to three
// attempts with exponential backoff. Authorization and not-found errors
// are terminal and fail immediately.
func (d *Driver) pullImage(ctx context.Context, ref string) error {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errs.Canceled()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		reader, err := d.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
		if err == nil {
			_, _ = io.Copy(io.Discard, reader)
			_ = reader.Close()
			return nil
		}
		lastErr = err
		if dockerclient.IsErrNotFound(err) || errdefs.IsUnauthorized(err) {
			break
		}
		klog.Warningf("docker: pull of %s failed (attempt %d): %v", ref, attempt+1, err)
	}
	return errs.Backend("image_pull", lastErr)
}

func shouldPull(policy PullPolicy, pullOpt bool) bool {
	switch policy {
	case PullAlways:
		return true
	case PullNever:
		return false
	default:
		return pullOpt
	}
}

func (d *Driver) resolveEndpoint(ctx context.Context, containerID string, containerPort int) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return "", err
	}
	bindings, ok := info.NetworkSettings.Ports[p]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("no published binding for port %d", containerPort)
	}
	return fmt.Sprintf("127.0.0.1:%s", bindings[0].HostPort), nil
}

func (d *Driver) findByDeploymentID(ctx context.Context, deploymentID string) (types.Container, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", backend.LabelDeployment, deploymentID)),
			filters.Arg("label", fmt.Sprintf("%s=%s", backend.LabelManagedBy, backend.ManagedByValue)),
		),
	})
	if err != nil {
		return types.Container{}, errs.Backend("container_list", err)
	}
	if len(list) == 0 {
		return types.Container{}, errs.DeploymentNotFound(deploymentID)
	}
	return list[0], nil
}

func (d *Driver) Stop(ctx context.Context, deploymentID string, timeout time.Duration, force bool) error {
	c, err := d.findByDeploymentID(ctx, deploymentID)
	if err != nil {
		return err
	}
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &secs}); err != nil {
		if !force {
			return errs.DeploymentStopTimeout(deploymentID)
		}
		if err := d.cli.ContainerKill(ctx, c.ID, "SIGKILL"); err != nil {
			return errs.Backend("container_kill", err)
		}
	}
	return nil
}

func (d *Driver) List(ctx context.Context, filter backend.ListFilter) ([]*backend.Descriptor, error) {
	args := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", backend.LabelManagedBy, backend.ManagedByValue)))
	if filter.TemplateID != "" {
		args.Add("label", fmt.Sprintf("%s=%s", backend.LabelTemplate, filter.TemplateID))
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, errs.Backend("container_list", err)
	}
	out := make([]*backend.Descriptor, 0, len(list))
	for _, c := range list {
		desc := descriptorFromContainer(c)
		if filter.Status != "" && desc.Status != filter.Status {
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

func descriptorFromContainer(c types.Container) *backend.Descriptor {
	status := backend.StatusUnknown
	switch {
	case strings.HasPrefix(c.State, "running"):
		status = backend.StatusRunning
	case strings.HasPrefix(c.State, "exited"), strings.HasPrefix(c.State, "dead"):
		status = backend.StatusStopped
	case strings.HasPrefix(c.State, "created"):
		status = backend.StatusPending
	}
	endpoint := ""
	if len(c.Ports) > 0 && c.Ports[0].PublicPort != 0 {
		endpoint = fmt.Sprintf("127.0.0.1:%d", c.Ports[0].PublicPort)
	}
	return &backend.Descriptor{
		DeploymentID: c.Labels[backend.LabelDeployment],
		TemplateID:   c.Labels[backend.LabelTemplate],
		Backend:      "docker",
		Image:        c.Image,
		Status:       status,
		Transport:    manifest.TransportKind(c.Labels[backend.LabelTransport]),
		Endpoint:     endpoint,
		CreatedAt:    time.Unix(c.Created, 0),
		Labels:       c.Labels,
	}
}

func (d *Driver) Status(ctx context.Context, deploymentID string) (*backend.Descriptor, error) {
	c, err := d.findByDeploymentID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return descriptorFromContainer(c), nil
}

func (d *Driver) Logs(ctx context.Context, deploymentID string, opts backend.LogOptions) (io.ReadCloser, error) {
	c, err := d.findByDeploymentID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	logOpts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: opts.Follow}
	if opts.Lines > 0 {
		logOpts.Tail = strconv.Itoa(opts.Lines)
	}
	if !opts.Since.IsZero() {
		logOpts.Since = opts.Since.Format(time.RFC3339)
	}
	raw, err := d.cli.ContainerLogs(ctx, c.ID, logOpts)
	if err != nil {
		return nil, errs.Backend("container_logs", err)
	}
	return demuxLogs(raw), nil
}

// demuxLogs strips the stdcopy framing off a non-TTY container's log
// stream, interleaving stdout and stderr into one plain byte stream.
// Closing the returned reader tears the upstream stream down, which is
// what unblocks a follow read.
func demuxLogs(raw io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		pw.CloseWithError(err)
	}()
	return &demuxedStream{pr: pr, raw: raw}
}

type demuxedStream struct {
	pr  *io.PipeReader
	raw io.ReadCloser
}

func (s *demuxedStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *demuxedStream) Close() error {
	_ = s.raw.Close()
	return s.pr.Close()
}

func (d *Driver) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (int, []byte, []byte, error) {
	c, err := d.findByDeploymentID(ctx, deploymentID)
	if err != nil {
		return -1, nil, nil, err
	}
	execCfg := types.ExecConfig{
		Cmd:          argv,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, c.ID, execCfg)
	if err != nil {
		return -1, nil, nil, errs.Backend("exec_create", err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return -1, nil, nil, errs.Backend("exec_attach", err)
	}
	defer attach.Close()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, stdin)
			_ = attach.CloseWrite()
		}()
	}

	// The attach stream multiplexes stdout/stderr in stdcopy frames.
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, stdout.Bytes(), stderr.Bytes(), errs.Backend("exec_inspect", err)
	}
	return inspect.ExitCode, stdout.Bytes(), stderr.Bytes(), nil
}

func (d *Driver) Cleanup(ctx context.Context, filter backend.CleanupFilter) ([]string, error) {
	statuses := make(map[backend.Status]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}
	descriptors, err := d.List(ctx, backend.ListFilter{TemplateID: filter.TemplateID})
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, desc := range descriptors {
		if !filter.OlderThan.IsZero() && desc.CreatedAt.After(filter.OlderThan) {
			continue
		}
		if len(statuses) > 0 && !statuses[desc.Status] {
			continue
		}
		c, err := d.findByDeploymentID(ctx, desc.DeploymentID)
		if err != nil {
			continue
		}
		if err := d.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			klog.Errorf("docker: cleanup failed to remove %s: %v", desc.DeploymentID, err)
			continue
		}
		removed = append(removed, desc.DeploymentID)
	}
	return removed, nil
}
