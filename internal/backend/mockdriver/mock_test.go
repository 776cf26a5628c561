package mockdriver

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		ID:    "demo",
		Name:  "Demo",
		Image: "example.com/demo:latest",
		Transport: manifest.Transport{
			Default:   manifest.TransportHTTP,
			Supported: []manifest.TransportKind{manifest.TransportHTTP},
			Port:      8080,
		},
	}
}

func TestDeployStampsRequiredLabels(t *testing.T) {
	d := New()
	desc, err := d.Deploy(context.Background(), testManifest(), &config.Resolved{}, backend.DeployOptions{Name: "inst-1"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if desc.Labels[backend.LabelManagedBy] != backend.ManagedByValue {
		t.Errorf("missing managed-by label: %v", desc.Labels)
	}
	if desc.Labels[backend.LabelTemplate] != "demo" {
		t.Errorf("missing template label: %v", desc.Labels)
	}
	if desc.Labels[backend.LabelDeployment] != "inst-1" {
		t.Errorf("missing deployment label: %v", desc.Labels)
	}
	if desc.Endpoint != "127.0.0.1:8080" {
		t.Errorf("Endpoint = %q", desc.Endpoint)
	}
}

func TestStatusAfterStopAndListFilters(t *testing.T) {
	d := New()
	ctx := context.Background()

	if _, err := d.Deploy(ctx, testManifest(), &config.Resolved{}, backend.DeployOptions{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Deploy(ctx, testManifest(), &config.Resolved{}, backend.DeployOptions{Name: "b"}); err != nil {
		t.Fatal(err)
	}

	if err := d.Stop(ctx, "a", 5*time.Second, false); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	desc, err := d.Status(ctx, "a")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if desc.Status != backend.StatusStopped {
		t.Fatalf("Status = %v, want stopped", desc.Status)
	}

	running, err := d.List(ctx, backend.ListFilter{Status: backend.StatusRunning})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(running) != 1 || running[0].DeploymentID != "b" {
		t.Fatalf("running = %#v", running)
	}
}

func TestStopUnknownDeployment(t *testing.T) {
	d := New()
	if err := d.Stop(context.Background(), "ghost", time.Second, false); err == nil {
		t.Fatal("expected not-found")
	}
}

func TestCleanupRemovesByStatus(t *testing.T) {
	d := New()
	ctx := context.Background()

	if _, err := d.Deploy(ctx, testManifest(), &config.Resolved{}, backend.DeployOptions{Name: "keep"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Deploy(ctx, testManifest(), &config.Resolved{}, backend.DeployOptions{Name: "drop"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Stop(ctx, "drop", time.Second, false); err != nil {
		t.Fatal(err)
	}

	removed, err := d.Cleanup(ctx, backend.CleanupFilter{Statuses: []backend.Status{backend.StatusStopped}})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(removed) != 1 || removed[0] != "drop" {
		t.Fatalf("removed = %v", removed)
	}
	if _, err := d.Status(ctx, "keep"); err != nil {
		t.Fatal("the running deployment must survive cleanup")
	}
}

func TestLogsAndExec(t *testing.T) {
	d := New()
	ctx := context.Background()
	if _, err := d.Deploy(ctx, testManifest(), &config.Resolved{}, backend.DeployOptions{Name: "a"}); err != nil {
		t.Fatal(err)
	}

	stream, err := d.Logs(ctx, "a", backend.LogOptions{})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	data, _ := io.ReadAll(stream)
	stream.Close()
	if len(data) == 0 {
		t.Fatal("expected some log output")
	}

	code, stdout, _, err := d.Exec(ctx, "a", []string{"echo", "hi"}, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if code != 0 || len(stdout) == 0 {
		t.Fatalf("Exec = %d %q", code, stdout)
	}
}
