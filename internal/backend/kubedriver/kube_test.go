package kubedriver

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		ID:    "demo-server",
		Name:  "Demo Server",
		Image: "example.com/demo-server:latest",
		Transport: manifest.Transport{
			Default:   manifest.TransportHTTP,
			Supported: []manifest.TransportKind{manifest.TransportHTTP},
			Port:      8080,
		},
	}
}

func TestDeployCreatesDeploymentAndService(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := New(clientset, "mcp-test", nil)

	desc, err := d.Deploy(context.Background(), testManifest(), &config.Resolved{}, backend.DeployOptions{Name: "abc123"})
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if desc.DeploymentID != "abc123" {
		t.Fatalf("DeploymentID = %q, want abc123", desc.DeploymentID)
	}
	if desc.Endpoint == "" {
		t.Fatal("expected a non-empty endpoint for http transport")
	}

	if _, err := clientset.AppsV1().Deployments("mcp-test").Get(context.Background(), "mcp-abc123", metav1.GetOptions{}); err != nil {
		t.Fatalf("expected deployment to exist: %v", err)
	}
	if _, err := clientset.CoreV1().Services("mcp-test").Get(context.Background(), "mcp-abc123", metav1.GetOptions{}); err != nil {
		t.Fatalf("expected service to exist: %v", err)
	}
}

func TestDeployProjectsVolumesAsConfigMap(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := New(clientset, "mcp-test", nil)

	cfg := &config.Resolved{
		Volumes: []config.VolumeMount{
			{HostPath: "/etc/demo/config.yaml", ContainerPath: "/mnt/config/config.yaml"},
		},
	}
	if _, err := d.Deploy(context.Background(), testManifest(), cfg, backend.DeployOptions{Name: "withvol"}); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	cm, err := clientset.CoreV1().ConfigMaps("mcp-test").Get(context.Background(), "mcp-withvol-config", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected configmap to exist: %v", err)
	}
	if cm.Data["mount-0"] != "/etc/demo/config.yaml" {
		t.Fatalf("unexpected configmap data: %#v", cm.Data)
	}
}

func TestStopRemovesAllObjectsEvenIfOneIsMissing(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "mcp-xyz", Namespace: "mcp-test"}},
	)
	d := New(clientset, "mcp-test", nil)

	if err := d.Stop(context.Background(), "xyz", 5*time.Second, false); err != nil {
		t.Fatalf("Stop should tolerate missing service/configmap, got: %v", err)
	}
	if _, err := clientset.AppsV1().Deployments("mcp-test").Get(context.Background(), "mcp-xyz", metav1.GetOptions{}); err == nil {
		t.Fatal("expected deployment to be deleted")
	}
}

func TestStatusNotFound(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	d := New(clientset, "mcp-test", nil)

	if _, err := d.Status(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown deployment")
	}
}

func TestListFiltersByManagedByLabel(t *testing.T) {
	managed := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "mcp-managed",
			Namespace: "mcp-test",
			Labels:    backend.BuildLabels("demo-server", "managed", manifest.TransportHTTP),
		},
		Status: appsv1.DeploymentStatus{ReadyReplicas: 1},
	}
	unmanaged := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "other",
			Namespace: "mcp-test",
			Labels:    map[string]string{"app": "unrelated"},
		},
	}
	clientset := fake.NewSimpleClientset(managed, unmanaged)
	d := New(clientset, "mcp-test", nil)

	descriptors, err := d.List(context.Background(), backend.ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descriptors))
	}
	if descriptors[0].Status != backend.StatusRunning {
		t.Fatalf("Status = %v, want running", descriptors[0].Status)
	}
}

func TestLogsSinglePodStreamsDirectly(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "mcp-demo-pod-1",
			Namespace: "mcp-test",
			Labels:    map[string]string{backend.LabelDeployment: "demo"},
		},
	})
	d := New(clientset, "mcp-test", nil)

	stream, err := d.Logs(context.Background(), "demo", backend.LogOptions{})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	defer stream.Close()
	data, _ := io.ReadAll(stream)
	if len(data) == 0 {
		t.Fatal("expected log output from the fake clientset")
	}
}

func TestLogsAggregatesAcrossReplicasWithPodPrefix(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: "mcp-demo-pod-1", Namespace: "mcp-test",
			Labels: map[string]string{backend.LabelDeployment: "demo"},
		}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{
			Name: "mcp-demo-pod-2", Namespace: "mcp-test",
			Labels: map[string]string{backend.LabelDeployment: "demo"},
		}},
	)
	d := New(clientset, "mcp-test", nil)

	stream, err := d.Logs(context.Background(), "demo", backend.LogOptions{})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	defer stream.Close()
	data, _ := io.ReadAll(stream)
	out := string(data)
	if !strings.Contains(out, "[mcp-demo-pod-1] ") || !strings.Contains(out, "[mcp-demo-pod-2] ") {
		t.Fatalf("expected pod-name prefixes in aggregated logs, got:\n%s", out)
	}
}

func TestLogsUnknownDeployment(t *testing.T) {
	d := New(fake.NewSimpleClientset(), "mcp-test", nil)
	if _, err := d.Logs(context.Background(), "ghost", backend.LogOptions{}); err == nil {
		t.Fatal("expected not-found")
	}
}

func TestExecWithoutExecerFails(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "mcp-demo-pod",
			Namespace: "mcp-test",
			Labels:    map[string]string{backend.LabelDeployment: "demo"},
		},
	})
	d := New(clientset, "mcp-test", nil)

	if _, _, _, err := d.Exec(context.Background(), "demo", []string{"true"}, nil); err == nil {
		t.Fatal("expected Exec to fail when no execer is configured")
	}
}
