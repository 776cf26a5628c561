// Package kubedriver implements the Backend Port against a Kubernetes
// cluster: one Deployment per platform deployment, plus a Service when it
// uses the http transport with a declared port, plus an optional ConfigMap
// for file-backed volume properties, in a configured namespace. Uses
// client-go's typed clientset directly.
package kubedriver

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

// Driver deploys MCP servers as Kubernetes Deployment+Service pairs, or as
// Helm releases when the template's image field is a chart reference.
type Driver struct {
	clientset kubernetes.Interface
	namespace string
	execer    Execer
	helm      *helmDeployer
}

// Execer runs a command inside a pod. Kept pluggable because SPDY exec
// needs a *rest.Config the driver constructor captures once.
type Execer interface {
	Exec(ctx context.Context, namespace, pod, container string, argv []string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// New creates a Driver against clientset in namespace, using execer for
// Exec calls (pass nil to disable Exec support, e.g. in tests with a fake
// clientset that can't open a real SPDY stream).
func New(clientset kubernetes.Interface, namespace string, execer Execer) *Driver {
	return &Driver{clientset: clientset, namespace: namespace, execer: execer, helm: newHelmDeployer(namespace)}
}

func (d *Driver) Name() string { return "kubernetes" }

func deploymentName(id string) string { return "mcp-" + id }
func serviceName(id string) string    { return "mcp-" + id }
func configMapName(id string) string  { return "mcp-" + id + "-config" }

func (d *Driver) Deploy(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved, opts backend.DeployOptions) (*backend.Descriptor, error) {
	deploymentID := opts.Name
	if deploymentID == "" {
		deploymentID = deploymentNameSuffix()
	}
	transport := opts.Transport
	if transport == "" {
		transport = m.Transport.Default
	}

	if IsChartRef(m.Image) {
		return d.helm.deploy(ctx, m, cfg, deploymentID, transport)
	}

	labels := backend.BuildLabels(m.ID, deploymentID, transport)

	envVars := make([]corev1.EnvVar, 0, len(cfg.Env))
	for _, kv := range cfg.Env {
		name, value, ok := splitEnv(kv)
		if !ok {
			continue
		}
		envVars = append(envVars, corev1.EnvVar{Name: name, Value: value})
	}

	var volumeMounts []corev1.VolumeMount
	var volumes []corev1.Volume
	if len(cfg.Volumes) > 0 {
		cmData := make(map[string]string, len(cfg.Volumes))
		for i, v := range cfg.Volumes {
			cmData[fmt.Sprintf("mount-%d", i)] = v.HostPath
		}
		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Name: configMapName(deploymentID), Namespace: d.namespace, Labels: labels},
			Data:       cmData,
		}
		if _, err := d.clientset.CoreV1().ConfigMaps(d.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return nil, errs.Backend("configmap_create", err)
		}
		volumes = append(volumes, corev1.Volume{
			Name: "config",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: configMapName(deploymentID)},
				},
			},
		})
		for i, v := range cfg.Volumes {
			volumeMounts = append(volumeMounts, corev1.VolumeMount{
				Name:      "config",
				MountPath: v.ContainerPath,
				SubPath:   fmt.Sprintf("mount-%d", i),
				ReadOnly:  true,
			})
		}
	}

	container := corev1.Container{
		Name:         "mcp-server",
		Image:        m.Image,
		Command:      m.Command,
		Env:          envVars,
		VolumeMounts: volumeMounts,
	}
	if transport == manifest.TransportHTTP && m.Transport.Port > 0 {
		container.Ports = []corev1.ContainerPort{{ContainerPort: int32(m.Transport.Port)}}
	}

	replicas := int32(1)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: deploymentName(deploymentID), Namespace: d.namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{backend.LabelDeployment: deploymentID}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes,
				},
			},
		},
	}

	if _, err := d.clientset.AppsV1().Deployments(d.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		d.rollbackConfigMap(ctx, deploymentID)
		return nil, errs.Backend("deployment_create", err)
	}

	endpoint := ""
	if transport == manifest.TransportHTTP && m.Transport.Port > 0 {
		svc := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: serviceName(deploymentID), Namespace: d.namespace, Labels: labels},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{backend.LabelDeployment: deploymentID},
				Ports:    []corev1.ServicePort{{Port: int32(m.Transport.Port), TargetPort: intstr.FromInt(m.Transport.Port)}},
			},
		}
		if _, err := d.clientset.CoreV1().Services(d.namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
			_ = d.clientset.AppsV1().Deployments(d.namespace).Delete(ctx, deploymentName(deploymentID), metav1.DeleteOptions{})
			d.rollbackConfigMap(ctx, deploymentID)
			return nil, errs.Backend("service_create", err)
		}
		endpoint = fmt.Sprintf("%s.%s.svc.cluster.local:%d", serviceName(deploymentID), d.namespace, m.Transport.Port)
	}

	return &backend.Descriptor{
		DeploymentID: deploymentID,
		TemplateID:   m.ID,
		Backend:      d.Name(),
		Image:        m.Image,
		Status:       backend.StatusPending,
		Transport:    transport,
		Endpoint:     endpoint,
		CreatedAt:    time.Now(),
		Labels:       labels,
	}, nil
}

func (d *Driver) rollbackConfigMap(ctx context.Context, deploymentID string) {
	_ = d.clientset.CoreV1().ConfigMaps(d.namespace).Delete(ctx, configMapName(deploymentID), metav1.DeleteOptions{})
}

func (d *Driver) Stop(ctx context.Context, deploymentID string, timeout time.Duration, force bool) error {
	deleteOpts := metav1.DeleteOptions{}
	if force {
		zero := int64(0)
		deleteOpts.GracePeriodSeconds = &zero
	} else {
		secs := int64(timeout.Seconds())
		deleteOpts.GracePeriodSeconds = &secs
	}

	var firstErr error
	allMissing := true
	if err := d.clientset.AppsV1().Deployments(d.namespace).Delete(ctx, deploymentName(deploymentID), deleteOpts); err != nil {
		if !apierrors.IsNotFound(err) {
			allMissing = false
			firstErr = errs.Backend("deployment_delete", err)
		}
	} else {
		allMissing = false
	}
	if err := d.clientset.CoreV1().Services(d.namespace).Delete(ctx, serviceName(deploymentID), metav1.DeleteOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			allMissing = false
			if firstErr == nil {
				firstErr = errs.Backend("service_delete", err)
			}
		}
	} else {
		allMissing = false
	}
	if err := d.clientset.CoreV1().ConfigMaps(d.namespace).Delete(ctx, configMapName(deploymentID), metav1.DeleteOptions{}); err != nil {
		if !apierrors.IsNotFound(err) {
			allMissing = false
			if firstErr == nil {
				firstErr = errs.Backend("configmap_delete", err)
			}
		}
	} else {
		allMissing = false
	}

	// A chart-based deploy created none of the objects above; fall through
	// to a Helm uninstall when nothing else claimed the id.
	if allMissing && d.helm.ownsRelease(deploymentID) {
		return d.helm.stop(deploymentID)
	}
	return firstErr
}

func (d *Driver) List(ctx context.Context, filter backend.ListFilter) ([]*backend.Descriptor, error) {
	selector := backend.LabelManagedBy + "=" + backend.ManagedByValue
	if filter.TemplateID != "" {
		selector += "," + backend.LabelTemplate + "=" + filter.TemplateID
	}
	deployments, err := d.clientset.AppsV1().Deployments(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errs.Backend("deployment_list", err)
	}
	out := make([]*backend.Descriptor, 0, len(deployments.Items))
	for _, dep := range deployments.Items {
		desc := descriptorFromDeployment(&dep)
		if filter.Status != "" && desc.Status != filter.Status {
			continue
		}
		out = append(out, desc)
	}

	// Best-effort merge of chart-based deploys; a cluster without Helm state
	// (or without ambient credentials for it) just contributes nothing.
	if helmDescs, err := d.helm.list(filter); err == nil {
		out = append(out, helmDescs...)
	} else {
		klog.V(1).Infof("kubernetes: skipping helm releases in list: %v", err)
	}
	return out, nil
}

func descriptorFromDeployment(dep *appsv1.Deployment) *backend.Descriptor {
	status := backend.StatusPending
	if dep.Status.ReadyReplicas > 0 {
		status = backend.StatusRunning
	} else if dep.Status.Replicas == 0 && dep.Status.ReadyReplicas == 0 && dep.Generation > 1 {
		status = backend.StatusUnknown
	}
	return &backend.Descriptor{
		DeploymentID: dep.Labels[backend.LabelDeployment],
		TemplateID:   dep.Labels[backend.LabelTemplate],
		Backend:      "kubernetes",
		Status:       status,
		Transport:    manifest.TransportKind(dep.Labels[backend.LabelTransport]),
		CreatedAt:    dep.CreationTimestamp.Time,
		Labels:       dep.Labels,
	}
}

func (d *Driver) Status(ctx context.Context, deploymentID string) (*backend.Descriptor, error) {
	dep, err := d.clientset.AppsV1().Deployments(d.namespace).Get(ctx, deploymentName(deploymentID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			if desc, herr := d.helm.status(deploymentID); herr == nil {
				return desc, nil
			}
			return nil, errs.DeploymentNotFound(deploymentID)
		}
		return nil, errs.Backend("deployment_get", err)
	}
	return descriptorFromDeployment(dep), nil
}

func (d *Driver) findPod(ctx context.Context, deploymentID string) (*corev1.Pod, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: backend.LabelDeployment + "=" + deploymentID,
	})
	if err != nil {
		return nil, errs.Backend("pod_list", err)
	}
	if len(pods.Items) == 0 {
		return nil, errs.DeploymentNotFound(deploymentID)
	}
	return &pods.Items[0], nil
}

func (d *Driver) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (int, []byte, []byte, error) {
	if d.execer == nil {
		return -1, nil, nil, errs.Backend("exec", fmt.Errorf("exec is not configured for this driver instance"))
	}
	pod, err := d.findPod(ctx, deploymentID)
	if err != nil {
		return -1, nil, nil, err
	}
	stdout, stderr, err := d.execer.Exec(ctx, d.namespace, pod.Name, "mcp-server", argv, stdin)
	if err != nil {
		return -1, stdout, stderr, errs.Backend("pod_exec", err)
	}
	return 0, stdout, stderr, nil
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
		if err := d.Stop(ctx, desc.DeploymentID, 30*time.Second, true); err != nil {
			klog.Errorf("kubernetes: cleanup failed to remove %s: %v", desc.DeploymentID, err)
			continue
		}
		removed = append(removed, desc.DeploymentID)
	}
	return removed, nil
}

func splitEnv(kv string) (name, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

func deploymentNameSuffix() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}
