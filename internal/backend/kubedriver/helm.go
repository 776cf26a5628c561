package kubedriver

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/release"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

// chartRefPrefix marks a template image field that deploys as a Helm
// release instead of a bare Deployment+Service: "helm:<repo>/<chart>:<version>".
const chartRefPrefix = "helm:"

// IsChartRef reports whether image names a Helm chart rather than a
// container image.
func IsChartRef(image string) bool { return strings.HasPrefix(image, chartRefPrefix) }

// parseChartRef splits "helm:bitnami/nginx:15.1.2" into ("bitnami/nginx",
// "15.1.2"); the version part is optional.
func parseChartRef(image string) (chartName, version string) {
	ref := strings.TrimPrefix(image, chartRefPrefix)
	if idx := strings.LastIndex(ref, ":"); idx > 0 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

// helmDeployer drives chart-based deploys through Helm's action API. The
// action.Configuration is initialized lazily from the ambient kubeconfig so
// constructing a Driver never requires Helm connectivity.
type helmDeployer struct {
	namespace string

	once     sync.Once
	settings *cli.EnvSettings
	cfg      *action.Configuration
	initErr  error
}

func newHelmDeployer(namespace string) *helmDeployer {
	return &helmDeployer{namespace: namespace}
}

func (h *helmDeployer) init() error {
	h.once.Do(func() {
		h.settings = cli.New()
		h.settings.SetNamespace(h.namespace)
		h.cfg = new(action.Configuration)
		h.initErr = h.cfg.Init(h.settings.RESTClientGetter(), h.namespace, os.Getenv("HELM_DRIVER"), func(format string, v ...interface{}) {
			klog.V(1).Infof("helm: "+format, v...)
		})
	})
	return h.initErr
}

func (h *helmDeployer) deploy(ctx context.Context, m *manifest.Manifest, cfg *config.Resolved, deploymentID string, transport manifest.TransportKind) (*backend.Descriptor, error) {
	if err := h.init(); err != nil {
		return nil, errs.Backend("helm_init", err)
	}

	chartName, version := parseChartRef(m.Image)
	labels := backend.BuildLabels(m.ID, deploymentID, transport)

	install := action.NewInstall(h.cfg)
	install.ReleaseName = deploymentName(deploymentID)
	install.Namespace = h.namespace
	install.Version = version
	install.Timeout = 5 * time.Minute
	install.Labels = labels

	chartPath, err := install.ChartPathOptions.LocateChart(chartName, h.settings)
	if err != nil {
		return nil, errs.Backend("helm_locate_chart", err)
	}
	chart, err := loader.Load(chartPath)
	if err != nil {
		return nil, errs.Backend("helm_load_chart", err)
	}

	values := map[string]interface{}{}
	if cfg != nil {
		for k, v := range cfg.Values {
			values[k] = v
		}
	}

	rel, err := install.RunWithContext(ctx, chart, values)
	if err != nil {
		// A failed install can leave a stub release behind; uninstall it so
		// retries don't hit "cannot re-use a name that is still in use".
		uninstall := action.NewUninstall(h.cfg)
		if _, uerr := uninstall.Run(install.ReleaseName); uerr != nil {
			klog.V(1).Infof("helm: rollback of %s after failed install: %v", install.ReleaseName, uerr)
		}
		return nil, errs.Backend("helm_install", err)
	}

	return h.descriptor(rel, m.ID, deploymentID, transport), nil
}

func (h *helmDeployer) descriptor(rel *release.Release, templateID, deploymentID string, transport manifest.TransportKind) *backend.Descriptor {
	status := backend.StatusPending
	switch rel.Info.Status {
	case release.StatusDeployed:
		status = backend.StatusRunning
	case release.StatusFailed:
		status = backend.StatusFailed
	case release.StatusUninstalled, release.StatusSuperseded:
		status = backend.StatusStopped
	}
	return &backend.Descriptor{
		DeploymentID: deploymentID,
		TemplateID:   templateID,
		Backend:      "kubernetes",
		Image:        chartRefPrefix + rel.Chart.Metadata.Name + ":" + rel.Chart.Metadata.Version,
		Status:       status,
		Transport:    transport,
		CreatedAt:    rel.Info.FirstDeployed.Time,
		Labels:       rel.Labels,
	}
}

func (h *helmDeployer) stop(deploymentID string) error {
	if err := h.init(); err != nil {
		return errs.Backend("helm_init", err)
	}
	uninstall := action.NewUninstall(h.cfg)
	if _, err := uninstall.Run(deploymentName(deploymentID)); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return errs.DeploymentNotFound(deploymentID)
		}
		return errs.Backend("helm_uninstall", err)
	}
	return nil
}

func (h *helmDeployer) status(deploymentID string) (*backend.Descriptor, error) {
	if err := h.init(); err != nil {
		return nil, errs.Backend("helm_init", err)
	}
	get := action.NewStatus(h.cfg)
	rel, err := get.Run(deploymentName(deploymentID))
	if err != nil {
		return nil, errs.DeploymentNotFound(deploymentID)
	}
	return h.descriptorFromRelease(rel), nil
}

// list returns every platform-managed Helm release as a descriptor, for
// merging into the driver's List output.
func (h *helmDeployer) list(filter backend.ListFilter) ([]*backend.Descriptor, error) {
	if err := h.init(); err != nil {
		return nil, errs.Backend("helm_init", err)
	}
	lister := action.NewList(h.cfg)
	lister.All = true
	releases, err := lister.Run()
	if err != nil {
		return nil, errs.Backend("helm_list", err)
	}
	var out []*backend.Descriptor
	for _, rel := range releases {
		if rel.Labels[backend.LabelManagedBy] != backend.ManagedByValue {
			continue
		}
		desc := h.descriptorFromRelease(rel)
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

func (h *helmDeployer) descriptorFromRelease(rel *release.Release) *backend.Descriptor {
	return h.descriptor(rel,
		rel.Labels[backend.LabelTemplate],
		rel.Labels[backend.LabelDeployment],
		manifest.TransportKind(rel.Labels[backend.LabelTransport]))
}

// ownsRelease reports whether deploymentID corresponds to a live
// platform-managed Helm release.
func (h *helmDeployer) ownsRelease(deploymentID string) bool {
	desc, err := h.status(deploymentID)
	return err == nil && desc != nil
}
