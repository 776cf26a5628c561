// Package cmd is the mcpctl command tree: a thin CLI boundary over the
// platform core (registry, deployment manager, tool manager, gateway).
package cmd

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	dockerclient "github.com/docker/docker/client"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/backend/dockerdriver"
	"github.com/scoutflo/mcp-platform/internal/backend/kubedriver"
	"github.com/scoutflo/mcp-platform/internal/backend/mockdriver"
	"github.com/scoutflo/mcp-platform/internal/deploy"
	"github.com/scoutflo/mcp-platform/internal/registry"
	"github.com/scoutflo/mcp-platform/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "mcpctl [command] [options]",
	Short: "Deployment and routing platform for MCP servers",
	Long: `
Deployment and routing platform for MCP (Model Context Protocol) servers

  # show this help
  mcpctl -h

  # show version information
  mcpctl --version

  # deploy a template on the default backend
  mcpctl deploy demo --config greeting=hi

  # list deployments across every configured backend
  mcpctl list

  # run the gateway against a registry file
  mcpctl gateway --registry-file gateway.yaml`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("version") {
			fmt.Println(version.Version)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and quit")
	rootCmd.PersistentFlags().IntP("log-level", "", 2, "Set the log level (from 0 to 9)")
	rootCmd.PersistentFlags().StringP("templates-dir", "", "./templates", "Directory the template registry scans")
	rootCmd.PersistentFlags().StringP("backend", "", "docker", "Default deployment backend (docker, kubernetes, mock)")
	rootCmd.PersistentFlags().StringP("namespace", "", "default", "Kubernetes namespace for the kubernetes backend")
	rootCmd.PersistentFlags().StringP("docker-network", "", "mcp-platform", "Docker network joined by deployed containers")
	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() {
	logLevel := viper.GetInt("log-level")
	if logLevel < 0 {
		logLevel = 2
	}

	// Always stderr: stdio-transport subprocesses share this process's
	// stdout and a stray log line would corrupt their JSON-RPC framing.
	config := textlogger.NewConfig(
		textlogger.Output(os.Stderr),
		textlogger.Verbosity(logLevel),
	)
	klog.SetLoggerWithOptions(textlogger.NewLogger(config))

	flagSet := flag.NewFlagSet("mcpctl", flag.ContinueOnError)
	klog.InitFlags(flagSet)
	if err := flagSet.Parse([]string{"--v", strconv.Itoa(logLevel)}); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing log level: %v\n", err)
	}
}

// newRegistry builds and populates the template registry from the
// configured templates directory.
func newRegistry() (*registry.Registry, error) {
	reg := registry.New(afero.NewOsFs(), viper.GetString("templates-dir"))
	if err := reg.Discover(); err != nil {
		return nil, err
	}
	return reg, nil
}

// newBackends wires every backend that can be constructed in this
// environment. Docker and Kubernetes are best-effort (a laptop without a
// kubeconfig still gets the docker driver and vice versa); mock is always
// present for dry runs.
func newBackends() map[string]backend.Backend {
	backends := map[string]backend.Backend{"mock": mockdriver.New()}

	if cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()); err == nil {
		backends["docker"] = dockerdriver.New(cli, viper.GetString("docker-network"))
	} else {
		klog.V(1).Infof("docker backend unavailable: %v", err)
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	kubeConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err == nil {
		if clientset, err := kubernetes.NewForConfig(kubeConfig); err == nil {
			execer := kubedriver.NewSPDYExecer(clientset, kubeConfig)
			backends["kubernetes"] = kubedriver.New(clientset, viper.GetString("namespace"), execer)
		} else {
			klog.V(1).Infof("kubernetes backend unavailable: %v", err)
		}
	} else {
		klog.V(1).Infof("kubernetes backend unavailable: %v", err)
	}

	return backends
}

// newManager assembles the Deployment Manager over the discovered registry
// and available backends.
func newManager() (*deploy.Manager, *registry.Registry, error) {
	reg, err := newRegistry()
	if err != nil {
		return nil, nil, err
	}
	backends := newBackends()
	defaultBackend := viper.GetString("backend")
	if _, ok := backends[defaultBackend]; !ok {
		return nil, nil, fmt.Errorf("default backend %q is not available in this environment", defaultBackend)
	}
	return deploy.New(reg, backends, defaultBackend), reg, nil
}
