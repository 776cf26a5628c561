package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/gateway"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the HTTP gateway over a server registry file",
	RunE: func(cmd *cobra.Command, args []string) error {
		registryFile, _ := cmd.Flags().GetString("registry-file")
		if registryFile == "" {
			return fmt.Errorf("--registry-file is required")
		}
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		reload, _ := cmd.Flags().GetBool("reload")
		interval, _ := cmd.Flags().GetDuration("health-check-interval")

		mgr, reg, err := newManager()
		if err != nil {
			return err
		}

		gw := gateway.New(gateway.FileConfig{
			Host:                host,
			Port:                port,
			ReloadRegistry:      reload,
			HealthCheckInterval: interval,
		}, reg, mgr)
		defer gw.Close()

		if err := gw.LoadFile(registryFile); err != nil {
			return err
		}

		addr := fmt.Sprintf("%s:%d", host, port)
		server := &http.Server{Addr: addr, Handler: gw}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			klog.V(0).Infof("gateway listening on %s", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case sig := <-sigCh:
			klog.V(0).Infof("received signal %v, shutting down", sig)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				klog.Errorf("gateway shutdown: %v", err)
			}
			return nil
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	gatewayCmd.Flags().StringP("registry-file", "r", "", "Gateway registry document (JSON or YAML)")
	gatewayCmd.Flags().StringP("host", "", "0.0.0.0", "Listen host")
	gatewayCmd.Flags().IntP("port", "p", 8080, "Listen port")
	gatewayCmd.Flags().BoolP("reload", "", true, "Watch the registry file and hot-reload on change")
	gatewayCmd.Flags().DurationP("health-check-interval", "", 30*time.Second, "Probe interval for unhealthy http instances")
	rootCmd.AddCommand(gatewayCmd)
}
