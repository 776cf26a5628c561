package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/scoutflo/mcp-platform/internal/config"
	"github.com/scoutflo/mcp-platform/internal/deploy"
	"github.com/scoutflo/mcp-platform/internal/manifest"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <template-id>",
	Short: "Deploy a template on a backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		templateID := args[0]

		pairs, _ := cmd.Flags().GetStringArray("config")
		cli, err := config.ParseCLIPairs(pairs)
		if err != nil {
			return err
		}

		inputs := config.Inputs{CLI: cli, Env: envMap()}
		if configFile, _ := cmd.Flags().GetString("config-file"); configFile != "" {
			file, err := config.LoadFile(afero.NewOsFs(), configFile)
			if err != nil {
				return err
			}
			inputs.File = file
		}

		mgr, _, err := newManager()
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")
		noPull, _ := cmd.Flags().GetBool("no-pull")
		backendName, _ := cmd.Flags().GetString("on")

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		desc, err := mgr.Deploy(ctx, templateID, inputs, deploy.DeployOptions{
			Name:      name,
			Transport: manifest.TransportKind(transport),
			Port:      port,
			Pull:      !noPull,
			Backend:   backendName,
		})
		if err != nil {
			return err
		}

		fmt.Printf("deployed %s\n", desc.DeploymentID)
		fmt.Printf("  template:  %s\n", desc.TemplateID)
		fmt.Printf("  backend:   %s\n", desc.Backend)
		fmt.Printf("  status:    %s\n", desc.Status)
		if desc.Endpoint != "" {
			fmt.Printf("  endpoint:  %s\n", desc.Endpoint)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().StringArrayP("config", "c", nil, "Configuration override as key=value (repeatable; double underscore nests)")
	deployCmd.Flags().StringP("config-file", "f", "", "JSON or YAML configuration file")
	deployCmd.Flags().StringP("name", "", "", "Custom deployment name")
	deployCmd.Flags().StringP("transport", "", "", "Override the template's default transport (stdio, http)")
	deployCmd.Flags().IntP("port", "", 0, "Host port for http transport (0 auto-assigns)")
	deployCmd.Flags().BoolP("no-pull", "", false, "Skip pulling the image before deploying")
	deployCmd.Flags().StringP("on", "", "", "Backend to deploy on (defaults to --backend)")
	rootCmd.AddCommand(deployCmd)
}

// envMap exposes the calling process environment to the config resolver.
func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
