package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutflo/mcp-platform/internal/deploy"
)

var stopCmd = &cobra.Command{
	Use:   "stop [deployment-id]",
	Short: "Stop one deployment, or every deployment of a template with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		templateID, _ := cmd.Flags().GetString("template")
		all, _ := cmd.Flags().GetBool("all")
		force, _ := cmd.Flags().GetBool("force")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		filter := deploy.StopFilter{Force: force, Timeout: timeout}
		switch {
		case len(args) == 1:
			filter.DeploymentID = args[0]
		case all:
			filter.TemplateID = templateID
			filter.All = true
		default:
			return fmt.Errorf("either a deployment id or --all (optionally with --template) is required")
		}

		mgr, _, err := newManager()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Minute)
		defer cancel()

		result, err := mgr.Stop(ctx, filter)
		if err != nil {
			return err
		}
		for _, id := range result.Stopped {
			fmt.Printf("stopped %s\n", id)
		}
		for _, f := range result.Failed {
			fmt.Printf("failed  %s: %v\n", f.DeploymentID, f.Error)
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d deployment(s) failed to stop", len(result.Failed))
		}
		return nil
	},
}

func init() {
	stopCmd.Flags().StringP("template", "t", "", "Restrict --all to deployments of one template")
	stopCmd.Flags().BoolP("all", "", false, "Stop every matching deployment")
	stopCmd.Flags().BoolP("force", "", false, "SIGKILL after the timeout instead of failing")
	stopCmd.Flags().DurationP("timeout", "", 30*time.Second, "Grace period before giving up (or killing with --force)")
	rootCmd.AddCommand(stopCmd)
}
