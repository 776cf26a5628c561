package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutflo/mcp-platform/internal/backend"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stopped or stale deployments from a backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		templateID, _ := cmd.Flags().GetString("template")
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		backendName, _ := cmd.Flags().GetString("on")

		backends := newBackends()
		if backendName == "" {
			backendName = "docker"
		}
		b, ok := backends[backendName]
		if !ok {
			return fmt.Errorf("backend %q is not available in this environment", backendName)
		}

		filter := backend.CleanupFilter{
			TemplateID: templateID,
			Statuses:   []backend.Status{backend.StatusStopped, backend.StatusFailed},
		}
		if olderThan > 0 {
			filter.OlderThan = time.Now().Add(-olderThan)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		removed, err := b.Cleanup(ctx, filter)
		if err != nil {
			return err
		}
		for _, id := range removed {
			fmt.Printf("removed %s\n", id)
		}
		fmt.Printf("%d deployment(s) removed\n", len(removed))
		return nil
	},
}

func init() {
	cleanupCmd.Flags().StringP("template", "t", "", "Only deployments of this template")
	cleanupCmd.Flags().DurationP("older-than", "", 0, "Only deployments created at least this long ago")
	cleanupCmd.Flags().StringP("on", "", "", "Backend to clean (defaults to docker)")
	rootCmd.AddCommand(cleanupCmd)
}
