package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutflo/mcp-platform/internal/backend"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments across every configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		templateID, _ := cmd.Flags().GetString("template")
		status, _ := cmd.Flags().GetString("status")

		mgr, _, err := newManager()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		descriptors, err := mgr.MultiList(ctx, backend.ListFilter{
			TemplateID: templateID,
			Status:     backend.Status(status),
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "DEPLOYMENT\tTEMPLATE\tBACKEND\tSTATUS\tENDPOINT\tCREATED")
		for _, d := range descriptors {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				d.DeploymentID, d.TemplateID, d.Backend, d.Status, d.Endpoint, d.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().StringP("template", "t", "", "Only deployments of this template")
	listCmd.Flags().StringP("status", "", "", "Only deployments in this status")
	rootCmd.AddCommand(listCmd)
}
