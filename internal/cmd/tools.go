package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutflo/mcp-platform/internal/errs"
	"github.com/scoutflo/mcp-platform/internal/toolmanager"
)

var toolsCmd = &cobra.Command{
	Use:   "tools <template-id>",
	Short: "Discover the tools a template's server exposes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		forceRefresh, _ := cmd.Flags().GetBool("force-refresh")

		mgr, reg, err := newManager()
		if err != nil {
			return err
		}
		m, ok := reg.Get(args[0])
		if !ok {
			return errs.TemplateNotFound(args[0])
		}

		tools := toolmanager.New(mgr, 0)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		result, err := tools.List(ctx, m, nil, toolmanager.Mode(mode), forceRefresh)
		if err != nil {
			return err
		}

		fmt.Printf("%d tool(s), source=%s\n", len(result.Tools), result.Source)
		for _, t := range result.Tools {
			fmt.Printf("  %s\t%s\n", t.Name, t.Description)
		}
		return nil
	},
}

func init() {
	toolsCmd.Flags().StringP("mode", "m", "auto", "Discovery mode (static, dynamic, image, auto)")
	toolsCmd.Flags().BoolP("force-refresh", "", false, "Bypass and overwrite the tool cache")
	rootCmd.AddCommand(toolsCmd)
}
