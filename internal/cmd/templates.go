package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scoutflo/mcp-platform/internal/manifest"
	"github.com/scoutflo/mcp-platform/internal/registry"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect the template registry",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every discovered template",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := newRegistry()
		if err != nil {
			return err
		}

		group, _ := cmd.Flags().GetString("group")
		templates := reg.List()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tTRANSPORT\tTAGS")
		for _, m := range templates {
			if group != "" && !inGroup(m, group) {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.Name, m.Version, m.Transport.Default, strings.Join(m.Tags, ","))
		}
		return w.Flush()
	},
}

func inGroup(m *manifest.Manifest, group string) bool {
	for _, g := range m.Groups {
		if g == group {
			return true
		}
	}
	return false
}

var templatesSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search templates by name, description or tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := newRegistry()
		if err != nil {
			return err
		}

		byTag, _ := cmd.Flags().GetBool("by-tag")
		var fields []registry.SearchField
		if byTag {
			fields = append(fields, registry.ByTag)
		}

		for _, m := range reg.Search(args[0], fields...) {
			fmt.Printf("%s\t%s\n", m.ID, m.Description)
		}
		return nil
	},
}

func init() {
	templatesListCmd.Flags().StringP("group", "g", "", "Only templates in this group")
	templatesSearchCmd.Flags().BoolP("by-tag", "", false, "Match the query against tags instead of name/description")
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesSearchCmd)
	rootCmd.AddCommand(templatesCmd)
}
