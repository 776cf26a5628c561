package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutflo/mcp-platform/pkg/client"
)

var callCmd = &cobra.Command{
	Use:   "call <tool-name>",
	Short: "Connect to a running MCP server and invoke one tool",
	Long: `Connect to an already-running MCP server (over http with --url, or by
spawning a stdio command with --command), invoke one tool, print the
result, and disconnect. Deploying the server first is a separate step;
compose this with "mcpctl deploy".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		toolName := args[0]
		url, _ := cmd.Flags().GetString("url")
		command, _ := cmd.Flags().GetStringArray("command")
		argsJSON, _ := cmd.Flags().GetString("args")
		listOnly, _ := cmd.Flags().GetBool("list")

		var opts client.ConnectOptions
		switch {
		case url != "":
			opts = client.ConnectOptions{Transport: client.TransportHTTP, BaseURL: url}
		case len(command) > 0:
			opts = client.ConnectOptions{Transport: client.TransportStdio, Command: command}
		default:
			return fmt.Errorf("either --url or --command is required")
		}

		toolArgs := map[string]any{}
		if argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
				return fmt.Errorf("--args must be a JSON object: %w", err)
			}
		}

		c := client.New()
		defer c.CloseAll()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		connID, err := c.Connect(ctx, opts)
		if err != nil {
			return err
		}

		if listOnly {
			tools, err := c.ListTools(ctx, connID)
			if err != nil {
				return err
			}
			for _, t := range tools {
				fmt.Printf("%s\t%s\n", t.Name, t.Description)
			}
			return nil
		}

		result, err := c.CallTool(ctx, connID, toolName, toolArgs)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(json.RawMessage(result.Content), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	callCmd.Flags().StringP("url", "u", "", "Base URL of an http-transport MCP server")
	callCmd.Flags().StringArrayP("command", "", nil, "Command (argv, repeatable) for a stdio-transport server")
	callCmd.Flags().StringP("args", "a", "", "Tool arguments as a JSON object")
	callCmd.Flags().BoolP("list", "l", false, "List the server's tools instead of calling one")
	rootCmd.AddCommand(callCmd)
}
