package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scoutflo/mcp-platform/internal/backend"
)

var logsCmd = &cobra.Command{
	Use:   "logs <deployment-id>",
	Short: "Print or follow a deployment's logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, _ := cmd.Flags().GetInt("lines")
		follow, _ := cmd.Flags().GetBool("follow")

		mgr, _, err := newManager()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if follow {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()
		}

		stream, err := mgr.Logs(ctx, args[0], backend.LogOptions{Lines: lines, Follow: follow})
		if err != nil {
			return err
		}
		defer stream.Close()

		if _, err := io.Copy(os.Stdout, stream); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 100, "Number of trailing lines to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Stream new log output until interrupted")
	rootCmd.AddCommand(logsCmd)
}
