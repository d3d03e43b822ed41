package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/lancet/internal/audit"
	"github.com/xkilldash9x/lancet/internal/config"
)

// newWatchCmd creates the `watch` command, which follows a session's workflow
// event stream until interrupted.
func newWatchCmd() *cobra.Command {
	var fromStart bool

	watchCmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Follows the live workflow event stream of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config: %w", err)
			}

			auditDir := filepath.Join(cfg.Pipeline.SessionRoot, args[0], "audit")
			logPath := audit.WorkflowLogPath(auditDir)
			if _, err := os.Stat(logPath); err != nil {
				return fmt.Errorf("no workflow log found at %s", logPath)
			}

			location := &tail.SeekInfo{Offset: 0, Whence: 2}
			if fromStart {
				location = nil
			}
			t, err := tail.TailFile(logPath, tail.Config{
				Follow:    true,
				ReOpen:    true,
				MustExist: true,
				Location:  location,
				Logger:    tail.DiscardingLogger,
			})
			if err != nil {
				return fmt.Errorf("failed to tail workflow log: %w", err)
			}
			defer func() {
				_ = t.Stop()
				t.Cleanup()
			}()

			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-t.Lines:
					if !ok {
						return nil
					}
					if line.Err != nil {
						return fmt.Errorf("tail error: %w", line.Err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), line.Text)
				}
			}
		},
	}

	watchCmd.Flags().BoolVar(&fromStart, "from-start", false, "replay the event stream from the beginning")
	return watchCmd
}
