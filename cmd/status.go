package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/lancet/internal/audit"
	"github.com/xkilldash9x/lancet/internal/config"
)

// newStatusCmd creates the `status` command, which reports the terminal
// summary of a session from its audit tree.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [session-id]",
		Short: "Prints the recorded summary of a pipeline session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config: %w", err)
			}

			sessionID := args[0]
			auditDir := filepath.Join(cfg.Pipeline.SessionRoot, sessionID, "audit")
			if _, err := os.Stat(auditDir); err != nil {
				return fmt.Errorf("no session found at %s", auditDir)
			}

			summary, err := audit.ReadSummary(auditDir)
			if err != nil {
				return fmt.Errorf("failed to read session summary: %w", err)
			}
			if summary == nil {
				// No summary yet: either the session is still running or the
				// ID is wrong. The event stream disambiguates.
				log, err := audit.New(auditDir)
				if err != nil {
					return fmt.Errorf("failed to open audit log: %w", err)
				}
				events, err := log.ReadEvents()
				if err != nil {
					return fmt.Errorf("failed to read workflow events: %w", err)
				}
				if len(events) == 0 {
					return fmt.Errorf("session %s has no recorded activity", sessionID)
				}
				last := events[len(events)-1]
				fmt.Fprintf(cmd.OutOrStdout(), "session %s is still running (last event: %s", sessionID, last.Type)
				if last.AgentID != "" {
					fmt.Fprintf(cmd.OutOrStdout(), " %s", last.AgentID)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ")")
				return nil
			}

			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(summary, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render summary: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
