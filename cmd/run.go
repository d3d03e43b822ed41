package cmd

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/lancet/api/schemas"
	"github.com/xkilldash9x/lancet/internal/collab"
	"github.com/xkilldash9x/lancet/internal/config"
	"github.com/xkilldash9x/lancet/internal/observability"
	"github.com/xkilldash9x/lancet/internal/pipeline"
	"github.com/xkilldash9x/lancet/internal/session"
	"github.com/xkilldash9x/lancet/internal/snapshot"
	"github.com/xkilldash9x/lancet/internal/store"
	"github.com/xkilldash9x/lancet/internal/workflow"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var branch string

	runCmd := &cobra.Command{
		Use:   "run [target-url]",
		Short: "Runs the full assessment pipeline against a target",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so command-line values override
			// the config file and environment with the right precedence.
			if err := viper.BindPFlag("retry.max_attempts", cmd.Flags().Lookup("attempts")); err != nil {
				return err
			}
			return viper.BindPFlag("pipeline.session_root", cmd.Flags().Lookup("session-root"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config: %w", err)
			}

			target := args[0]
			if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
				target = "https://" + target
			}

			sessions, err := session.NewStore(cfg.Pipeline.SessionRoot, logger)
			if err != nil {
				return fmt.Errorf("failed to open session root: %w", err)
			}
			// One sweep up front keeps the session root from accumulating
			// expired trees across invocations.
			if n := sessions.Sweep(cfg.Pipeline.SessionMaxAge); n > 0 {
				logger.Info("Swept expired sessions", zap.Int("count", n))
			}

			executor, err := collab.NewHTTPExecutor(collab.HTTPConfig{
				BaseURL:           cfg.Executor.BaseURL,
				RequestTimeout:    cfg.Executor.RequestTimeout,
				RequestsPerSecond: cfg.Executor.RequestsPerSecond,
				Burst:             cfg.Executor.Burst,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to build executor: %w", err)
			}

			var sink workflow.SummarySink
			if cfg.Database.DSN != "" {
				pool, err := pgxpool.New(ctx, cfg.Database.DSN)
				if err != nil {
					return fmt.Errorf("failed to connect to database: %w", err)
				}
				defer pool.Close()

				st, err := store.New(ctx, pool, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize summary store: %w", err)
				}
				if err := st.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("failed to ensure summary schema: %w", err)
				}
				sink = st
			}

			controller, err := workflow.New(
				logger,
				pipeline.Default(),
				sessions,
				executor,
				snapshot.NewGitStore,
				sink,
				cfg.Pipeline,
				cfg.Retry,
			)
			if err != nil {
				return err
			}

			// The janitor keeps long runs from accumulating expired session
			// trees; it dies with the command context.
			go controller.RunJanitor(ctx)

			logger.Info("Starting pipeline",
				zap.String("target", target),
				zap.String("branch", branch),
				zap.String("sessionRoot", cfg.Pipeline.SessionRoot),
			)

			summary, err := controller.Run(ctx, workflow.StartInput{TargetURL: target, Branch: branch})
			if err != nil {
				return fmt.Errorf("pipeline did not start: %w", err)
			}

			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(summary, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render summary: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			switch summary.Status {
			case schemas.SessionCompleted:
				return nil
			case schemas.SessionCancelled:
				return fmt.Errorf("session %s was cancelled", summary.SessionID)
			default:
				return fmt.Errorf("session %s failed at %s: %s",
					summary.SessionID, summary.FailedAgent, summary.Error)
			}
		},
	}

	runCmd.Flags().StringVar(&branch, "branch", "main", "target branch recorded with the session")
	runCmd.Flags().Int("attempts", 0, "maximum attempts per agent (overrides config)")
	runCmd.Flags().String("session-root", "", "directory for session work trees and audit logs")
	return runCmd
}
