// Package cli provides the command-line interface for the membership intake
// service.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/iago/membership-intake/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

const serviceName = "membership-intake"

type rootOptions struct {
	output   string
	envFiles []string

	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error

	// open builds the runtime; tests replace it to share one in-memory runtime
	// across commands.
	open func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error)
}

// NewRootCmd assembles the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootOptions{open: openRuntime})
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "intake",
		Short: "Membership bulk-upload intake service",
		Long: `Intake watches a drop directory for membership spreadsheets, queues each
file as a job and ingests the rows: validation, identity verification, fraud
checks, renewal classification and chunked persistence.

Run "intake serve" for the long-running service; the other commands operate on
the same queue and job store.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(opts.output); err != nil {
				return err
			}
			if err := config.LoadDotEnv(opts.envFiles...); err != nil {
				return fmt.Errorf("load env files: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger, opts.closeLogger = config.SetupLogger(cfg.LogFile, cfg.SlogLevel())
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closeLogger != nil {
				return opts.closeLogger()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "output format: table, json or yaml")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env", ".env.local"}, "dotenv files to load")

	root.AddCommand(
		newServeCmd(opts),
		newEnqueueCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newCancelCmd(opts),
		newClearCmd(opts),
		newReconcileCmd(opts),
	)
	return root
}

// withRuntime opens the backends for one command and closes them afterwards.
func withRuntime(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := opts.open(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			opts.logger.Warn("close backends failed", "error", closeErr)
		}
	}()
	return fn(ctx, rt)
}
