package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the long-running 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Polls every source on its schedule and serves the admin API",
		Long: `Starts one scheduled job per configured source and, when server.enabled is
set, the read-only admin API. Runs until SIGINT or SIGTERM, then waits up to
scheduler.shutdown_timeout for in-flight polls.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run tracker: %w", err)
	}
	rt.logger.Info("serve command finished")
	return nil
}

// newCheckCmd creates the one-shot 'check' subcommand.
func newCheckCmd() *cobra.Command {
	var sources []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Polls each source once and prints what changed",
		Long: `Runs a single poll of every configured source (or only those named with
--source), applying observations and sending notifications exactly as a
scheduled run would.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckCommand(cmd, sources)
		},
	}
	cmd.Flags().StringSliceVar(&sources, "source", nil, "only poll these sources (e.g. shopify-ca,amazon-ca)")
	return cmd
}

func runCheckCommand(cmd *cobra.Command, sources []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			rt.logger.Warn("failed to close application", zap.Error(cerr))
		}
	}()

	results := app.RunOnce(cmd.Context(), sources...)
	if len(results) == 0 {
		return errors.New("no matching sources configured")
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SOURCE\tRUN\tOBSERVED\tCHANGED\tFAILED\tNOTIFIED\tERROR")
	failed := 0
	for _, r := range results {
		errText := "-"
		if r.Err != nil {
			failed++
			errText = r.Err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.Source, r.Summary.RunID, r.Summary.Observations, r.Summary.Transitions,
			r.Summary.Failures+r.Summary.StoreFailures, r.Summary.Notifications.Sent, errText)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(results))
	}
	return nil
}
