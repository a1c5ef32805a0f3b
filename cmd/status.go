package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/store/state"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

type statusOptions struct {
	source  string
	inStock bool
	asJSON  bool
}

// newStatusCmd creates the 'status' subcommand, which prints the persisted
// status map without polling anything.
func newStatusCmd() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the last known status of every tracked variant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatusCommand(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.source, "source", "", "only show keys from this source")
	cmd.Flags().BoolVar(&opts.inStock, "in-stock", false, "only show variants that are in stock")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the raw status map as JSON")
	return cmd
}

func runStatusCommand(cmd *cobra.Command, opts *statusOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	store, err := state.Open(state.Options{
		Path:        rt.cfg.Store.StateFile,
		LockTimeout: rt.cfg.Store.LockTimeout,
		LockRetry:   rt.cfg.Store.LockRetry,
		Logger:      rt.logger,
	})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			rt.logger.Warn("failed to close state store", zap.Error(cerr))
		}
	}()

	snapshot := store.Snapshot()
	keys := make([]tracker.VariantKey, 0, len(snapshot))
	for key, status := range snapshot {
		if opts.source != "" && !strings.HasPrefix(string(key), opts.source+":") {
			delete(snapshot, key)
			continue
		}
		if opts.inStock && !status.InStock {
			delete(snapshot, key)
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	if opts.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tSTOCK\tQTY\tCHECKED\tCHANGED\tFAILURES\tTITLE")
	for _, key := range keys {
		s := snapshot[key]
		stock := "out"
		if s.InStock {
			stock = "in"
		}
		qty := "-"
		if s.Quantity != nil {
			qty = strconv.Itoa(*s.Quantity)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			key, stock, qty, formatTime(s.LastCheckedAt), formatTime(s.LastChangedAt),
			s.ConsecutiveFailures, s.Title)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
