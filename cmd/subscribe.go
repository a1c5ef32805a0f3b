package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/config"
	sqlitesubs "github.com/JakeFAU/restock-tracker/internal/subscription/sqlite"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Subscriptions are only writable when they live in the local SQLite file;
// Postgres subscriptions are owned by whatever service fills that table.
func withSQLite(cmd *cobra.Command, fn func(ctx context.Context, src *sqlitesubs.Source) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	if rt.cfg.Subscriptions.Kind != config.SubscriptionsSQLite {
		return fmt.Errorf("subscriptions.kind %q is read-only; set it to %q to manage subscriptions",
			rt.cfg.Subscriptions.Kind, config.SubscriptionsSQLite)
	}
	src, err := sqlitesubs.Open(cmd.Context(), rt.cfg.Subscriptions.SQLitePath)
	if err != nil {
		return fmt.Errorf("open subscriptions: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			rt.logger.Warn("failed to close subscriptions", zap.Error(cerr))
		}
	}()
	return fn(cmd.Context(), src)
}

func newSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe USER KEY...",
		Short: "Subscribes a user to one or more variant keys",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQLite(cmd, func(ctx context.Context, src *sqlitesubs.Source) error {
				for _, key := range args[1:] {
					if err := src.Subscribe(ctx, args[0], tracker.VariantKey(key)); err != nil {
						return fmt.Errorf("subscribe %s to %s: %w", args[0], key, err)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "subscribed %s to %s\n", args[0], key)
				}
				return nil
			})
		},
	}
}

func newUnsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe USER KEY...",
		Short: "Removes a user's subscription to one or more variant keys",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQLite(cmd, func(ctx context.Context, src *sqlitesubs.Source) error {
				for _, key := range args[1:] {
					if err := src.Unsubscribe(ctx, args[0], tracker.VariantKey(key)); err != nil {
						return fmt.Errorf("unsubscribe %s from %s: %w", args[0], key, err)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed %s from %s\n", args[0], key)
				}
				return nil
			})
		},
	}
}

func newNotificationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifications USER on|off",
		Short: "Turns all alerts for a user on or off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseToggle(args[1])
			if err != nil {
				return err
			}
			return withSQLite(cmd, func(ctx context.Context, src *sqlitesubs.Source) error {
				if err := src.SetNotificationsEnabled(ctx, args[0], enabled); err != nil {
					return fmt.Errorf("set notifications for %s: %w", args[0], err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "notifications for %s: %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func parseToggle(v string) (bool, error) {
	switch v {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", v)
	}
	return b, nil
}
