package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rank-tracker/internal/rank"
)

func newRefreshCmd() *cobra.Command {
	var frequency string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one bulk refresh pass for domains on a cadence",
		PreRunE: func(*cobra.Command, []string) error {
			_, err := parseFrequency(frequency)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			freq, err := parseFrequency(frequency)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app application) error {
				return runRefresh(ctx, cmd, app.Refresher(), freq)
			})
		},
	}
	cmd.Flags().StringVar(&frequency, "frequency", string(rank.RefreshDaily), "daily or weekly")
	return cmd
}

func parseFrequency(s string) (rank.RefreshFrequency, error) {
	switch f := rank.RefreshFrequency(s); f {
	case rank.RefreshDaily, rank.RefreshWeekly:
		return f, nil
	default:
		return "", fmt.Errorf("--frequency must be daily or weekly, got %q", s)
	}
}

func runRefresh(ctx context.Context, cmd *cobra.Command, r refresher, freq rank.RefreshFrequency) error {
	res, err := r.Refresh(ctx, freq)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	cmd.Printf("refreshed %s domains=%d failed=%d skipped=%d positions=%d\n",
		freq, res.Domains, res.FailedDomains, res.SkippedDomains, res.Positions)
	return nil
}
