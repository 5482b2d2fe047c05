package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail jobs stuck in pending or processing, once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app application) error {
				return runReap(ctx, cmd, app.Reaper())
			})
		},
	}
}

func runReap(ctx context.Context, cmd *cobra.Command, s sweeper) error {
	res, err := s.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	cmd.Printf("reaped pending=%d processing=%d lost=%d\n", res.Pending, res.Processing, res.Lost)
	return nil
}
