package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

func dbhealthCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "dbhealth",
		Short: "Check ledger connectivity and print run statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newLedgerApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			w := cmd.OutOrStdout()
			if err := repository.HealthCheck(ctx, a.drv, timeout, a.logger); err != nil {
				fmt.Fprintf(w, "DB health: FAIL (%v)\n", err)
				return err
			}
			fmt.Fprintln(w, "DB health: OK")

			st, err := a.ledger.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "runs: %d\n", st.Total)
			for _, s := range []constants.RunStatus{
				constants.RunStatusPending, constants.RunStatusRunning, constants.RunStatusSuccess,
				constants.RunStatusFailure, constants.RunStatusRevoked,
			} {
				fmt.Fprintf(w, "- %-8s %d\n", s, st.ByStatus[s])
			}
			fmt.Fprintf(w, "mean duration: %s\n", st.MeanDuration.Round(time.Millisecond))
			fmt.Fprintf(w, "batches: %d open, %d finished\n", st.OpenBatches, st.FinishedBatches)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "health check timeout")
	return cmd
}
