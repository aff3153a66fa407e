package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

func exportCmd() *cobra.Command {
	var (
		out     string
		batchID string
		status  string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write execution history to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			var f entity.RunFilter
			if batchID != "" {
				id, err := uuid.Parse(batchID)
				if err != nil {
					return fmt.Errorf("--batch must be a UUID: %w", err)
				}
				f.BatchID = &id
			}
			if status != "" {
				s := constants.RunStatus(status)
				f.Status = &s
			}
			f.Limit = limit

			ctx := cmd.Context()
			a, err := newLedgerApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			data, err := a.exporter.ExportRunsXLSX(ctx, f)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output XLSX path (required)")
	cmd.Flags().StringVar(&batchID, "batch", "", "only runs of this batch, plus a batch summary sheet")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (PENDING, RUNNING, SUCCESS, FAILURE, REVOKED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs, newest first (0 = all)")
	return cmd
}
