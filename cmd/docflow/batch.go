package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/ingest"
	pipelinesvc "github.com/joseph-ayodele/docflow/internal/services/pipeline"
)

func batchCmd() *cobra.Command {
	var (
		dir         string
		out         string
		initiatedBy string
		currency    string
		skipHidden  bool
		poll        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Process every supported document in a directory as one batch",
		Long: `docflow batch --dir <path> submits one run per supported file under the
directory, processes them with an in-process worker pool, waits for the batch to
close and prints a summary. With --out the run history is written as XLSX.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				return errors.New("--dir is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := entity.RunOptions{InitiatedBy: initiatedBy}
			if currency != "" {
				opts.Params = map[string]string{"currency": strings.ToUpper(currency)}
			}
			return runBatch(ctx, cmd, dir, out, opts, skipHidden, poll)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to process documents from (required)")
	cmd.Flags().StringVar(&out, "out", "", "write the batch history to this XLSX file")
	cmd.Flags().StringVar(&initiatedBy, "initiated-by", "cli", "recorded as the batch initiator")
	cmd.Flags().StringVar(&currency, "currency", "", "default ISO 4217 currency for extracted totals")
	cmd.Flags().BoolVar(&skipHidden, "skip-hidden", true, "skip dot files and directories")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "batch status poll interval")
	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, dir, out string, opts entity.RunOptions, skipHidden bool, poll time.Duration) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(sctx)
	}()
	a.startWorkers()

	paths, stats, err := ingest.ScanDirectory(dir, nil, skipHidden)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	a.logger.Info("directory scanned",
		"root", dir, "scanned", stats.Scanned, "matched", stats.Matched, "skipped", stats.Skipped, "failed", stats.Failed)

	start := time.Now()
	batchID, err := a.svc.SubmitBatch(ctx, paths, opts)
	if err != nil {
		return err
	}

	view, err := waitBatch(ctx, a.svc, batchID.String(), poll)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "batch %s: %s\n", view.BatchID, view.Status)
	fmt.Fprintf(w, "  total %d, completed %d, failed %d, elapsed %s\n",
		view.Total, view.Completed, view.Failed, time.Since(start).Round(time.Millisecond))

	failed := constants.RunStatusFailure
	runs, err := a.svc.ListRuns(ctx, entity.RunFilter{BatchID: &batchID, Status: &failed})
	if err != nil {
		return err
	}
	for _, r := range runs {
		msg := ""
		if r.ErrorMessage != nil {
			msg = *r.ErrorMessage
		}
		fmt.Fprintf(w, "  FAILED %s: %s\n", filepath.Base(r.Options.Source), msg)
	}

	if out != "" {
		data, err := a.exporter.ExportRunsXLSX(ctx, entity.RunFilter{BatchID: &batchID})
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Fprintf(w, "  history written to %s\n", out)
	}
	return nil
}

func waitBatch(ctx context.Context, svc *pipelinesvc.Service, batchID string, poll time.Duration) (pipelinesvc.BatchStatusView, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		view, err := svc.GetBatchStatus(ctx, batchID)
		if err != nil {
			return view, err
		}
		if view.Status != constants.BatchStatusRunning {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}
