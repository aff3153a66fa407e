package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/pipeline"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

const (
	runsSheet  = "Runs"
	batchSheet = "Batch"
)

// Service renders execution history as XLSX bytes.
type Service struct {
	ledger  repository.LedgerRepository
	batches repository.BatchRepository
	logger  *slog.Logger
}

func NewService(ledger repository.LedgerRepository, batches repository.BatchRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, batches: batches, logger: logger}
}

var runHeaders = []string{
	"Run ID",
	"Batch ID",
	"Source",
	"Status",
	"Stages",
	"Started",
	"Finished",
	"Duration (s)",
	"Document Type",
	"Issuer",
	"Total",
	"Currency",
	"Confidence",
	"Needs Review",
	"Error",
}

// ExportRunsXLSX returns a workbook with one row per run matching f. When f names a
// batch, a second sheet summarises the batch counters.
func (s *Service) ExportRunsXLSX(ctx context.Context, f entity.RunFilter) ([]byte, error) {
	start := time.Now()

	runs, err := s.ledger.ListRuns(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	x := excelize.NewFile()
	defer func() { _ = x.Close() }()
	if err := x.SetSheetName("Sheet1", runsSheet); err != nil {
		return nil, err
	}

	for i, h := range runHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = x.SetCellValue(runsSheet, cell, h)
	}

	for i, r := range runs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = x.SetCellValue(runsSheet, cell, v)
		}

		write(1, r.RunID.String())
		if r.BatchID != nil {
			write(2, r.BatchID.String())
		}
		write(3, r.Options.Source)
		write(4, string(r.Status))
		write(5, fmt.Sprintf("%d/%d", r.CompletedStages, r.TotalStages))
		if r.StartedAt != nil {
			write(6, r.StartedAt.UTC().Format(time.RFC3339))
		}
		if r.FinishedAt != nil {
			write(7, r.FinishedAt.UTC().Format(time.RFC3339))
		}
		if d := r.Duration(); d > 0 {
			write(8, round3(d.Seconds()))
		}

		if doc, ok := documentResult(r.FinalResult); ok {
			write(9, doc.DocumentType)
			write(10, doc.Issuer)
			write(11, doc.Total)
			write(12, doc.CurrencyCode)
			write(13, round3(float64(doc.Confidence)))
			write(14, doc.NeedsReview)
		}
		if r.ErrorMessage != nil {
			write(15, truncate(*r.ErrorMessage, 200))
		}
	}

	_ = x.SetColWidth(runsSheet, "A", "B", 38) // ids
	_ = x.SetColWidth(runsSheet, "C", "C", 48) // source
	_ = x.SetColWidth(runsSheet, "D", "E", 12)
	_ = x.SetColWidth(runsSheet, "F", "G", 22) // timestamps
	_ = x.SetColWidth(runsSheet, "I", "J", 24)
	_ = x.SetColWidth(runsSheet, "O", "O", 60) // error

	if f.BatchID != nil {
		b, err := s.batches.GetBatch(ctx, *f.BatchID)
		if err != nil {
			return nil, fmt.Errorf("query batch: %w", err)
		}
		if err := writeBatchSheet(x, b); err != nil {
			return nil, err
		}
	}

	buf, err := x.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(runs),
		"batch_id", f.BatchID,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeBatchSheet(x *excelize.File, b *entity.BatchRecord) error {
	if _, err := x.NewSheet(batchSheet); err != nil {
		return err
	}
	rows := [][2]any{
		{"Batch ID", b.BatchID.String()},
		{"Status", string(b.Status)},
		{"Total Items", b.TotalItems},
		{"Completed", b.CompletedItems},
		{"Failed", b.FailedItems},
		{"Initiated By", b.InitiatedBy},
		{"Created", b.CreatedAt.UTC().Format(time.RFC3339)},
	}
	if b.FinishedAt != nil {
		rows = append(rows, [2]any{"Finished", b.FinishedAt.UTC().Format(time.RFC3339)})
	}
	for i, r := range rows {
		_ = x.SetCellValue(batchSheet, fmt.Sprintf("A%d", i+1), r[0])
		_ = x.SetCellValue(batchSheet, fmt.Sprintf("B%d", i+1), r[1])
	}
	_ = x.SetColWidth(batchSheet, "A", "A", 16)
	_ = x.SetColWidth(batchSheet, "B", "B", 40)
	return nil
}

// documentResult decodes the final output of the document pipeline. Other pipelines
// leave the document columns empty.
func documentResult(raw json.RawMessage) (pipeline.DocumentResult, bool) {
	var doc pipeline.DocumentResult
	if len(raw) == 0 || json.Unmarshal(raw, &doc) != nil || doc.DocumentType == "" {
		return doc, false
	}
	return doc, true
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
