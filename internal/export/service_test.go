package export

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

func TestExportRunsXLSX(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	drv, err := repository.OpenSQLite(ctx, repository.MemoryDSN, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })
	require.NoError(t, repository.Migrate(ctx, drv))

	ledger := repository.NewLedgerRepository(drv, log)
	batches := repository.NewBatchRepository(drv, log)

	batch := &entity.BatchRecord{BatchID: uuid.New(), TotalItems: 2, InitiatedBy: "test", CreatedAt: time.Now()}
	require.NoError(t, batches.CreateBatch(ctx, batch))

	final := json.RawMessage(`{"document_type":"Invoice","issuer":"ACME","total":"12.50","currency_code":"EUR","summary":"x","confidence":0.9,"needs_review":false}`)
	ok := entity.NewRunContext(entity.RunOptions{Source: "/in/a.pdf"}, &batch.BatchID, 1, time.Now())
	require.NoError(t, ledger.CreateRun(ctx, ok))
	require.NoError(t, ledger.MarkRunning(ctx, ok.RunID, time.Now()))
	require.NoError(t, ledger.RecordStageCompleted(ctx, ok, "postprocess", final, time.Now()))
	_, err = ledger.FinishRun(ctx, repository.FinishParams{
		RunID: ok.RunID, BatchID: ok.BatchID, Status: constants.RunStatusSuccess, FinalResult: final, At: time.Now(),
	})
	require.NoError(t, err)

	bad := entity.NewRunContext(entity.RunOptions{Source: "/in/b.png"}, &batch.BatchID, 1, time.Now())
	require.NoError(t, ledger.CreateRun(ctx, bad))
	_, err = ledger.FinishRun(ctx, repository.FinishParams{
		RunID: bad.RunID, BatchID: bad.BatchID, Status: constants.RunStatusFailure, FailedStage: true, At: time.Now(),
		Error: &entity.RunError{Kind: "validation", Stage: "preprocess", Message: "unsupported extension"},
	})
	require.NoError(t, err)

	svc := NewService(ledger, batches, log)
	data, err := svc.ExportRunsXLSX(ctx, entity.RunFilter{BatchID: &batch.BatchID})
	require.NoError(t, err)

	x, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = x.Close() }()

	rows, err := x.GetRows(runsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, runHeaders, rows[0])

	bySource := map[string][]string{}
	for _, r := range rows[1:] {
		bySource[r[2]] = r
	}
	assert.Equal(t, "SUCCESS", bySource["/in/a.pdf"][3])
	assert.Equal(t, "Invoice", bySource["/in/a.pdf"][8])
	assert.Equal(t, "EUR", bySource["/in/a.pdf"][11])
	assert.Equal(t, "FAILURE", bySource["/in/b.png"][3])
	assert.Equal(t, "unsupported extension", bySource["/in/b.png"][14])

	status, err := x.GetCellValue(batchSheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "PARTIAL_FAILURE", status)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
}
