// Package ingest turns files appearing on disk into pipeline runs.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/internal/entity"
)

// Submitter starts a run for a source.
type Submitter interface {
	SubmitRun(ctx context.Context, opts entity.RunOptions) (uuid.UUID, error)
}

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath   string
	RunID        uuid.UUID
	HashHex      string
	Deduplicated bool
	Err          error
}

// Ingestor submits one run per distinct file content. A file whose SHA-256 was
// already submitted by this process is skipped.
type Ingestor struct {
	submitter   Submitter
	initiatedBy string
	logger      *slog.Logger

	mu   sync.Mutex
	seen map[string]uuid.UUID
}

func NewIngestor(s Submitter, initiatedBy string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		submitter:   s,
		initiatedBy: initiatedBy,
		logger:      logger,
		seen:        make(map[string]uuid.UUID),
	}
}

// IngestPath hashes path and submits it unless the same content was seen before.
func (i *Ingestor) IngestPath(ctx context.Context, path string) IngestionResult {
	res := IngestionResult{SourcePath: path}
	abs, err := filepath.Abs(path)
	if err != nil {
		res.Err = fmt.Errorf("abs path: %w", err)
		return res
	}
	res.SourcePath = abs

	sum, err := hashFile(abs)
	if err != nil {
		res.Err = err
		return res
	}
	res.HashHex = sum

	i.mu.Lock()
	if prev, ok := i.seen[sum]; ok {
		i.mu.Unlock()
		res.RunID = prev
		res.Deduplicated = true
		i.logger.Info("skipping duplicate file", "path", abs, "sha256", sum, "run_id", prev)
		return res
	}
	i.mu.Unlock()

	runID, err := i.submitter.SubmitRun(ctx, entity.RunOptions{
		Source:      abs,
		InitiatedBy: i.initiatedBy,
		Params:      map[string]string{"sha256": sum},
	})
	if err != nil {
		res.Err = err
		i.logger.Error("submit failed for file", "path", abs, "error", err)
		return res
	}
	res.RunID = runID

	i.mu.Lock()
	i.seen[sum] = runID
	i.mu.Unlock()
	i.logger.Info("file submitted", "path", abs, "run_id", runID)
	return res
}

// Run consumes watcher events until paths closes or ctx is done.
func (i *Ingestor) Run(ctx context.Context, paths <-chan string, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-paths:
			if !ok {
				return
			}
			i.IngestPath(ctx, p)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			i.logger.Warn("watcher reported error", "error", err)
		}
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
