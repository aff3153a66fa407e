// Package cache mirrors live run contexts into a fast store for status polling.
// It is not the system of record: entries expire and the ledger is authoritative.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/internal/entity"
)

// DefaultTTL is how long a run entry lives after its last write.
const DefaultTTL = time.Hour

// ErrNotFound is returned when a run is absent or expired.
var ErrNotFound = errors.New("cache: run not found")

// Store holds live RunContext snapshots keyed by run id, plus a per-batch index.
type Store interface {
	// Save overwrites run:{id} and refreshes its TTL; batch members are also added to batch:{id}.
	Save(ctx context.Context, rc *entity.RunContext) error
	Load(ctx context.Context, runID uuid.UUID) (*entity.RunContext, error)
	// LoadAllByBatch returns the live members of a batch; expired members are skipped.
	LoadAllByBatch(ctx context.Context, batchID uuid.UUID) ([]*entity.RunContext, error)
	Delete(ctx context.Context, runID uuid.UUID) (bool, error)
}

func runKey(id uuid.UUID) string   { return fmt.Sprintf("run:%s", id) }
func batchKey(id uuid.UUID) string { return fmt.Sprintf("batch:%s", id) }
