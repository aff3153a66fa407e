package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/entity"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   Store
	advance func(time.Duration)
}

func stores(t *testing.T, ttl time.Duration) map[string]harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return map[string]harness{
		"memory": {store: NewMemoryStore(ttl, WithClock(clock.Now)), advance: clock.Advance},
		"redis":  {store: NewRedisStore(client, ttl, logger), advance: mr.FastForward},
	}
}

func sampleRun(batchID *uuid.UUID) *entity.RunContext {
	rc := entity.NewRunContext(entity.RunOptions{Source: "scan.png", Params: map[string]string{"lang": "eng"}}, batchID, 4, time.Now())
	rc.Status = constants.RunStatusRunning
	_ = rc.CommitStage("preprocess", json.RawMessage(`{"format":"IMAGE"}`), time.Now())
	return rc
}

func TestStoreRoundTrip(t *testing.T) {
	for name, h := range stores(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rc := sampleRun(nil)
			require.NoError(t, h.store.Save(ctx, rc))

			got, err := h.store.Load(ctx, rc.RunID)
			require.NoError(t, err)
			assert.Equal(t, rc.RunID, got.RunID)
			assert.Equal(t, rc.CurrentStage, got.CurrentStage)
			assert.Equal(t, rc.Status, got.Status)
			assert.Equal(t, rc.Options, got.Options)
			assert.JSONEq(t, string(rc.StageOutputs["preprocess"]), string(got.StageOutputs["preprocess"]))

			ok, err := h.store.Delete(ctx, rc.RunID)
			require.NoError(t, err)
			assert.True(t, ok)
			_, err = h.store.Load(ctx, rc.RunID)
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err = h.store.Delete(ctx, rc.RunID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	for name, h := range stores(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rc := sampleRun(nil)
			require.NoError(t, h.store.Save(ctx, rc))

			h.advance(59 * time.Second)
			_, err := h.store.Load(ctx, rc.RunID)
			require.NoError(t, err)

			// a save refreshes the ttl
			require.NoError(t, h.store.Save(ctx, rc))
			h.advance(30 * time.Second)
			_, err = h.store.Load(ctx, rc.RunID)
			require.NoError(t, err)

			h.advance(31 * time.Second)
			_, err = h.store.Load(ctx, rc.RunID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreLoadAllByBatchSkipsExpired(t *testing.T) {
	for name, h := range stores(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			batchID := uuid.New()
			old := sampleRun(&batchID)
			require.NoError(t, h.store.Save(ctx, old))

			h.advance(40 * time.Second)
			fresh := sampleRun(&batchID)
			require.NoError(t, h.store.Save(ctx, fresh))
			require.NoError(t, h.store.Save(ctx, sampleRun(nil)))

			all, err := h.store.LoadAllByBatch(ctx, batchID)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			h.advance(30 * time.Second)
			all, err = h.store.LoadAllByBatch(ctx, batchID)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, fresh.RunID, all[0].RunID)
		})
	}
}

func TestLoadAllByUnknownBatch(t *testing.T) {
	for name, h := range stores(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			all, err := h.store.LoadAllByBatch(context.Background(), uuid.New())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestMemoryStoreSweepsExpiredOnSave(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	batchID := uuid.New()
	for i := 0; i < 1000; i++ {
		var b *uuid.UUID
		if i%2 == 0 {
			b = &batchID
		}
		require.NoError(t, s.Save(ctx, sampleRun(b)))
	}
	assert.Len(t, s.runs, 1000)
	assert.Len(t, s.batches, 1)

	clock.Advance(2 * time.Hour)
	fresh := sampleRun(nil)
	require.NoError(t, s.Save(ctx, fresh))

	assert.Len(t, s.runs, 1)
	assert.Empty(t, s.batches)
	got, err := s.Load(ctx, fresh.RunID)
	require.NoError(t, err)
	assert.Equal(t, fresh.RunID, got.RunID)
}

func TestMemoryStoreSweepKeepsLiveEntries(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	batchID := uuid.New()
	old := sampleRun(&batchID)
	require.NoError(t, s.Save(ctx, old))

	clock.Advance(50 * time.Second)
	live := sampleRun(&batchID)
	require.NoError(t, s.Save(ctx, live))

	clock.Advance(20 * time.Second)
	require.NoError(t, s.Save(ctx, sampleRun(nil)))

	assert.Len(t, s.runs, 2)
	assert.NotContains(t, s.runs, old.RunID)
	assert.Contains(t, s.runs, live.RunID)
	assert.Equal(t, map[uuid.UUID]struct{}{live.RunID: {}}, s.batches[batchID])
}

func TestRedisStorePrunesUnparsableBatchMembers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	batchID := uuid.New()
	rc := sampleRun(&batchID)
	require.NoError(t, s.Save(ctx, rc))
	require.NoError(t, client.SAdd(ctx, batchKey(batchID), "not-a-run").Err())

	all, err := s.LoadAllByBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, rc.RunID, all[0].RunID)

	members, err := client.SMembers(ctx, batchKey(batchID)).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{rc.RunID.String()}, members)
}
