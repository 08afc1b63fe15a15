package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"invoice-harvester/internal/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "history.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func runAt(id string, started time.Time) models.RunStats {
	return models.RunStats{
		RunID:              id,
		StartedAt:          started,
		FinishedAt:         started.Add(2 * time.Minute),
		ProcessedOrders:    2,
		DownloadedInvoices: 3,
	}
}

func TestRecordRunWithInvoices(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	started := time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)

	invoices := []models.InvoiceRecord{
		{OrderNumber: "ZS/1/1/UR", Path: "/data/a.pdf", SizeBytes: 1200, Pages: 1, Strategy: "download-event", CreatedAt: started},
		{OrderNumber: "ZS/2/2/UR", Path: "/data/b.pdf", SizeBytes: 900, Strategy: "in-page-fetch", ArchiveKey: "x/b.pdf", CreatedAt: started},
	}
	require.NoError(t, store.RecordRun(ctx, runAt("run-1", started), nil, invoices))

	runs, err := store.RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, 3, runs[0].DownloadedInvoices)
	assert.True(t, runs[0].StartedAt.Equal(started))
	assert.Equal(t, 2*time.Minute, runs[0].Duration())
	assert.Empty(t, runs[0].ErrorMessage)

	saved, err := store.Invoices(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "run-1", saved[0].RunID)
	assert.Equal(t, "ZS/1/1/UR", saved[0].OrderNumber)
	assert.Equal(t, "x/b.pdf", saved[1].ArchiveKey)
	assert.Equal(t, int64(900), saved[1].SizeBytes)
}

func TestRecordFailedRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	stats := models.RunStats{RunID: "run-x", StartedAt: time.Now(), FinishedAt: time.Now(), Errors: 1}
	require.NoError(t, store.RecordRun(ctx, stats, errors.New("login failed"), nil))

	runs, err := store.RecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "login failed", runs[0].ErrorMessage)
	assert.Equal(t, 1, runs[0].Errors)
}

func TestRecentRunsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.RecordRun(ctx, runAt(fmt.Sprintf("run-%d", i), base.AddDate(0, 0, i)), nil, nil))
	}

	runs, err := store.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].RunID)
	assert.Equal(t, "run-2", runs[1].RunID)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.RecordRun(ctx, runAt("run-1", time.Now().UTC()), nil, nil))
	require.NoError(t, store.Close())

	store, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.RecentRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestInvoicesUnknownRun(t *testing.T) {
	saved, err := openStore(t).Invoices(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, saved)
}
