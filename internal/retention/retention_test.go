package retention

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, time.June, 15, 10, 0, 0, 0, time.Local)

func folderEnding(weeksAgo int) string {
	end := now.AddDate(0, 0, -7*weeksAgo)
	start := end.AddDate(0, 0, -6)
	return start.Format("2006-01-02") + "_do_" + end.Format("2006-01-02")
}

func mkFolder(t *testing.T, base, name string, files ...string) string {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("%PDF-1.4"), 0644))
	}
	return dir
}

func mkScreenshot(t *testing.T, base, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(base, name)
	require.NoError(t, os.WriteFile(path, []byte("png"), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func newCleaner(base string, keepWeeks int) *Cleaner {
	return New(base, keepWeeks, zap.NewNop(), WithClock(func() time.Time { return now }))
}

func TestCleanRemovesExpiredFolder(t *testing.T) {
	base := t.TempDir()
	old := mkFolder(t, base, folderEnding(20), "faktura_ZS_1_1_UR.pdf", "faktura_ZS_2_2_UR.pdf")
	recent := mkFolder(t, base, folderEnding(2), "faktura_ZS_3_3_UR.pdf")

	stats, err := newCleaner(base, 12).Clean(context.Background(), AutoConfirm)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FoldersToDelete)
	assert.Equal(t, 1, stats.FoldersDeleted)
	assert.Equal(t, 2, stats.FilesToDelete)
	assert.Equal(t, 2, stats.FilesDeleted)
	assert.Zero(t, stats.Failed)
	assert.NoDirExists(t, old)
	assert.DirExists(t, recent)
}

func TestScanBuildsManifest(t *testing.T) {
	base := t.TempDir()
	mkFolder(t, base, folderEnding(20), "a.pdf")
	mkFolder(t, base, strings.Replace(folderEnding(30), "_do_", "_to_", 1), "b.pdf", "c.pdf")
	mkFolder(t, base, folderEnding(11), "d.pdf")
	mkFolder(t, base, "notes", "e.pdf")
	mkScreenshot(t, base, "zamowienia_tabela_1.png", now.AddDate(0, 0, -7*13))
	mkScreenshot(t, base, "zamowienia_tabela_2.png", now.AddDate(0, 0, -1))
	mkScreenshot(t, base, "other.png", now.AddDate(-1, 0, 0))

	m, err := newCleaner(base, 12).Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, m.Items, 3)
	assert.Equal(t, 2, m.FolderCount)
	assert.Equal(t, 4, m.FileCount)
	assert.Equal(t, int64(3*len("%PDF-1.4")+len("png")), m.TotalBytes)
	assert.Equal(t, now.AddDate(0, 0, -84), m.Cutoff)

	names := make([]string, 0, len(m.Items))
	for _, item := range m.Items {
		names = append(names, item.Name)
	}
	assert.Contains(t, names, "zamowienia_tabela_1.png")
	assert.NotContains(t, names, "notes")
	assert.NotContains(t, names, "other.png")
	assert.NotContains(t, names, folderEnding(11))
}

func TestScanNeverSelectsFoldersInsideWindow(t *testing.T) {
	base := t.TempDir()
	for weeks := 0; weeks < 12; weeks++ {
		mkFolder(t, base, folderEnding(weeks), "x.pdf")
	}

	m, err := newCleaner(base, 12).Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Empty())
}

func TestCleanDeclinedDeletesNothing(t *testing.T) {
	base := t.TempDir()
	old := mkFolder(t, base, folderEnding(20), "a.pdf")

	var shown Manifest
	decline := ConfirmFunc(func(_ context.Context, m Manifest) (bool, error) {
		shown = m
		return false, nil
	})

	stats, err := newCleaner(base, 12).Clean(context.Background(), decline)
	require.NoError(t, err)

	assert.False(t, shown.Empty(), "the manifest is produced before asking")
	assert.Equal(t, 1, stats.FoldersToDelete)
	assert.Zero(t, stats.FoldersDeleted)
	assert.DirExists(t, old)
}

func TestCleanNothingToDoSkipsConfirmation(t *testing.T) {
	base := t.TempDir()
	mkFolder(t, base, folderEnding(1), "a.pdf")

	asked := false
	stats, err := newCleaner(base, 12).Clean(context.Background(), ConfirmFunc(func(context.Context, Manifest) (bool, error) {
		asked = true
		return true, nil
	}))
	require.NoError(t, err)
	assert.False(t, asked)
	assert.Equal(t, Stats{}, stats)
}

func TestCleanContinuesAfterFailure(t *testing.T) {
	base := t.TempDir()
	first := mkFolder(t, base, folderEnding(20), "a.pdf")
	mkFolder(t, base, folderEnding(25), "b.pdf")
	shot := mkScreenshot(t, base, "zamowienia_tabela_3.png", now.AddDate(0, -6, 0))

	c := newCleaner(base, 12)
	c.removeAll = func(path string) error {
		if path == first {
			return errors.New("permission denied")
		}
		return os.RemoveAll(path)
	}

	stats, err := c.Clean(context.Background(), AutoConfirm)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FoldersToDelete)
	assert.Equal(t, 1, stats.FoldersDeleted)
	assert.Equal(t, 3, stats.FilesToDelete)
	assert.Equal(t, 2, stats.FilesDeleted)
	assert.Equal(t, 1, stats.Failed)
	assert.DirExists(t, first)
	assert.NoFileExists(t, shot)
}

func TestCleanConfirmationError(t *testing.T) {
	base := t.TempDir()
	old := mkFolder(t, base, folderEnding(20), "a.pdf")

	_, err := newCleaner(base, 12).Clean(context.Background(), ConfirmFunc(func(context.Context, Manifest) (bool, error) {
		return false, errors.New("stdin closed")
	}))
	assert.Error(t, err)
	assert.DirExists(t, old)
}

func TestScanMissingBase(t *testing.T) {
	m, err := newCleaner(filepath.Join(t.TempDir(), "absent"), 12).Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Empty())
}

func TestPrompt(t *testing.T) {
	m := Manifest{
		KeepWeeks:   12,
		FolderCount: 1,
		FileCount:   2,
		Items:       []Item{{Name: folderEnding(20), Kind: KindFolder, Date: now, FileCount: 2}},
	}

	tests := []struct {
		answer string
		want   bool
	}{
		{"t\n", true},
		{"TAK\n", true},
		{"  tak  \n", true},
		{"n\n", false},
		{"yes\n", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.answer), func(t *testing.T) {
			var out bytes.Buffer
			ok, err := Prompt{In: strings.NewReader(tt.answer), Out: &out}.Confirm(context.Background(), m)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Contains(t, out.String(), "[t/N]")
			assert.Contains(t, out.String(), folderEnding(20))
		})
	}
}
