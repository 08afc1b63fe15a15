// Package retention removes harvested output older than the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"invoice-harvester/internal/config"
)

const sizingWorkers = 4

// ItemKind tells folders from loose files in a manifest
type ItemKind int

const (
	KindFolder ItemKind = iota
	KindScreenshot
)

func (k ItemKind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "screenshot"
}

// Item is one deletion candidate
type Item struct {
	Name      string
	Path      string
	Kind      ItemKind
	Date      time.Time // folder end date or file modification time
	FileCount int
	SizeBytes int64
}

// Manifest lists everything a clean would remove
type Manifest struct {
	BasePath    string
	KeepWeeks   int
	Cutoff      time.Time
	Items       []Item
	FolderCount int
	FileCount   int
	TotalBytes  int64
}

// Empty reports whether there is nothing to delete
func (m Manifest) Empty() bool {
	return len(m.Items) == 0
}

// Stats reports what a clean planned and what it actually removed
type Stats struct {
	FoldersToDelete int `json:"folders_to_delete"`
	FilesToDelete   int `json:"files_to_delete"`
	FoldersDeleted  int `json:"folders_deleted"`
	FilesDeleted    int `json:"files_deleted"`
	Failed          int `json:"failed"`
}

// Confirmer approves a manifest before anything is deleted
type Confirmer interface {
	Confirm(ctx context.Context, m Manifest) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer
type ConfirmFunc func(ctx context.Context, m Manifest) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, m Manifest) (bool, error) {
	return f(ctx, m)
}

// AutoConfirm approves every manifest. Used for pre-supplied confirmation.
var AutoConfirm = ConfirmFunc(func(context.Context, Manifest) (bool, error) { return true, nil })

// Cleaner scans the top level of the download directory
type Cleaner struct {
	basePath  string
	keepWeeks int
	now       func() time.Time
	folderRe  *regexp.Regexp
	logger    *zap.Logger

	removeAll func(string) error
	remove    func(string) error
}

// Option configures a Cleaner
type Option func(*Cleaner)

// WithClock overrides the clock used to compute the cutoff
func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) { c.now = now }
}

// New creates a cleaner for basePath keeping keepWeeks of output
func New(basePath string, keepWeeks int, logger *zap.Logger, opts ...Option) *Cleaner {
	c := &Cleaner{
		basePath:  basePath,
		keepWeeks: keepWeeks,
		now:       time.Now,
		folderRe:  config.CompilePatterns()["rangeFolder"],
		logger:    logger.Named("retention"),
		removeAll: os.RemoveAll,
		remove:    os.Remove,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cutoff is the moment before which output is considered expired
func (c *Cleaner) Cutoff() time.Time {
	return c.now().AddDate(0, 0, -7*c.keepWeeks)
}

// Scan builds the deletion manifest without touching anything. A missing
// base directory yields an empty manifest.
func (c *Cleaner) Scan(ctx context.Context) (Manifest, error) {
	cutoff := c.Cutoff()
	m := Manifest{BasePath: c.basePath, KeepWeeks: c.keepWeeks, Cutoff: cutoff}

	entries, err := os.ReadDir(c.basePath)
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("Download directory does not exist", zap.String("path", c.basePath))
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("failed to list %s: %w", c.basePath, err)
	}

	c.logger.Info("Scanning for expired output",
		zap.String("path", c.basePath),
		zap.String("cutoff", cutoff.Format(config.RangeFolderLayout)))

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(c.basePath, name)

		switch {
		case entry.IsDir():
			match := c.folderRe.FindStringSubmatch(name)
			if match == nil {
				continue
			}
			end, err := time.ParseInLocation(config.RangeFolderLayout, match[2], cutoff.Location())
			if err != nil {
				c.logger.Warn("Cannot parse folder date", zap.String("folder", name), zap.Error(err))
				continue
			}
			if end.Before(cutoff) {
				m.Items = append(m.Items, Item{Name: name, Path: path, Kind: KindFolder, Date: end})
			}

		case entry.Type().IsRegular() && strings.HasPrefix(name, config.ScreenshotPrefix):
			info, err := entry.Info()
			if err != nil {
				c.logger.Warn("Cannot stat file", zap.String("file", name), zap.Error(err))
				continue
			}
			if info.ModTime().Before(cutoff) {
				m.Items = append(m.Items, Item{
					Name:      name,
					Path:      path,
					Kind:      KindScreenshot,
					Date:      info.ModTime(),
					FileCount: 1,
					SizeBytes: info.Size(),
				})
			}
		}
	}

	if err := c.measure(ctx, m.Items); err != nil {
		return m, err
	}

	sort.Slice(m.Items, func(i, j int) bool { return m.Items[i].Name < m.Items[j].Name })
	for _, item := range m.Items {
		if item.Kind == KindFolder {
			m.FolderCount++
		}
		m.FileCount += item.FileCount
		m.TotalBytes += item.SizeBytes
	}

	return m, nil
}

// measure fills in file counts and sizes of candidate folders
func (c *Cleaner) measure(ctx context.Context, items []Item) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sizingWorkers)

	for i := range items {
		if items[i].Kind != KindFolder {
			continue
		}
		item := &items[i]
		g.Go(func() error {
			return filepath.WalkDir(item.Path, func(_ string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if !d.Type().IsRegular() {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					return err
				}
				item.FileCount++
				item.SizeBytes += info.Size()
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to measure expired folders: %w", err)
	}
	return nil
}

// Clean scans, asks confirmer for approval and removes the manifest items.
// A failure on one item never stops the others.
func (c *Cleaner) Clean(ctx context.Context, confirmer Confirmer) (Stats, error) {
	var stats Stats

	m, err := c.Scan(ctx)
	if err != nil {
		return stats, err
	}
	stats.FoldersToDelete = m.FolderCount
	stats.FilesToDelete = m.FileCount

	if m.Empty() {
		c.logger.Info("No expired output to delete")
		return stats, nil
	}

	c.logManifest(m)

	ok, err := confirmer.Confirm(ctx, m)
	if err != nil {
		return stats, fmt.Errorf("confirmation failed: %w", err)
	}
	if !ok {
		c.logger.Info("Cleanup cancelled")
		return stats, nil
	}

	for _, item := range m.Items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if item.Kind == KindFolder {
			err = c.removeAll(item.Path)
		} else {
			err = c.remove(item.Path)
		}
		if err != nil {
			stats.Failed++
			c.logger.Error("Failed to delete",
				zap.String("item", item.Name),
				zap.Error(err))
			continue
		}

		if item.Kind == KindFolder {
			stats.FoldersDeleted++
		}
		stats.FilesDeleted += item.FileCount
		c.logger.Debug("Deleted", zap.String("kind", item.Kind.String()), zap.String("item", item.Name))
	}

	c.logger.Info("Cleanup summary",
		zap.String("folders", fmt.Sprintf("%d/%d", stats.FoldersDeleted, stats.FoldersToDelete)),
		zap.String("files", fmt.Sprintf("%d/%d", stats.FilesDeleted, stats.FilesToDelete)),
		zap.Int("failed", stats.Failed))

	return stats, nil
}

func (c *Cleaner) logManifest(m Manifest) {
	c.logger.Info("Expired output found",
		zap.Int("folders", m.FolderCount),
		zap.Int("files", m.FileCount),
		zap.Int64("bytes", m.TotalBytes),
		zap.Int("keep_weeks", m.KeepWeeks))

	for _, item := range m.Items {
		c.logger.Info("Candidate",
			zap.String("kind", item.Kind.String()),
			zap.String("name", item.Name),
			zap.String("date", item.Date.Format(config.RangeFolderLayout)),
			zap.Int("files", item.FileCount),
			zap.Int64("bytes", item.SizeBytes))
	}
}
