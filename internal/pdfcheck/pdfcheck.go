// Package pdfcheck verifies persisted downloads: a real PDF signature is
// required and known substitute documents are flagged as misfires.
package pdfcheck

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"invoice-harvester/internal/config"
	"invoice-harvester/internal/models"
)

var pdfSignature = []byte("%PDF")

var (
	// ErrNotPDF means the file does not start with the PDF signature
	ErrNotPDF = errors.New("downloaded file is not a PDF")
	// ErrWrongDocument means a PDF was served but it is not an invoice
	ErrWrongDocument = errors.New("downloaded PDF is not an invoice")
)

var disableConfigDir sync.Once

// Inspector classifies files written by the download strategies
type Inspector struct {
	markers    []string
	sniffBytes int
	suffix     string
	logger     *zap.Logger
}

// NewInspector creates an inspector from the detection settings
func NewInspector(cfg config.DetectionConfig, logger *zap.Logger) *Inspector {
	markers := make([]string, 0, len(cfg.WrongDocumentMarkers))
	for _, m := range cfg.WrongDocumentMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}

	sniff := cfg.SniffBytes
	if sniff < len(pdfSignature) {
		sniff = config.DefaultSniffBytes
	}

	suffix := cfg.MisfireSuffix
	if suffix == "" {
		suffix = config.DefaultMisfireSuffix
	}

	return &Inspector{
		markers:    markers,
		sniffBytes: sniff,
		suffix:     suffix,
		logger:     logger.Named("pdfcheck"),
	}
}

// Inspect reads the head of the file and reports what it looks like. It only
// fails when the file cannot be read.
func (i *Inspector) Inspect(path string) (models.DownloadResult, error) {
	result := models.DownloadResult{Path: path}

	f, err := os.Open(path)
	if err != nil {
		return result, fmt.Errorf("failed to open download: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return result, fmt.Errorf("failed to stat download: %w", err)
	}
	result.SizeBytes = info.Size()

	head := make([]byte, i.sniffBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return result, fmt.Errorf("failed to read download: %w", err)
	}
	head = head[:n]

	result.IsValidPDF = HasPDFSignature(head)
	if !result.IsValidPDF {
		return result, nil
	}

	result.LooksLikeWrongDocument = i.containsMarker(head)
	if result.LooksLikeWrongDocument {
		return result, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err == nil {
		result.Pages = countPages(f, i.logger)
	}

	return result, nil
}

// Verify inspects path and acts on the outcome: a non-PDF is removed and a
// wrong document is renamed with the misfire suffix. The returned result
// always describes the final location of the file.
func (i *Inspector) Verify(path string) (models.DownloadResult, error) {
	result, err := i.Inspect(path)
	if err != nil {
		return result, err
	}

	if !result.IsValidPDF {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			i.logger.Warn("Failed to remove non-PDF download", zap.String("path", path), zap.Error(rmErr))
		}
		return result, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotPDF)
	}

	if result.LooksLikeWrongDocument {
		renamed, renameErr := i.MarkMisfire(path)
		if renameErr != nil {
			return result, renameErr
		}
		i.logger.Warn("Download is a privacy policy, not an invoice",
			zap.String("renamed_to", filepath.Base(renamed)))
		result.Path = renamed
		return result, fmt.Errorf("%s: %w", filepath.Base(path), ErrWrongDocument)
	}

	return result, nil
}

// MarkMisfire renames path so that it keeps its extension and carries the
// misfire suffix. An earlier misfire with the same name is replaced.
func (i *Inspector) MarkMisfire(path string) (string, error) {
	target := MisfirePath(path, i.suffix)
	if err := os.Rename(path, target); err != nil {
		return path, fmt.Errorf("failed to flag wrong document: %w", err)
	}
	return target, nil
}

// MisfirePath returns the name a wrong document is moved to
func MisfirePath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

// HasPDFSignature reports whether data starts with %PDF
func HasPDFSignature(data []byte) bool {
	return bytes.HasPrefix(data, pdfSignature)
}

func (i *Inspector) containsMarker(head []byte) bool {
	text := strings.ToLower(strings.ToValidUTF8(string(head), ""))
	for _, m := range i.markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// countPages is informational: any pdfcpu failure yields zero
func countPages(rs io.ReadSeeker, logger *zap.Logger) (pages int) {
	disableConfigDir.Do(api.DisableConfigDir)

	defer func() {
		if r := recover(); r != nil {
			logger.Debug("Page count panicked", zap.Any("panic", r))
			pages = 0
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	n, err := api.PageCount(rs, conf)
	if err != nil {
		logger.Debug("Page count unavailable", zap.Error(err))
		return 0
	}
	return n
}
