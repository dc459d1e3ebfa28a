package registry

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dshills/hotmod/internal/modpath"
)

// ScanFailure records one module a scan could not bring up to date.
type ScanFailure struct {
	ID   string
	Path string
	Err  error
}

// ScanReport summarizes one pass over the module tree: which modules
// came up for the first time, which were replaced because their source
// changed, which were left alone, and which failed.
type ScanReport struct {
	Loaded   []string
	Reloaded []string
	Skipped  []string
	Failures []ScanFailure
}

// Total returns the number of source files the scan considered.
func (r ScanReport) Total() int {
	return len(r.Loaded) + len(r.Reloaded) + len(r.Skipped) + len(r.Failures)
}

// HasFailures reports whether any module failed during the scan.
func (r ScanReport) HasFailures() bool {
	return len(r.Failures) > 0
}

// scanLocked walks the module tree and converges the registry on it:
// new files load, files whose mtime differs from their descriptor's
// fingerprint reload, unchanged files are not touched. Files that
// vanished keep their registry entry; removal is an explicit operation.
// Caller holds the write lock. A non-nil error means the walk itself
// broke off; per-module problems only land in the report.
func (r *Registry) scanLocked(ctx context.Context) (ScanReport, error) {
	var report ScanReport

	err := filepath.WalkDir(r.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == r.root {
				return fmt.Errorf("reading module root: %w", err)
			}
			report.Failures = append(report.Failures, ScanFailure{Path: path, Err: err})
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), r.ext) {
			return nil
		}

		id, err := modpath.ToIdentifier(r.root, path)
		if err != nil {
			report.Failures = append(report.Failures, ScanFailure{Path: path, Err: err})
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			report.Failures = append(report.Failures, ScanFailure{ID: id, Path: path, Err: err})
			return nil
		}

		existing, ok := r.modules[id]
		switch {
		case !ok:
			if err := r.addLocked(id); err != nil {
				report.Failures = append(report.Failures, ScanFailure{ID: id, Path: path, Err: err})
				return nil
			}
			report.Loaded = append(report.Loaded, id)
		case !existing.Fingerprint.Equal(info.ModTime()):
			if err := r.reloadLocked(id); err != nil {
				report.Failures = append(report.Failures, ScanFailure{ID: id, Path: path, Err: err})
				return nil
			}
			report.Reloaded = append(report.Reloaded, id)
		default:
			report.Skipped = append(report.Skipped, id)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scanning %s: %w", r.root, err)
	}
	return report, nil
}
