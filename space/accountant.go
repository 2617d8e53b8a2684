// Package space tracks disk usage of the cache against a configured budget.
package space

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wolfeidau/simcache/registry"
)

// Accountant answers "how much is used" and "will this fit" questions over
// the registry. It is a pure query layer with no side effects.
type Accountant struct {
	reg         *registry.Registry
	budgetBytes int64
	dirs        []string
	logger      *slog.Logger
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Accountant) {
		a.logger = logger
	}
}

// NewAccountant creates an accountant over the given registry and budget.
// The managed directories are used as a fallback when the registry holds no
// entries, by summing actual file sizes on disk.
func NewAccountant(reg *registry.Registry, budgetBytes int64, dirs []string, opts ...Option) *Accountant {
	a := &Accountant{
		reg:         reg,
		budgetBytes: budgetBytes,
		dirs:        dirs,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BudgetBytes returns the configured disk budget.
func (a *Accountant) BudgetBytes() int64 {
	return a.budgetBytes
}

// CurrentUsageBytes returns the total size of cached files. The registry is
// authoritative; when it holds nothing, the managed directories are scanned
// directly so a wiped or unusable registry still yields a truthful answer.
func (a *Accountant) CurrentUsageBytes() int64 {
	if a.reg != nil && a.reg.Len() > 0 {
		return a.reg.TotalSizeBytes()
	}
	return a.scanDirs()
}

// FreeBytes returns the remaining budget. Never negative.
func (a *Accountant) FreeBytes() int64 {
	free := a.budgetBytes - a.CurrentUsageBytes()
	if free < 0 {
		return 0
	}
	return free
}

// HasRoom reports whether requiredBytes fit within the remaining budget.
func (a *Accountant) HasRoom(requiredBytes int64) bool {
	return a.budgetBytes-a.CurrentUsageBytes() >= requiredBytes
}

func (a *Accountant) scanDirs() int64 {
	var total int64
	for _, dir := range a.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			a.logger.Warn("directory scan failed", "dir", dir, "error", err)
		}
	}
	return total
}
