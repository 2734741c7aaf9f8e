// Package artifact persists and moves encrypted account archives on the
// local filesystem. The layout under the accounts root is
// <status>/<service>/<uuid>/account.enc; all moves stay on one filesystem
// so renames are atomic.
package artifact

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/NovaMarketLab/accountshop/pkg/purchase"
)

const archiveFileName = "account.enc"

// Store implements purchase.Vault over a root directory.
type Store struct {
	root   string
	logger *zap.Logger
}

// New returns a Store rooted at accountsRoot.
func New(accountsRoot string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: accountsRoot, logger: logger}
}

// RelPath is the canonical relative archive path for a unit.
func (store *Store) RelPath(status purchase.UnitStatus, serviceType purchase.ServiceType, unitUUID string) string {
	return filepath.Join(status.String(), serviceType.String(), unitUUID, archiveFileName)
}

// Abs resolves a relative archive path against the accounts root.
func (store *Store) Abs(relPath string) string {
	return filepath.Join(store.root, relPath)
}

// Move creates destination parents and moves src to dst. It reports false
// when the source does not exist or any step fails; it never panics. Either
// the source or the destination exists at all times.
func (store *Store) Move(src, dst string) bool {
	if _, err := os.Stat(src); err != nil {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		store.logger.Warn("artifact move: mkdir failed", zap.String("dst", dst), zap.Error(err))
		return false
	}
	if err := os.Rename(src, dst); err != nil {
		store.logger.Warn("artifact move failed", zap.String("src", src), zap.String("dst", dst), zap.Error(err))
		return false
	}
	return true
}

// Rename atomically renames src to dst without creating parents. It is the
// final .part → account.enc step of a two-phase move.
func (store *Store) Rename(src, dst string) bool {
	if err := os.Rename(src, dst); err != nil {
		store.logger.Warn("artifact rename failed", zap.String("src", src), zap.String("dst", dst), zap.Error(err))
		return false
	}
	return true
}

// PurgeEmptyParent removes a leftover uuid directory if it is empty.
// Failure is logged, never propagated.
func (store *Store) PurgeEmptyParent(path string) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return
	}
	if len(entries) != 0 {
		return
	}
	if err := os.Remove(path); err != nil {
		store.logger.Warn("artifact purge failed", zap.String("path", path), zap.Error(err))
	}
}

// WriteFile writes a fresh ciphertext blob, creating parents. Ingest only.
func (store *Store) WriteFile(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
