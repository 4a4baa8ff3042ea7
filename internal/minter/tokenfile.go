package minter

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
)

// WriteTokenFile atomically writes tok to path with mode 0600.
//
// The token goes to a temporary file in the same directory, which is synced
// and renamed into place. The parent directory is created if missing.
func WriteTokenFile(path string, tok influxdb.Token) error {
	if tok == "" {
		return fmt.Errorf("refusing to write an empty token to %s", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary token file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("setting token file mode: %w", err)
	}
	if _, err := tmp.WriteString(tok.Reveal()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temporary token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temporary token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temporary token file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming token file into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
