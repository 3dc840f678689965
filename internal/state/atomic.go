package state

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

const tempSuffix = ".tmp"

// writeFileAtomic writes data beside path and renames it into place. A crash
// or failure at any point leaves either the old file or the new one, never a
// mix. Cancellation is honoured up to the rename.
func writeFileAtomic(ctx context.Context, path string, data []byte, rename func(string, string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	abandon := func(err error) error {
		tmp.Close()
		os.Remove(name)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return abandon(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Chmod(0o644); err != nil {
		return abandon(fmt.Errorf("chmod temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return abandon(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(name)
		return err
	}
	if err := rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename into place: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes the rename itself durable. Not every filesystem supports
// fsync on a directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// removeStaleTemps deletes temp files a crash left behind next to path.
func removeStaleTemps(path string) {
	pattern := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".*"+tempSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, m := range matches {
		if !strings.HasSuffix(m, tempSuffix) {
			continue
		}
		if err := os.Remove(m); err == nil {
			log.Printf("STATE: removed interrupted write %s", filepath.Base(m))
		}
	}
}
