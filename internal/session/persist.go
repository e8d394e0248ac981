package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// maxBackupGenerations is the number of rolling backups kept per state file.
const maxBackupGenerations = 3

func backupPath(path string, generation int) string {
	if generation == 0 {
		return path + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", path, generation)
}

// AtomicWrite exposes the atomic state commit for other packages writing
// shared state files (the hook server updates the session map with it).
func AtomicWrite(path string, payload []byte, log *slog.Logger) error {
	return atomicWrite(path, payload, log)
}

// atomicWrite commits payload to path so a crash at any point leaves either
// the old file or the new one, never a partial write:
//  1. write to a uniquely named temp file in the same directory
//  2. fsync the temp file
//  3. rotate rolling backups of the current file
//  4. rename temp over path (atomic on POSIX)
//
// Each commit owns its own temp file, so concurrent writers to the same path
// cannot steal or truncate each other's pending commit; the last rename wins
// whole.
func atomicWrite(path string, payload []byte, log *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		// Rename still gives atomicity; only durability across power loss
		// is weakened.
		log.Warn("fsync_failed", slog.String("path", tmpPath), slog.String("error", err.Error()))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		rotateBackups(path, log)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}

// rotateBackups shifts path's rolling backups one generation and copies the
// current file to .bak.
func rotateBackups(path string, log *slog.Logger) {
	for i := maxBackupGenerations - 1; i > 0; i-- {
		older := backupPath(path, i)
		newer := backupPath(path, i-1)
		if i == maxBackupGenerations-1 {
			os.Remove(older)
		}
		if _, err := os.Stat(newer); err == nil {
			if err := os.Rename(newer, older); err != nil {
				log.Warn("backup_rotate_failed",
					slog.String("from", newer), slog.String("error", err.Error()))
			}
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("backup_copy_failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(backupPath(path, 0), data, 0600); err != nil {
		log.Warn("backup_write_failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}
