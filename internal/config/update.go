package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteWithBackup replaces dir/filename with content. The existing file, if
// any, is copied to filename.bak first; a failed write restores it. The
// caller is expected to have validated content already.
func WriteWithBackup(dir, filename string, content []byte) error {
	target := filepath.Join(dir, filename)
	backup := target + ".bak"

	hadOriginal := false
	if original, err := os.ReadFile(target); err == nil {
		hadOriginal = true
		if err := os.WriteFile(backup, original, 0o644); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read original: %w", err)
	}

	if err := os.WriteFile(target, content, 0o644); err != nil {
		if hadOriginal {
			if restoreErr := restore(backup, target); restoreErr != nil {
				return fmt.Errorf("write failed (%v), restore failed: %w", err, restoreErr)
			}
		}
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func restore(backup, target string) error {
	data, err := os.ReadFile(backup)
	if err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}
