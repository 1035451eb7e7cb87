package prompts

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Dir returns the on-disk prompts directory under dataDir.
func Dir(dataDir string) string {
	return filepath.Join(dataDir, "prompts")
}

// Extract writes the embedded default prompts into <dataDir>/prompts.
// Files already on disk are skipped, so operator replacements survive
// restarts and upgrades.
func Extract(dataDir string) error {
	dir := Dir(dataDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating prompts directory: %w", err)
	}

	for _, name := range Defaults {
		dest := filepath.Join(dir, name)
		if _, err := os.Stat(dest); err == nil {
			slog.Debug("prompt already exists, skipping", "file", name)
			continue
		}

		data, err := fs.ReadFile(FS, name)
		if err != nil {
			return fmt.Errorf("reading embedded prompt %s: %w", name, err)
		}
		if err := os.WriteFile(dest, data, 0o640); err != nil {
			return fmt.Errorf("writing prompt %s: %w", name, err)
		}

		slog.Info("extracted default prompt", "file", name, "path", dest)
	}

	return nil
}
