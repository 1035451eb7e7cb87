package prompts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtract(t *testing.T) {
	dataDir := t.TempDir()

	if err := Extract(dataDir); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	dir := filepath.Join(dataDir, "prompts")
	for _, name := range Defaults {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("expected file %s to exist: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("expected file %s to be non-empty", name)
		}
	}
}

func TestExtractSkipsExisting(t *testing.T) {
	dataDir := t.TempDir()

	if err := Extract(dataDir); err != nil {
		t.Fatalf("Extract() first call error: %v", err)
	}

	// Replace one prompt the way an operator would.
	replaced := filepath.Join(dataDir, "prompts", Defaults[0])
	custom := []byte("operator recording")
	if err := os.WriteFile(replaced, custom, 0o640); err != nil {
		t.Fatalf("writing replacement: %v", err)
	}

	if err := Extract(dataDir); err != nil {
		t.Fatalf("Extract() second call error: %v", err)
	}

	got, err := os.ReadFile(replaced)
	if err != nil {
		t.Fatalf("reading replacement: %v", err)
	}
	if string(got) != string(custom) {
		t.Error("operator replacement was overwritten")
	}
}

func TestDir(t *testing.T) {
	got := Dir("/data")
	want := filepath.Join("/data", "prompts")
	if got != want {
		t.Errorf("Dir() = %q, want %q", got, want)
	}
}

func TestExtractCreatesDirectory(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "deep", "nested")

	if err := Extract(dataDir); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	info, err := os.Stat(filepath.Join(dataDir, "prompts"))
	if err != nil {
		t.Fatalf("expected prompts directory to exist: %v", err)
	}
	if !info.IsDir() {
		t.Error("prompts path is not a directory")
	}
}
