package utils

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	// Write dummy content
	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Same bytes under another name must map to the same ID
	copyPath := filepath.Join(t.TempDir(), "renamed.mp4")
	if err := os.WriteFile(copyPath, []byte("fake video content"), 0644); err != nil {
		t.Fatal(err)
	}
	idCopy, _ := GenerateVideoID(copyPath)
	if idCopy != id {
		t.Errorf("Expected identical content to hash the same. Got %s and %s", id, idCopy)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}

func TestGenerateVideoIDMissingFile(t *testing.T) {
	if _, err := GenerateVideoID(filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestValidateInputFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"Regular file", file, false},
		{"Missing file", filepath.Join(dir, "nope.mp4"), true},
		{"Directory", dir, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateInputFile(tt.path); (err != nil) != tt.wantErr {
				t.Errorf("ValidateInputFile() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom 1>&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if got := cmd.Stderr.String(); got != "boom\n" {
		t.Errorf("Expected captured stderr %q, got %q", "boom\n", got)
	}
}
