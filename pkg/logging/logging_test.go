package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// TestComponentWritesToSameOutput guards against a component logger
// silently falling back to stderr: every adapter and coordinator in cnd
// only ever logs through Component, so it must inherit the parent
// logger's configured output (e.g. logging.file).
func TestComponentWritesToSameOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Output: &buf})

	l.Component("swapcoord").Info("hello")

	if buf.Len() == 0 {
		t.Fatal("expected Component's logger to write to the parent's output, got nothing")
	}
}

func TestOpenLogFileAppendsAndCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cnd.log")

	f, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	if _, err := f.WriteString("first\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	f, err = OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile (reopen): %v", err)
	}
	if _, err := f.WriteString("second\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("log file contents = %q, want both appended lines", string(data))
	}
}
