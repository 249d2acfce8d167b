package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMainShutdownSourceContract(t *testing.T) {
	path := filepath.Join("main.go")
	contentBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	content := string(contentBytes)

	// Shutdown order matters: sessions drain before the listener closes.
	for _, needle := range []string{
		"Received signal",
		"mgr.StopAndDrainAll()",
		"srv.Stop(ctx)",
	} {
		if !strings.Contains(content, needle) {
			t.Fatalf("expected %q in %s", needle, path)
		}
	}

	drainIdx := strings.Index(content, "mgr.StopAndDrainAll()")
	stopIdx := strings.Index(content, "srv.Stop(ctx)")
	if drainIdx > stopIdx {
		t.Fatal("sessions must drain before the HTTP server stops")
	}
}
