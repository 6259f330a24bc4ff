package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "server.crt")
	keyFile := filepath.Join(dir, "certs", "server.key")

	if _, err := LoadOrCreateCertificate(certFile, keyFile, false); err == nil {
		t.Fatal("expected error when files are missing and generation is off")
	}

	cert, err := LoadOrCreateCertificate(certFile, keyFile, true, "game.example")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("empty certificate chain")
	}

	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key permissions = %v, want 0600", info.Mode().Perm())
	}

	// Existing files are reused.
	before, _ := os.ReadFile(certFile)
	if _, err := LoadOrCreateCertificate(certFile, keyFile, true); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, _ := os.ReadFile(certFile)
	if string(before) != string(after) {
		t.Fatal("certificate regenerated although it existed")
	}
}

func TestLogFilesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		LogFileName(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)),
		LogFileName(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)),
		"other.log",
		"tether_notes.txt",
	}
	for _, n := range names {
		os.WriteFile(filepath.Join(dir, n), nil, 0644)
	}

	files, err := LogFiles(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if filepath.Base(files[0]) != "tether_2026-01-15.log" {
		t.Fatalf("oldest first expected, got %v", files)
	}
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	for d := 1; d <= 4; d++ {
		name := LogFileName(time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC))
		os.WriteFile(filepath.Join(dir, name), nil, 0644)
	}

	cleanOldLogs(dir, 2)

	files, _ := LogFiles(dir)
	if len(files) != 2 || filepath.Base(files[0]) != "tether_2026-01-03.log" {
		t.Fatalf("remaining = %v", files)
	}
}
