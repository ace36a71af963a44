package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger(t *testing.T) {
	t.Cleanup(func() { log.SetLevel(log.InfoLevel) })

	if err := setupLogger(""); err != nil {
		t.Fatalf("unexpected error for empty level: %v", err)
	}
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("expected info level by default, got %s", log.GetLevel())
	}

	if err := setupLogger(" DEBUG "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}

	if err := setupLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("unknown level must fall back to info, got %s", log.GetLevel())
	}
}
