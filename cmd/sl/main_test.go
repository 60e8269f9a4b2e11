package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetEnvValueReplacesAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("OTHER=1\nSTEPLINE_JWT_SECRET=old"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := setEnvValue(path, "STEPLINE_JWT_SECRET", "new"); err != nil {
		t.Fatal(err)
	}
	if err := setEnvValue(path, "STEPLINE_LOG_LEVEL", "debug"); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "OTHER=1\nSTEPLINE_JWT_SECRET=new\nSTEPLINE_LOG_LEVEL=debug\n"
	if string(b) != want {
		t.Fatalf("unexpected .env:\n%q", b)
	}
}

func TestParseRaw(t *testing.T) {
	got, err := parseRaw([]string{"0", "120", "480"})
	if err != nil || len(got) != 3 || got[2] != 480 {
		t.Fatalf("unexpected %v %v", got, err)
	}
	if _, err := parseRaw([]string{"12", "-3"}); err == nil {
		t.Fatal("expected negative count to be rejected")
	}
	if _, err := parseRaw([]string{"abc"}); err == nil {
		t.Fatal("expected non-numeric count to be rejected")
	}
}
