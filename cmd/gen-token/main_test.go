package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"kanban-sync/api"
)

func TestSignedTokenResolves(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := sign(secret, "u1", "Ann", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, ok := api.NewSecretAuth(secret).Resolve(tok)
	if !ok || id.ID != "u1" || id.Name != "Ann" {
		t.Fatalf("unexpected identity %+v ok=%v", id, ok)
	}

	expired, err := sign(secret, "u1", "", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, ok := api.NewSecretAuth(secret).Resolve(expired); ok {
		t.Fatal("expected expired token to resolve anonymous")
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "tokens.json")
	if err := writeTokens(path, []string{"a", "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "[\"a\",\"b\"]\n" {
		t.Fatalf("unexpected file %q", data)
	}
}
