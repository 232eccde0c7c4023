package storage

import "testing"

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestDefaultStoreKindFromEnv(t *testing.T) {
	t.Setenv(storeKindEnv, "")
	if got := DefaultStoreKind(); got != "memory" {
		t.Fatalf("expected memory default, got %s", got)
	}
	t.Setenv(storeKindEnv, "sqlite")
	if got := DefaultStoreKind(); got != "sqlite" {
		t.Fatalf("expected sqlite from env, got %s", got)
	}
}
