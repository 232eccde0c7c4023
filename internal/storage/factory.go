package storage

import (
	"fmt"
	"os"
	"strings"
)

const storeKindEnv = "VENTSIM_STORE"

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// DefaultStoreKind honours VENTSIM_STORE and falls back to memory.
func DefaultStoreKind() string {
	if kind := strings.TrimSpace(os.Getenv(storeKindEnv)); kind != "" {
		return kind
	}
	return "memory"
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
