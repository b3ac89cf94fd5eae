package commands

import (
	"context"
	"testing"

	"notary-mpc/storage"
)

func TestLoadSigningKeyIsStable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	first, err := loadSigningKey(ctx, store)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := loadSigningKey(ctx, store)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.Address() != second.Address() {
		t.Errorf("key changed between loads: %s != %s", first.Address().Hex(), second.Address().Hex())
	}
}
