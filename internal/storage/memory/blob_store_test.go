package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"tasks":[]}`)
	uri, err := store.PutObject(context.Background(), "snapshots/k1/2025-01-01.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://snapshots/k1/2025-01-01.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'X'
	stored, ok := store.Object("snapshots/k1/2025-01-01.json")
	if !ok || string(stored) != `{"tasks":[]}` {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 object, got %d", store.Len())
	}
}
