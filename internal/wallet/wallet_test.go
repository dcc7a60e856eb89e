package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/example/malcare/internal/cache"
)

func TestStoreConnectGetDisconnect(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	store := NewStore(mem)
	store.now = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 987654321, time.UTC) }

	h, err := store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if h.Connected() {
		t.Fatal("new owner should not have a connected wallet")
	}

	if _, err := store.Connect(ctx, "user-1", "  "); err == nil {
		t.Fatal("expected error for blank address")
	}

	principal := "rrkah-fqaaa-aaaaa-aaaaq-cai"
	if _, err := store.Connect(ctx, "user-1", principal); err != nil {
		t.Fatalf("connect: %v", err)
	}

	raw, err := mem.Get(ctx, "malcare_wallet_data:user-1")
	if err != nil {
		t.Fatalf("snapshot not stored: %v", err)
	}
	if raw != `{"isConnected":true,"address":"rrkah-fqaaa-aaaaa-aaaaq-cai","timestamp":1705314600987}` {
		t.Fatalf("unexpected snapshot %s", raw)
	}

	h, err = store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !h.Connected() || h.Address != principal {
		t.Fatalf("unexpected handle %+v", h)
	}
	if h.ConnectedAt.UnixMilli() != 1705314600987 {
		t.Fatalf("unexpected connected at %v", h.ConnectedAt)
	}

	if err := store.Disconnect(ctx, "user-1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	h, _ = store.Get(ctx, "user-1")
	if h.Connected() {
		t.Fatal("wallet should be disconnected")
	}
}

func TestFormattedAddress(t *testing.T) {
	if got := (Handle{Address: "short"}).FormattedAddress(); got != "short" {
		t.Fatalf("got %s", got)
	}
	long := Handle{Address: "rrkah-fqaaa-aaaaa-aaaaq-cai"}
	if got := long.FormattedAddress(); got != "rrkah-fq...aaaq-cai" {
		t.Fatalf("got %s", got)
	}
}
