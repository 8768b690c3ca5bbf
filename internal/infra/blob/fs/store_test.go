package fs

import (
	"context"
	"io"
	"strings"
	"testing"

	"dosecore/internal/blob/core"
)

var _ core.Store = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStorePutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put, err := store.Put(ctx, "reports/plan-1/dvh.csv", strings.NewReader("structure,metric\n"), core.PutOptions{
		ContentType: "text/csv",
		Metadata:    map[string]string{"plan": "plan-1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if put.ETag == "" {
		t.Fatalf("expected content hash etag")
	}

	info, rc, err := store.Get(ctx, "reports/plan-1/dvh.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "structure,metric\n" {
		t.Fatalf("unexpected content %q", data)
	}
	if info.ContentType != "text/csv" || info.Metadata["plan"] != "plan-1" {
		t.Fatalf("metadata sidecar not honored: %+v", info)
	}
}

func TestStoreRejectsTraversalKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "/abs", "../escape", "a/../../b"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected rejection for key %q", key)
		}
	}
}

func TestStoreListSkipsSidecars(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"reports/a.json", "reports/b.csv", "misc/x"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 entries, got %+v", infos)
	}
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".meta") {
			t.Fatalf("sidecar leaked into listing: %+v", info)
		}
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "k", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	existed, err := store.Delete(ctx, "k")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	if _, err := store.Head(ctx, "k"); err == nil {
		t.Fatalf("expected head failure after delete")
	}
	existed, err = store.Delete(ctx, "k")
	if err != nil || existed {
		t.Fatalf("second delete: existed=%v err=%v", existed, err)
	}
}

func TestStorePresignReturnsFileURL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "k", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	u, err := store.PresignURL(ctx, "k", core.SignedURLOptions{})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(u, "file://") {
		t.Fatalf("expected file URL, got %q", u)
	}
}
