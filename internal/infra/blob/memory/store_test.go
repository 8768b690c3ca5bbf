package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"dosecore/internal/blob/core"
)

var _ core.Store = (*Store)(nil)

func TestStorePutGetRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	info, err := store.Put(ctx, "reports/plan-1.json", strings.NewReader(`{"ok":true}`), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"plan": "plan-1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(`{"ok":true}`)) || info.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", info)
	}

	got, rc, err := store.Get(ctx, "reports/plan-1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected content %q", data)
	}
	if got.Metadata["plan"] != "plan-1" {
		t.Fatalf("expected metadata round trip, got %+v", got.Metadata)
	}
}

func TestStorePutReplacesExisting(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.Put(ctx, "k", strings.NewReader("one"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("two"), core.PutOptions{}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	_, rc, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "two" {
		t.Fatalf("expected replaced content, got %q", data)
	}
}

func TestStoreListFiltersAndSorts(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, key := range []string{"reports/b.csv", "reports/a.json", "other/c"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	infos, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "reports/a.json" || infos[1].Key != "reports/b.csv" {
		t.Fatalf("unexpected listing %+v", infos)
	}
}

func TestStoreDeleteAndHead(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.Put(ctx, "k", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Head(ctx, "k"); err != nil {
		t.Fatalf("head: %v", err)
	}

	existed, err := store.Delete(ctx, "k")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	existed, err = store.Delete(ctx, "k")
	if err != nil || existed {
		t.Fatalf("second delete: existed=%v err=%v", existed, err)
	}
	if _, err := store.Head(ctx, "k"); err == nil {
		t.Fatalf("expected head failure after delete")
	}
}

func TestStorePresignUnsupported(t *testing.T) {
	store := New()
	if _, err := store.PresignURL(context.Background(), "k", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
