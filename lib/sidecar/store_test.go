package sidecar_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/vaultfs/vaultfs/lib/sidecar"
)

func openTestStore(t *testing.T) *sidecar.Store {
	t.Helper()
	store, err := sidecar.Open(filepath.Join(t.TempDir(), ".metadata.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func TestXattrRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.PutXattr(ctx, "/basic.txt", "user.author", []byte("Soham")); err != nil {
		t.Fatalf("PutXattr: %v", err)
	}

	value, found, err := store.GetXattr(ctx, "/basic.txt", "user.author")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if !found {
		t.Fatal("GetXattr: not found")
	}
	if string(value) != "Soham" {
		t.Errorf("value = %q, want %q", value, "Soham")
	}

	keys, err := store.ListXattr(ctx, "/basic.txt")
	if err != nil {
		t.Fatalf("ListXattr: %v", err)
	}
	if len(keys) != 1 || keys[0] != "user.author" {
		t.Errorf("ListXattr = %v, want [user.author]", keys)
	}

	if err := store.DelXattrs(ctx, "/basic.txt"); err != nil {
		t.Fatalf("DelXattrs: %v", err)
	}
	keys, err = store.ListXattr(ctx, "/basic.txt")
	if err != nil {
		t.Fatalf("ListXattr after delete: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("ListXattr after delete = %v, want empty", keys)
	}
}

func TestDelXattr(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.PutXattr(ctx, "/basic.txt", "user.a", []byte("1")); err != nil {
		t.Fatalf("PutXattr: %v", err)
	}
	if err := store.PutXattr(ctx, "/basic.txt", "user.b", []byte("2")); err != nil {
		t.Fatalf("PutXattr: %v", err)
	}

	removed, err := store.DelXattr(ctx, "/basic.txt", "user.a")
	if err != nil {
		t.Fatalf("DelXattr: %v", err)
	}
	if !removed {
		t.Error("DelXattr: removed = false, want true")
	}

	removed, err = store.DelXattr(ctx, "/basic.txt", "user.a")
	if err != nil {
		t.Fatalf("DelXattr (already gone): %v", err)
	}
	if removed {
		t.Error("DelXattr (already gone): removed = true, want false")
	}

	keys, err := store.ListXattr(ctx, "/basic.txt")
	if err != nil {
		t.Fatalf("ListXattr: %v", err)
	}
	if len(keys) != 1 || keys[0] != "user.b" {
		t.Errorf("ListXattr = %v, want [user.b]", keys)
	}
}

func TestDigestRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, found, err := store.GetDigest(ctx, "/basic.txt"); err != nil || found {
		t.Fatalf("GetDigest before put: found=%v err=%v", found, err)
	}

	if err := store.PutDigest(ctx, "/basic.txt", "779a65e7023cd2e7"); err != nil {
		t.Fatalf("PutDigest: %v", err)
	}
	checksum, found, err := store.GetDigest(ctx, "/basic.txt")
	if err != nil || !found {
		t.Fatalf("GetDigest: found=%v err=%v", found, err)
	}
	if checksum != "779a65e7023cd2e7" {
		t.Errorf("checksum = %q", checksum)
	}

	if err := store.DelDigest(ctx, "/basic.txt"); err != nil {
		t.Fatalf("DelDigest: %v", err)
	}
	if _, found, err := store.GetDigest(ctx, "/basic.txt"); err != nil || found {
		t.Fatalf("GetDigest after delete: found=%v err=%v", found, err)
	}
}

func TestRenamePath(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if err := store.PutDigest(ctx, "/r1.txt", "abc123"); err != nil {
		t.Fatalf("PutDigest: %v", err)
	}
	if err := store.PutXattr(ctx, "/r1.txt", "user.note", []byte("before")); err != nil {
		t.Fatalf("PutXattr: %v", err)
	}
	if err := store.PutBlock(ctx, "/r1.txt", 0, "deadbeef"); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	if err := store.RenamePath(ctx, "/r1.txt", "/r2.txt"); err != nil {
		t.Fatalf("RenamePath: %v", err)
	}

	if _, found, err := store.GetDigest(ctx, "/r1.txt"); err != nil || found {
		t.Fatalf("GetDigest(/r1.txt) after rename: found=%v err=%v", found, err)
	}
	checksum, found, err := store.GetDigest(ctx, "/r2.txt")
	if err != nil || !found || checksum != "abc123" {
		t.Fatalf("GetDigest(/r2.txt) = %q found=%v err=%v", checksum, found, err)
	}

	keys, err := store.ListXattr(ctx, "/r1.txt")
	if err != nil {
		t.Fatalf("ListXattr(/r1.txt): %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("ListXattr(/r1.txt) after rename = %v, want empty", keys)
	}
	keys, err = store.ListXattr(ctx, "/r2.txt")
	if err != nil {
		t.Fatalf("ListXattr(/r2.txt): %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "user.note" {
		t.Errorf("ListXattr(/r2.txt) = %v, want [user.note]", keys)
	}

	block, found, err := store.GetBlock(ctx, "/r2.txt", 0)
	if err != nil || !found || block != "deadbeef" {
		t.Fatalf("GetBlock(/r2.txt, 0) = %q found=%v err=%v", block, found, err)
	}
}

func TestDelBlocksAfter(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for i := int64(0); i < 4; i++ {
		if err := store.PutBlock(ctx, "/f.bin", i, "hash"); err != nil {
			t.Fatalf("PutBlock(%d): %v", i, err)
		}
	}
	if err := store.DelBlocksAfter(ctx, "/f.bin", 1); err != nil {
		t.Fatalf("DelBlocksAfter: %v", err)
	}
	for i := int64(0); i <= 1; i++ {
		if _, found, err := store.GetBlock(ctx, "/f.bin", i); err != nil || !found {
			t.Errorf("GetBlock(%d) after prune: found=%v err=%v", i, found, err)
		}
	}
	for i := int64(2); i < 4; i++ {
		if _, found, err := store.GetBlock(ctx, "/f.bin", i); err != nil || found {
			t.Errorf("GetBlock(%d) after prune: found=%v err=%v, want gone", i, found, err)
		}
	}
}
