package handletable_test

import (
	"testing"

	"github.com/vaultfs/vaultfs/lib/digest"
	"github.com/vaultfs/vaultfs/lib/handletable"
)

func TestOpenWriterRejectsSecondWriter(t *testing.T) {
	table := handletable.New()

	if _, err := table.OpenWriter("/a.txt", handletable.RoleWriterFresh, digest.OffsetBasis); err != nil {
		t.Fatalf("first OpenWriter: %v", err)
	}
	if _, err := table.OpenWriter("/a.txt", handletable.RoleWriterFresh, digest.OffsetBasis); err == nil {
		t.Fatal("second concurrent OpenWriter: expected error, got nil")
	}
}

func TestReadersDoNotBlockWriter(t *testing.T) {
	table := handletable.New()
	table.OpenReader("/a.txt")
	table.OpenReader("/a.txt")

	if _, err := table.OpenWriter("/a.txt", handletable.RoleWriterFresh, digest.OffsetBasis); err != nil {
		t.Fatalf("OpenWriter alongside readers: %v", err)
	}
}

func TestFoldAndClose(t *testing.T) {
	table := handletable.New()
	h, err := table.OpenWriter("/a.txt", handletable.RoleWriterFresh, digest.OffsetBasis)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	h.Fold([]byte("hello world\n"), digest.Fold)

	role, final := table.Close(h)
	if role != handletable.RoleWriterFresh {
		t.Errorf("role = %v", role)
	}
	if got, want := digest.Format(final), "779a65e7023cd2e7"; got != want {
		t.Errorf("final digest = %s, want %s", got, want)
	}

	// The path should now be free for a second writer.
	if _, err := table.OpenWriter("/a.txt", handletable.RoleWriterFresh, digest.OffsetBasis); err != nil {
		t.Errorf("OpenWriter after close: %v", err)
	}
}

func TestWritersForAndReset(t *testing.T) {
	table := handletable.New()
	h1, err := table.OpenWriter("/a.txt", handletable.RoleWriterAppend, 0x1111)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	writers := table.WritersFor("/a.txt")
	if len(writers) != 1 || writers[0] != h1 {
		t.Fatalf("WritersFor = %v, want [%v]", writers, h1)
	}

	for _, w := range writers {
		w.ResetAccumulator(0x2222)
	}
	if h1.Accumulator() != 0x2222 {
		t.Errorf("Accumulator = %x, want 0x2222", h1.Accumulator())
	}
}

func TestRenamePath(t *testing.T) {
	table := handletable.New()
	h, err := table.OpenWriter("/old.txt", handletable.RoleWriterFresh, digest.OffsetBasis)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	table.RenamePath("/old.txt", "/new.txt")

	if h.Path() != "/new.txt" {
		t.Errorf("Path() = %s, want /new.txt", h.Path())
	}
	if writers := table.WritersFor("/old.txt"); len(writers) != 0 {
		t.Errorf("WritersFor(/old.txt) after rename = %v, want empty", writers)
	}
	if writers := table.WritersFor("/new.txt"); len(writers) != 1 {
		t.Errorf("WritersFor(/new.txt) after rename = %v, want 1 entry", writers)
	}
}

func TestVerificationCache(t *testing.T) {
	table := handletable.New()
	h := table.OpenReader("/a.txt")
	if h.Verification() != handletable.Unverified {
		t.Fatalf("initial verification = %v, want Unverified", h.Verification())
	}
	h.SetVerification(handletable.VerifiedBad)
	if h.Verification() != handletable.VerifiedBad {
		t.Errorf("verification = %v, want VerifiedBad", h.Verification())
	}
}
