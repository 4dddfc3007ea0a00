package digest_test

import (
	"strings"
	"testing"

	"github.com/vaultfs/vaultfs/lib/digest"
)

func TestSum64HelloWorld(t *testing.T) {
	sum, err := digest.Sum64(strings.NewReader("hello world\n"))
	if err != nil {
		t.Fatalf("Sum64: %v", err)
	}
	if got, want := digest.Format(sum), "779a65e7023cd2e7"; got != want {
		t.Errorf("Format(Sum64(%q)) = %s, want %s", "hello world\n", got, want)
	}
}

func TestSum64Incremental(t *testing.T) {
	whole, err := digest.Sum64(strings.NewReader("this is clean data\n"))
	if err != nil {
		t.Fatalf("Sum64: %v", err)
	}

	h := digest.New()
	for _, part := range []string{"this is ", "clean ", "data\n"} {
		if _, err := h.Write([]byte(part)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if h.Sum64() != whole {
		t.Errorf("incremental digest = %x, want %x", h.Sum64(), whole)
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	sum, err := digest.Sum64(strings.NewReader("hello world\n"))
	if err != nil {
		t.Fatalf("Sum64: %v", err)
	}
	formatted := digest.Format(sum)
	parsed, err := digest.Parse(formatted)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != sum {
		t.Errorf("Parse(Format(%x)) = %x", sum, parsed)
	}
}

func TestFoldMatchesSum64(t *testing.T) {
	whole, err := digest.Sum64(strings.NewReader("hello world\n"))
	if err != nil {
		t.Fatalf("Sum64: %v", err)
	}

	state := digest.OffsetBasis
	for _, part := range [][]byte{[]byte("hello "), []byte("world\n")} {
		state = digest.Fold(state, part)
	}
	if state != whole {
		t.Errorf("Fold accumulation = %x, want %x", state, whole)
	}
}

func TestBlockIndex(t *testing.T) {
	cases := []struct {
		offset int64
		want   int64
	}{
		{0, 0},
		{4095, 0},
		{4096, 1},
		{8191, 1},
		{8192, 2},
	}
	for _, c := range cases {
		if got := digest.BlockIndex(c.offset); got != c.want {
			t.Errorf("BlockIndex(%d) = %d, want %d", c.offset, got, c.want)
		}
	}
}
