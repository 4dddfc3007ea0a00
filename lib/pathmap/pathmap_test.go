package pathmap_test

import (
	"testing"

	"github.com/vaultfs/vaultfs/lib/pathmap"
)

func TestBacking(t *testing.T) {
	cases := []struct {
		root    string
		virtual string
		want    string
	}{
		{"/backing", "/a/b", "/backing/a/b"},
		{"/backing/", "/a/b", "/backing/a/b"},
		{"/backing", "/", "/backing/"},
	}
	for _, c := range cases {
		m := pathmap.New(c.root)
		if got := m.Backing(c.virtual); got != c.want {
			t.Errorf("New(%q).Backing(%q) = %q, want %q", c.root, c.virtual, got, c.want)
		}
	}
}

func TestRoot(t *testing.T) {
	if got := pathmap.New("/backing/").Root(); got != "/backing" {
		t.Errorf("Root() = %q, want %q", got, "/backing")
	}
}
