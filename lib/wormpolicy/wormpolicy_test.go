package wormpolicy_test

import (
	"reflect"
	"testing"

	"github.com/vaultfs/vaultfs/lib/wormpolicy"
)

func TestParseCSV(t *testing.T) {
	cases := []struct {
		csv  string
		want []string
	}{
		{"logs", []string{"logs"}},
		{"logs,archive", []string{"logs", "archive"}},
		{"logs,,archive", []string{"logs", "archive"}},
		{"", nil},
	}
	for _, c := range cases {
		if got := wormpolicy.ParseCSV(c.csv); !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParseCSV(%q) = %v, want %v", c.csv, got, c.want)
		}
	}
}

func TestIsAppendOnly(t *testing.T) {
	policy := wormpolicy.New([]string{"logs", "/archive/2026"})

	cases := []struct {
		path string
		want bool
	}{
		{"/logs", true},
		{"/logs/a.txt", true},
		{"/logslike", false},
		{"/archive/2026", true},
		{"/archive/2026/jan.txt", true},
		{"/archive/2025", false},
		{"/other.txt", false},
	}
	for _, c := range cases {
		if got := policy.IsAppendOnly(c.path); got != c.want {
			t.Errorf("IsAppendOnly(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestEmpty(t *testing.T) {
	if !wormpolicy.New(nil).Empty() {
		t.Error("New(nil).Empty() = false, want true")
	}
	if wormpolicy.New([]string{"logs"}).Empty() {
		t.Error("New with a prefix reports Empty() = true")
	}
}
