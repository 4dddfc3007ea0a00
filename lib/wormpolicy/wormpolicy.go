// Package wormpolicy implements the append-only (Write-Once-Read-Many)
// predicate over virtual paths. The check is purely lexical: symbolic
// links are not followed, since WORM is a policy over the virtual
// namespace, not the backing one.
package wormpolicy

import "strings"

// Policy holds an immutable set of append-only virtual-path prefixes,
// configured at mount time.
type Policy struct {
	prefixes []string
}

// New builds a Policy from a set of directory names. Each name is
// taken as a path relative to the mount root; a leading "/" is
// prepended if absent. Empty entries are ignored.
func New(names []string) *Policy {
	prefixes := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		prefixes = append(prefixes, name)
	}
	return &Policy{prefixes: prefixes}
}

// ParseCSV splits the value of the append_only_dirs mount option into
// directory names, per §6's recognized option syntax. Empty entries
// (from a trailing comma or an empty option value) are dropped.
func ParseCSV(csv string) []string {
	var names []string
	for _, item := range strings.Split(csv, ",") {
		if item == "" {
			continue
		}
		names = append(names, item)
	}
	return names
}

// IsAppendOnly reports whether virtualPath equals a configured prefix
// or lies beneath one.
func (p *Policy) IsAppendOnly(virtualPath string) bool {
	for _, prefix := range p.prefixes {
		if virtualPath == prefix || strings.HasPrefix(virtualPath, prefix+"/") {
			return true
		}
	}
	return false
}

// Empty reports whether the policy has no configured prefixes, so
// callers can skip WORM bookkeeping entirely on a plain mount.
func (p *Policy) Empty() bool {
	return len(p.prefixes) == 0
}
