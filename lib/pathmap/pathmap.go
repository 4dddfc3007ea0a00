// Package pathmap translates virtual paths, the namespace the mount
// exposes, into backing paths on the host filesystem.
package pathmap

import "strings"

// Mapper holds the backing root a mount was configured with. The root
// is fixed at mount time and never changes.
type Mapper struct {
	root string
}

// New returns a Mapper rooted at root, with any trailing separators
// stripped.
func New(root string) *Mapper {
	return &Mapper{root: strings.TrimRight(root, "/")}
}

// Root returns the backing root this mapper was constructed with.
func (m *Mapper) Root() string {
	return m.root
}

// Backing maps a virtual path, which the dispatch layer guarantees
// starts with "/", to its backing path. No normalization of "." or
// ".." is attempted; that is the dispatch layer's responsibility.
func (m *Mapper) Backing(virtual string) string {
	return m.root + virtual
}
