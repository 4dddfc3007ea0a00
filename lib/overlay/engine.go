package overlay

import (
	"log/slog"

	"github.com/vaultfs/vaultfs/lib/handletable"
	"github.com/vaultfs/vaultfs/lib/pathmap"
	"github.com/vaultfs/vaultfs/lib/sidecar"
	"github.com/vaultfs/vaultfs/lib/wormpolicy"
)

// ChecksumMode selects whole-file or block-indexed digests, per §4.6.
type ChecksumMode int

const (
	// WholeFileChecksums maintains one FNV-1a-64 digest per file,
	// folded incrementally by each write and flushed on release. The
	// default: cheaper for append-mostly workloads.
	WholeFileChecksums ChecksumMode = iota

	// BlockIndexedChecksums maintains one digest per 4096-byte block,
	// verified and rewritten independently. Recommended when
	// random-write workloads are expected, at the cost of one extra
	// read per written block.
	BlockIndexedChecksums
)

// OpenMode selects how a non-truncating writer open behaves, per the
// "Open ambiguity" design note.
type OpenMode int

const (
	// StrictOpen re-verifies and pre-loads the digest on every
	// non-truncating writer open, as specified. A stale digest fails
	// the open outright.
	StrictOpen OpenMode = iota

	// RelaxedOpen skips that verification: the accumulator is seeded
	// from the current backing content unconditionally, deferring
	// detection of any prior corruption to the next reader.
	RelaxedOpen
)

// Engine is the mount-context value threaded through every node and
// file handle: the integrity engine plus the components it
// orchestrates (path mapper, sidecar store, WORM policy, handle
// table). One Engine belongs to exactly one mount.
type Engine struct {
	Mapper  *pathmap.Mapper
	Sidecar *sidecar.Store
	WORM    *wormpolicy.Policy
	Handles *handletable.Table
	Logger  *slog.Logger

	ChecksumMode ChecksumMode
	OpenMode     OpenMode
}

// Close releases the engine's resources (the sidecar connection
// pool). It does not touch any still-open file handles; the caller is
// responsible for unmounting first.
func (e *Engine) Close() error {
	return e.Sidecar.Close()
}
