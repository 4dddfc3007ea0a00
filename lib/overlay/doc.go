// Package overlay implements the integrity/WORM overlay filesystem as
// a github.com/hanwen/go-fuse/v2 node tree. It embeds
// fs.LoopbackNode for the pass-through operations (mkdir, rmdir,
// readdir, getattr, utimens) and overrides only the operations the
// integrity engine and WORM policy need to participate in: open,
// create, read, write, release, setattr (truncation), unlink,
// rename, and the extended-attribute calls, which are routed to the
// sidecar store instead of the backing filesystem's real xattrs.
//
// Engine, the mount-context value, is created fresh per mount rather
// than held in package-level state, so a process can host more than
// one mount without the components stepping on each other.
package overlay
