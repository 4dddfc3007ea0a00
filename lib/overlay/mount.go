package overlay

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaultfs/vaultfs/lib/handletable"
	"github.com/vaultfs/vaultfs/lib/pathmap"
	"github.com/vaultfs/vaultfs/lib/sidecar"
	"github.com/vaultfs/vaultfs/lib/wormpolicy"
)

// SidecarFileName is the fixed name of the sidecar database within
// the backing directory.
const SidecarFileName = ".metadata.db"

// Options configures a mount.
type Options struct {
	// BackingDir is the host directory the overlay augments.
	BackingDir string

	// Mountpoint is the directory the overlay is mounted at. Created
	// if it does not exist.
	Mountpoint string

	// AppendOnlyDirs lists directory names (mount-root relative) that
	// are WORM: append-only, no unlink/shrink/rename in-or-out.
	AppendOnlyDirs []string

	// ChecksumMode selects whole-file or block-indexed digests.
	// Zero value is WholeFileChecksums.
	ChecksumMode ChecksumMode

	// OpenMode selects strict or relaxed non-truncating writer open
	// verification. Zero value is StrictOpen.
	OpenMode OpenMode

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// HostOptions are additional raw FUSE mount options forwarded to
	// the host dispatch layer unchanged (e.g. "default_permissions").
	HostOptions []string

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Mount opens the sidecar store, builds the node tree, and mounts the
// overlay at options.Mountpoint. The caller must call Unmount on the
// returned server and then Close the returned Engine.
func Mount(options Options) (*fuse.Server, *Engine, error) {
	if options.BackingDir == "" {
		return nil, nil, fmt.Errorf("overlay: backing directory is required")
	}
	if options.Mountpoint == "" {
		return nil, nil, fmt.Errorf("overlay: mountpoint is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var st syscall.Stat_t
	if err := syscall.Stat(options.BackingDir, &st); err != nil {
		return nil, nil, fmt.Errorf("overlay: stat backing dir %s: %w", options.BackingDir, err)
	}

	store, err := sidecar.Open(filepath.Join(options.BackingDir, SidecarFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("overlay: opening sidecar: %w", err)
	}

	engine := &Engine{
		Mapper:       pathmap.New(options.BackingDir),
		Sidecar:      store,
		WORM:         wormpolicy.New(options.AppendOnlyDirs),
		Handles:      handletable.New(),
		Logger:       options.Logger,
		ChecksumMode: options.ChecksumMode,
		OpenMode:     options.OpenMode,
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("overlay: creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &gofuse.LoopbackRoot{
		Path: options.BackingDir,
		Dev:  uint64(st.Dev),
	}
	rootNode := &Node{
		LoopbackNode: gofuse.LoopbackNode{RootData: root},
		engine:       engine,
	}
	root.NewNode = func(rootData *gofuse.LoopbackRoot, parent *gofuse.Inode, name string, st *syscall.Stat_t) gofuse.InodeEmbedder {
		return &Node{
			LoopbackNode: gofuse.LoopbackNode{RootData: rootData},
			engine:       engine,
		}
	}
	root.RootNode = rootNode

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, rootNode, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "vaultfs",
			Name:       "vaultfs",
			AllowOther: options.AllowOther,
			Options:    options.HostOptions,
		},
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("overlay: mounting at %s: %w", options.Mountpoint, err)
	}

	engine.Logger.Info("overlay mounted",
		"backing_dir", options.BackingDir,
		"mountpoint", options.Mountpoint,
		"checksum_mode", options.ChecksumMode,
		"open_mode", options.OpenMode,
	)

	return server, engine, nil
}
