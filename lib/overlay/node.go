package overlay

import (
	"context"
	"path"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaultfs/vaultfs/lib/digest"
	"github.com/vaultfs/vaultfs/lib/handletable"
)

// Node is the overlay's inode type. It embeds fs.LoopbackNode for the
// operations that need no integrity or WORM participation (mkdir,
// rmdir, readdir, getattr without a size change, utimens, symlink) and
// overrides the rest.
type Node struct {
	gofuse.LoopbackNode
	engine *Engine
}

// idFromStat derives a stable inode identity from a backing stat,
// matching the loopback convention of folding the backing device into
// the inode number so hard links across the mount stay distinct from
// coincidentally-equal inode numbers on other devices.
func idFromStat(rootDev uint64, st *syscall.Stat_t) gofuse.StableAttr {
	swapped := (uint64(st.Dev) << 32) | (uint64(st.Dev) >> 32)
	swappedRoot := (rootDev << 32) | (rootDev >> 32)
	return gofuse.StableAttr{
		Mode: uint32(st.Mode),
		Gen:  1,
		Ino:  (swapped ^ swappedRoot) ^ st.Ino,
	}
}

// virtualPath returns the node's path relative to the mount root, with
// a leading "/", the form every sidecar and WORM lookup keys on.
func (n *Node) virtualPath() string {
	rel := n.Path(n.Root())
	if rel == "" {
		return "/"
	}
	return "/" + rel
}

func (n *Node) childPath(name string) string {
	return path.Join(n.virtualPath(), name)
}

func (n *Node) newChild() *Node {
	return &Node{
		LoopbackNode: gofuse.LoopbackNode{RootData: n.RootData},
		engine:       n.engine,
	}
}

// Open implements the W-fresh / W-append / R-unverified open
// transitions: a truncating writer open starts a fresh accumulator at
// the digest offset basis, a non-truncating writer open seeds the
// accumulator from the file's current content (verifying it against
// the stored digest first unless the mount runs in relaxed-open mode),
// and a read-only open defers verification to the first read.
func (n *Node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	virtual := n.virtualPath()
	flags &^= syscall.O_APPEND

	truncating := flags&syscall.O_TRUNC != 0
	if truncating && n.engine.WORM.IsAppendOnly(virtual) {
		return nil, 0, syscall.EPERM
	}

	fullPath := n.engine.Mapper.Backing(virtual)
	fd, err := syscall.Open(fullPath, int(flags), 0)
	if err != nil {
		return nil, 0, gofuse.ToErrno(err)
	}

	if flags&syscall.O_ACCMODE == syscall.O_RDONLY {
		h := n.engine.Handles.OpenReader(virtual)
		return newFileHandle(n.engine, virtual, fd, h), 0, 0
	}

	if truncating {
		h, err := n.engine.Handles.OpenWriter(virtual, handletable.RoleWriterFresh, digest.OffsetBasis)
		if err != nil {
			syscall.Close(fd)
			return nil, 0, syscall.EBUSY
		}
		return newFileHandle(n.engine, virtual, fd, h), 0, 0
	}

	seed, errno := n.engine.verifyForAppendOpen(ctx, virtual, fullPath)
	if errno != 0 {
		syscall.Close(fd)
		return nil, 0, errno
	}
	h, err := n.engine.Handles.OpenWriter(virtual, handletable.RoleWriterAppend, seed)
	if err != nil {
		syscall.Close(fd)
		return nil, 0, syscall.EBUSY
	}
	return newFileHandle(n.engine, virtual, fd, h), 0, 0
}

// Create always starts a W-fresh handle: the file did not exist a
// moment ago, so there is nothing on disk to verify against.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	virtual := n.childPath(name)
	if n.engine.WORM.IsAppendOnly(virtual) {
		return nil, nil, 0, syscall.EPERM
	}
	fullPath := n.engine.Mapper.Backing(virtual)

	flags &^= syscall.O_APPEND
	fd, err := syscall.Open(fullPath, int(flags)|syscall.O_CREAT, mode)
	if err != nil {
		return nil, nil, 0, gofuse.ToErrno(err)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		syscall.Close(fd)
		return nil, nil, 0, gofuse.ToErrno(err)
	}
	out.Attr.FromStat(&st)

	h, err := n.engine.Handles.OpenWriter(virtual, handletable.RoleWriterFresh, digest.OffsetBasis)
	if err != nil {
		syscall.Close(fd)
		return nil, nil, 0, syscall.EBUSY
	}

	child := n.NewInode(ctx, n.newChild(), idFromStat(n.RootData.Dev, &st))
	return child, newFileHandle(n.engine, virtual, fd, h), 0, 0
}

// Unlink rejects removal under a WORM subtree and otherwise cleans up
// every sidecar row recorded for the removed path, per invariant I4.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	virtual := n.childPath(name)
	if n.engine.WORM.IsAppendOnly(virtual) {
		return syscall.EPERM
	}

	fullPath := n.engine.Mapper.Backing(virtual)
	if err := syscall.Unlink(fullPath); err != nil {
		return gofuse.ToErrno(err)
	}

	var sidecarErr error
	if err := n.engine.Sidecar.DelXattrs(ctx, virtual); err != nil {
		sidecarErr = err
	}
	if err := n.engine.Sidecar.DelDigest(ctx, virtual); err != nil {
		sidecarErr = err
	}
	if err := n.engine.Sidecar.DelBlocks(ctx, virtual); err != nil {
		sidecarErr = err
	}
	if sidecarErr != nil {
		n.engine.Logger.Error("sidecar cleanup failed on unlink", "path", virtual, "error", sidecarErr)
		return syscall.EIO
	}
	return 0
}

// Rename rejects a move into or out of a WORM subtree and otherwise
// relabels the moved path's sidecar rows and open handles in lockstep
// with the backing rename.
func (n *Node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	fromVirtual := n.childPath(name)

	newParentNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	toVirtual := newParentNode.childPath(newName)

	if n.engine.WORM.IsAppendOnly(fromVirtual) || n.engine.WORM.IsAppendOnly(toVirtual) {
		return syscall.EPERM
	}

	fromFull := n.engine.Mapper.Backing(fromVirtual)
	toFull := n.engine.Mapper.Backing(toVirtual)
	if err := syscall.Rename(fromFull, toFull); err != nil {
		return gofuse.ToErrno(err)
	}

	if err := n.engine.Sidecar.RenamePath(ctx, fromVirtual, toVirtual); err != nil {
		n.engine.Logger.Error("sidecar rename failed", "from", fromVirtual, "to", toVirtual, "error", err)
		return syscall.EIO
	}
	n.engine.Handles.RenamePath(fromVirtual, toVirtual)
	return 0
}

// Setattr rejects a size change under a WORM subtree outright (a
// truncate, whether it grows or shrinks the file, is not an append)
// and otherwise lets the embedded loopback node perform the change
// before reconciling the sidecar's recorded digests with the new
// content.
func (n *Node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	virtual := n.virtualPath()
	newSize, truncating := in.GetSize()

	if truncating && n.engine.WORM.IsAppendOnly(virtual) {
		return syscall.EPERM
	}

	errno := n.LoopbackNode.Setattr(ctx, f, in, out)
	if errno != 0 || !truncating {
		return errno
	}
	return n.engine.onTruncated(ctx, virtual, int64(newSize))
}

// Getxattr, Setxattr, Removexattr, and Listxattr route the overlay's
// extended-attribute namespace entirely through the sidecar store
// rather than the backing filesystem's real xattrs, since the
// metadata table is the attribute store the mount exposes.

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	virtual := n.virtualPath()
	value, found, err := n.engine.Sidecar.GetXattr(ctx, virtual, attr)
	if err != nil {
		n.engine.Logger.Error("sidecar get xattr failed", "path", virtual, "key", attr, "error", err)
		return 0, syscall.EIO
	}
	if !found {
		return 0, syscall.ENODATA
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	virtual := n.virtualPath()
	value := append([]byte(nil), data...)
	if err := n.engine.Sidecar.PutXattr(ctx, virtual, attr, value); err != nil {
		n.engine.Logger.Error("sidecar put xattr failed", "path", virtual, "key", attr, "error", err)
		return syscall.EIO
	}
	return 0
}

func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	virtual := n.virtualPath()
	removed, err := n.engine.Sidecar.DelXattr(ctx, virtual, attr)
	if err != nil {
		n.engine.Logger.Error("sidecar remove xattr failed", "path", virtual, "key", attr, "error", err)
		return syscall.EIO
	}
	if !removed {
		return syscall.ENODATA
	}
	return 0
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	virtual := n.virtualPath()
	keys, err := n.engine.Sidecar.ListXattr(ctx, virtual)
	if err != nil {
		n.engine.Logger.Error("sidecar list xattr failed", "path", virtual, "error", err)
		return 0, syscall.EIO
	}

	var size uint32
	for _, k := range keys {
		size += uint32(len(k)) + 1
	}
	if len(dest) == 0 {
		return size, 0
	}
	if uint32(len(dest)) < size {
		return size, syscall.ERANGE
	}
	offset := 0
	for _, k := range keys {
		offset += copy(dest[offset:], k)
		dest[offset] = 0
		offset++
	}
	return size, 0
}
