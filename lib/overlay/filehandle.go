package overlay

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vaultfs/vaultfs/lib/digest"
	"github.com/vaultfs/vaultfs/lib/handletable"
)

// fileHandle is the overlay's file-handle-level state: the backing
// file descriptor plus the integrity-engine handle tracking its role,
// running accumulator, and read-verification cache.
type fileHandle struct {
	engine  *Engine
	virtual string
	fd      int
	handle  *handletable.Handle
}

var (
	_ gofuse.FileReader   = (*fileHandle)(nil)
	_ gofuse.FileWriter   = (*fileHandle)(nil)
	_ gofuse.FileReleaser = (*fileHandle)(nil)
)

func newFileHandle(engine *Engine, virtual string, fd int, handle *handletable.Handle) *fileHandle {
	return &fileHandle{engine: engine, virtual: virtual, fd: fd, handle: handle}
}

// Read verifies before serving, for reader handles only: writer
// handles are their own authoritative view of the content they are in
// the middle of producing. Whole-file mode verifies once per handle
// and caches the result; block mode re-checks only the blocks the
// read actually touches, since that check is cheap per block.
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if fh.handle.Role() == handletable.RoleReader {
		var errno syscall.Errno
		if fh.engine.ChecksumMode == BlockIndexedChecksums {
			errno = fh.verifyBlocksTouched(ctx, off, int64(len(dest)))
		} else {
			errno = fh.verifyWholeFile(ctx)
		}
		if errno != 0 {
			return nil, errno
		}
	}

	n, err := syscall.Pread(fh.fd, dest, off)
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *fileHandle) verifyWholeFile(ctx context.Context) syscall.Errno {
	switch fh.handle.Verification() {
	case handletable.VerifiedOK:
		return 0
	case handletable.VerifiedBad:
		return syscall.EIO
	}

	fullPath := fh.engine.Mapper.Backing(fh.virtual)
	current, err := fh.engine.computeDigest(fullPath)
	if err != nil {
		fh.engine.Logger.Error("digest compute failed on read", "path", fh.virtual, "error", err)
		fh.handle.SetVerification(handletable.VerifiedOK)
		return 0
	}

	stored, found, err := fh.engine.Sidecar.GetDigest(ctx, fh.virtual)
	if err != nil {
		fh.engine.Logger.Error("sidecar get digest failed on read", "path", fh.virtual, "error", err)
		fh.handle.SetVerification(handletable.VerifiedOK)
		return 0
	}

	if !found || stored == digest.Format(current) {
		fh.handle.SetVerification(handletable.VerifiedOK)
		return 0
	}
	fh.handle.SetVerification(handletable.VerifiedBad)
	return syscall.EIO
}

func (fh *fileHandle) verifyBlocksTouched(ctx context.Context, off, length int64) syscall.Errno {
	if length <= 0 {
		return 0
	}
	start := digest.BlockIndex(off)
	end := digest.BlockIndex(off + length - 1)

	buf := make([]byte, digest.BlockSize)
	for index := start; index <= end; index++ {
		n, err := syscall.Pread(fh.fd, buf, digest.BlockStart(index))
		if err != nil {
			return gofuse.ToErrno(err)
		}
		if n == 0 {
			continue
		}

		stored, found, err := fh.engine.Sidecar.GetBlock(ctx, fh.virtual, index)
		if err != nil {
			fh.engine.Logger.Error("sidecar get block failed on read", "path", fh.virtual, "block", index, "error", err)
			continue
		}
		if !found {
			continue
		}
		actual := digest.Format(digest.Fold(digest.OffsetBasis, buf[:n]))
		if actual != stored {
			return syscall.EIO
		}
	}
	return 0
}

// Write folds the written bytes into the handle's running accumulator
// in whole-file mode, or runs the block-indexed read-verify-rewrite
// cycle per touched block in block mode.
func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if fh.engine.ChecksumMode == BlockIndexedChecksums {
		return fh.writeBlocks(ctx, data, off)
	}

	n, err := syscall.Pwrite(fh.fd, data, off)
	if err != nil {
		return 0, gofuse.ToErrno(err)
	}
	fh.handle.Fold(data[:n], digest.Fold)
	return uint32(n), 0
}

// writeBlocks updates one 4096-byte block at a time: read the block's
// current content, check it against its last recorded digest if one
// exists, splice in the new bytes, rewrite the block, and store its
// new digest. A mismatch on the read-back half stops the write at the
// first corrupted block rather than silently overwriting evidence of
// out-of-band tampering.
func (fh *fileHandle) writeBlocks(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	var written int
	for written < len(data) {
		current := off + int64(written)
		index := digest.BlockIndex(current)
		blockStart := digest.BlockStart(index)
		offsetInBlock := current - blockStart

		chunk := data[written:]
		if remain := int64(digest.BlockSize) - offsetInBlock; int64(len(chunk)) > remain {
			chunk = chunk[:remain]
		}

		block := make([]byte, digest.BlockSize)
		existingLen, err := syscall.Pread(fh.fd, block, blockStart)
		if err != nil {
			return uint32(written), gofuse.ToErrno(err)
		}

		if existingLen > 0 {
			stored, found, err := fh.engine.Sidecar.GetBlock(ctx, fh.virtual, index)
			if err != nil {
				fh.engine.Logger.Error("sidecar get block failed on write", "path", fh.virtual, "block", index, "error", err)
			} else if found {
				actual := digest.Format(digest.Fold(digest.OffsetBasis, block[:existingLen]))
				if actual != stored {
					return uint32(written), syscall.EIO
				}
			}
		}

		copy(block[offsetInBlock:], chunk)
		newLen := int(offsetInBlock) + len(chunk)
		if newLen < existingLen {
			newLen = existingLen
		}

		if _, err := syscall.Pwrite(fh.fd, block[:newLen], blockStart); err != nil {
			return uint32(written), gofuse.ToErrno(err)
		}

		newDigest := digest.Format(digest.Fold(digest.OffsetBasis, block[:newLen]))
		if err := fh.engine.Sidecar.PutBlock(ctx, fh.virtual, index, newDigest); err != nil {
			fh.engine.Logger.Error("sidecar put block failed on write", "path", fh.virtual, "block", index, "error", err)
			return uint32(written), syscall.EIO
		}

		written += len(chunk)
	}
	return uint32(written), 0
}

// Release closes the backing descriptor and, for writer handles in
// whole-file mode, flushes the accumulated digest to the sidecar.
// Block mode needs no handle-level flush: each write already persisted
// its block's digest as it went.
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	role, finalDigest := fh.engine.Handles.Close(fh.handle)
	closeErr := syscall.Close(fh.fd)

	if role != handletable.RoleReader && fh.engine.ChecksumMode == WholeFileChecksums {
		if err := fh.engine.Sidecar.PutDigest(ctx, fh.virtual, digest.Format(finalDigest)); err != nil {
			fh.engine.Logger.Error("sidecar put digest failed on release", "path", fh.virtual, "error", err)
			return syscall.EIO
		}
	}
	if closeErr != nil {
		return gofuse.ToErrno(closeErr)
	}
	return 0
}
