package overlay

import (
	"context"
	"io"
	"os"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"

	"github.com/vaultfs/vaultfs/lib/digest"
)

// computeDigest opens a fresh read-only descriptor on fullPath and
// folds its entire current content, independent of whatever
// descriptor a caller may already hold open on the same file.
func (e *Engine) computeDigest(fullPath string) (uint64, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return digest.Sum64(f)
}

// verifyForAppendOpen computes the file's current digest and, in
// strict open mode, rejects the open if it disagrees with the last
// digest the sidecar recorded. It returns the digest either way, to
// seed the new writer handle's accumulator.
func (e *Engine) verifyForAppendOpen(ctx context.Context, virtual, fullPath string) (seed uint64, errno syscall.Errno) {
	current, err := e.computeDigest(fullPath)
	if err != nil {
		return 0, gofuse.ToErrno(err)
	}
	if e.OpenMode == RelaxedOpen {
		return current, 0
	}

	stored, found, err := e.Sidecar.GetDigest(ctx, virtual)
	if err != nil {
		e.Logger.Error("sidecar get digest failed on append open", "path", virtual, "error", err)
		return current, 0
	}
	if found && stored != digest.Format(current) {
		return 0, syscall.EIO
	}
	return current, 0
}

// onTruncated reconciles the sidecar's recorded digests with a
// successful truncate: in whole-file mode it recomputes the single
// digest and rewinds every other writer currently open on the path to
// match, and in block mode it prunes hash rows past the new end of
// file and rehashes the new tail block if the new size does not land
// on a block boundary.
func (e *Engine) onTruncated(ctx context.Context, virtual string, newSize int64) syscall.Errno {
	fullPath := e.Mapper.Backing(virtual)

	if e.ChecksumMode == BlockIndexedChecksums {
		if newSize == 0 {
			if err := e.Sidecar.DelBlocks(ctx, virtual); err != nil {
				e.Logger.Error("sidecar del blocks failed on truncate", "path", virtual, "error", err)
				return syscall.EIO
			}
			return 0
		}
		lastIndex := digest.BlockIndex(newSize - 1)
		if err := e.Sidecar.DelBlocksAfter(ctx, virtual, lastIndex); err != nil {
			e.Logger.Error("sidecar del blocks after failed on truncate", "path", virtual, "error", err)
			return syscall.EIO
		}
		if newSize%digest.BlockSize != 0 {
			if err := e.rehashTailBlock(ctx, virtual, fullPath, lastIndex); err != nil {
				e.Logger.Error("rehash tail block failed on truncate", "path", virtual, "error", err)
				return syscall.EIO
			}
		}
		return 0
	}

	newDigest, err := e.computeDigest(fullPath)
	if err != nil {
		e.Logger.Error("digest recompute failed on truncate", "path", virtual, "error", err)
		return syscall.EIO
	}
	if err := e.Sidecar.PutDigest(ctx, virtual, digest.Format(newDigest)); err != nil {
		e.Logger.Error("sidecar put digest failed on truncate", "path", virtual, "error", err)
		return syscall.EIO
	}
	for _, h := range e.Handles.WritersFor(virtual) {
		h.ResetAccumulator(newDigest)
	}
	return 0
}

func (e *Engine) rehashTailBlock(ctx context.Context, virtual, fullPath string, index int64) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, digest.BlockSize)
	n, err := f.ReadAt(buf, digest.BlockStart(index))
	if err != nil && err != io.EOF {
		return err
	}
	sum := digest.Fold(digest.OffsetBasis, buf[:n])
	return e.Sidecar.PutBlock(ctx, virtual, index, digest.Format(sum))
}
