// Package storage implements the primitive, policy-aware filesystem
// operations the index core builds on: create-directory,
// create-file-from-temp, move, copy-on-write clone and extent-level
// concatenation. Every primitive is atomic as observed by a reader,
// either through temp-plus-rename or a COW ioctl.
package storage

import (
	"io"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Cloner abstracts the copy-on-write features this core expects from
// the underlying filesystem. UnixCloner uses the clone ioctls directly;
// PortableCloner emulates them with full data copies on filesystems
// that lack reflink support.
type Cloner interface {
	// Clone replaces dst's content with an independent-identity copy
	// of src. With COW support no data is physically duplicated until
	// one side is modified.
	Clone(dst, src *os.File) error

	// AppendTo places src's content after the first dstSize bytes of
	// dst. With COW support this is an extent-level concatenation, and
	// dstSize must sit on a filesystem block boundary.
	AppendTo(dst, src *os.File, dstSize int64) error
}

// UnixCloner drives FICLONE / FICLONERANGE. Requires a filesystem with
// reflink support (btrfs, xfs).
type UnixCloner struct{}

func (UnixCloner) Clone(dst, src *os.File) error {
	if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
		return &fs.PathError{Op: "clone", Path: dst.Name(), Err: err}
	}
	return nil
}

func (UnixCloner) AppendTo(dst, src *os.File, dstSize int64) error {
	rng := unix.FileCloneRange{
		Src_fd:      int64(src.Fd()),
		Src_offset:  0,
		Src_length:  0, // zero means through end of source
		Dest_offset: uint64(dstSize),
	}
	if err := unix.IoctlFileCloneRange(int(dst.Fd()), &rng); err != nil {
		return &fs.PathError{Op: "clonerange", Path: dst.Name(), Err: err}
	}
	return nil
}

// PortableCloner copies byte-for-byte. Correct everywhere, shares
// nothing.
type PortableCloner struct{}

func (PortableCloner) Clone(dst, src *os.File) error {
	if err := dst.Truncate(0); err != nil {
		return err
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(dst, src)
	return err
}

func (PortableCloner) AppendTo(dst, src *os.File, dstSize int64) error {
	if _, err := dst.Seek(dstSize, io.SeekStart); err != nil {
		return err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(dst, src)
	return err
}
