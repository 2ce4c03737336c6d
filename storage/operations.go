package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mwantia/forestfs/data"
	"github.com/mwantia/forestfs/log"
	"github.com/mwantia/forestfs/xstat"
	"golang.org/x/sys/unix"
)

// Ops bundles the storage primitives with the identity store, the
// cloner and the temp directory used for staging. The temp directory
// must live on the same filesystem as the managed trees so that rename
// and clone stay atomic and cheap.
type Ops struct {
	XS     xstat.Store
	Cloner Cloner
	TmpDir string
	Log    *log.Logger
}

func NewOps(xs xstat.Store, cloner Cloner, tmpDir string, logger *log.Logger) *Ops {
	return &Ops{
		XS:     xs,
		Cloner: cloner,
		TmpDir: tmpDir,
		Log:    logger,
	}
}

// Mkdir creates a named directory under dirPath with a fresh identity.
// The directory is staged in the temp dir with its extended-attribute
// record already set, then renamed into place, so readers either see a
// fully-identified directory or nothing.
func (o *Ops) Mkdir(dirPath, name string, policy data.Policy) (*data.Resolution, error) {
	if err := data.ValidateName(name); err != nil {
		return nil, err
	}

	res, err := o.resolve(dirPath, name, data.TypeDirectory, policy)
	if err != nil || res.Status == data.ResolveSkipped {
		return res, err
	}

	tmp, err := os.MkdirTemp(o.TmpDir, "mkdir-")
	if err != nil {
		return nil, err
	}

	stat := &data.Stat{
		UUID:  uuid.NewString(),
		Type:  data.TypeDirectory,
		Mtime: time.Now().UnixMilli(),
	}
	if err := o.XS.Write(tmp, stat); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	target := filepath.Join(dirPath, res.Name)
	if err := renameNoReplace(tmp, target); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := o.XS.Rename(tmp, target); err != nil {
		return nil, err
	}

	res.UUID = stat.UUID
	o.Log.Debug("mkdir %s in %s (%s)", res.Name, dirPath, res.UUID)
	return res, nil
}

// NewFile moves a fully written temp file into dirPath under name.
// The caller is responsible for having verified the content hash of
// tmpPath; the hash is captured into the identity record together with
// the temp file's mtime so later reads can detect out-of-band writes.
func (o *Ops) NewFile(dirPath, name, tmpPath, hash string, policy data.Policy) (*data.Resolution, error) {
	if err := data.ValidateName(name); err != nil {
		return nil, err
	}

	res, err := o.resolve(dirPath, name, data.TypeFile, policy)
	if err != nil || res.Status == data.ResolveSkipped {
		return res, err
	}

	if err := fsyncPath(tmpPath); err != nil {
		return nil, err
	}

	fi, err := os.Lstat(tmpPath)
	if err != nil {
		return nil, err
	}

	stat := &data.Stat{
		UUID:  uuid.NewString(),
		Type:  data.TypeFile,
		Hash:  hash,
		Htime: fi.ModTime().UnixMilli(),
		Size:  fi.Size(),
		Mtime: fi.ModTime().UnixMilli(),
	}
	if err := o.XS.Write(tmpPath, stat); err != nil {
		return nil, err
	}

	target := filepath.Join(dirPath, res.Name)
	if err := renameNoReplace(tmpPath, target); err != nil {
		return nil, err
	}
	if err := o.XS.Rename(tmpPath, target); err != nil {
		return nil, err
	}

	res.UUID = stat.UUID
	o.Log.Debug("newfile %s in %s (%s)", res.Name, dirPath, res.UUID)
	return res, nil
}

// MoveFile moves the file at srcPath into dstDir under name.
func (o *Ops) MoveFile(srcPath, dstDir, name string, policy data.Policy) (*data.Resolution, error) {
	return o.move(srcPath, dstDir, name, data.TypeFile, policy)
}

// MoveDir moves the directory at srcPath into dstDir under name.
func (o *Ops) MoveDir(srcPath, dstDir, name string, policy data.Policy) (*data.Resolution, error) {
	return o.move(srcPath, dstDir, name, data.TypeDirectory, policy)
}

func (o *Ops) move(srcPath, dstDir, name string, typ data.EntryType, policy data.Policy) (*data.Resolution, error) {
	if err := data.ValidateName(name); err != nil {
		return nil, err
	}

	res, err := o.resolve(dstDir, name, typ, policy)
	if err != nil || res.Status == data.ResolveSkipped {
		return res, err
	}

	target := filepath.Join(dstDir, res.Name)
	if err := renameNoReplace(srcPath, target); err != nil {
		return nil, err
	}
	if err := o.XS.Rename(srcPath, target); err != nil {
		return nil, err
	}

	stat, err := o.XS.Read(target)
	if err != nil {
		return nil, err
	}

	res.UUID = stat.UUID
	o.Log.Debug("move %s -> %s", srcPath, target)
	return res, nil
}

// Remove deletes the named entry under dirPath, recursively for
// directories.
func (o *Ops) Remove(dirPath, name string) error {
	if err := data.ValidateName(name); err != nil {
		return err
	}

	target := filepath.Join(dirPath, name)
	if _, err := os.Lstat(target); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", data.ErrNotFound, name)
		}
		return err
	}

	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := o.XS.Remove(target); err != nil {
		return err
	}
	o.Log.Debug("remove %s", target)
	return nil
}

// Clone stages an independent copy of the file at srcPath in the temp
// directory and returns its path. The copy carries no identity record;
// whoever places it assigns one.
func (o *Ops) Clone(srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", data.ErrNotFound, srcPath)
		}
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(o.TmpDir, "clone-")
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if err := o.Cloner.Clone(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Sync(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}

	return dst.Name(), nil
}

// Concat appends the content of srcPath after the current end of the
// temp file at dstPath, using extent-level concatenation when the
// cloner supports it.
func (o *Ops) Concat(dstPath, srcPath string) error {
	dst, err := os.OpenFile(dstPath, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer dst.Close()

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	fi, err := dst.Stat()
	if err != nil {
		return err
	}

	if err := o.Cloner.AppendTo(dst, src, fi.Size()); err != nil {
		return err
	}
	return dst.Sync()
}

// Replace atomically substitutes targetPath's content and identity
// record with the staged file at tmpPath. Used by the append protocol
// after the race check has passed.
func (o *Ops) Replace(tmpPath, targetPath string, stat *data.Stat) error {
	if err := o.XS.Write(tmpPath, stat); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return err
	}
	return o.XS.Rename(tmpPath, targetPath)
}

// resolve applies the conflict policy for placing an entry of the
// given type under dirPath. A nil error with ResolveSkipped means the
// caller must not touch the filesystem and report the existing entry.
func (o *Ops) resolve(dirPath, name string, typ data.EntryType, policy data.Policy) (*data.Resolution, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	target := filepath.Join(dirPath, name)
	fi, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return &data.Resolution{Name: name}, nil
		}
		return nil, err
	}

	action := policy.Diff()
	if fi.IsDir() == (typ == data.TypeDirectory) {
		action = policy.Same()
	}

	switch action {
	case data.PolicyFail:
		return nil, fmt.Errorf("%w: %s", data.ErrConflict, name)

	case data.PolicySkip:
		stat, err := o.XS.Read(target)
		if err != nil {
			return nil, err
		}
		return &data.Resolution{
			Name:   name,
			UUID:   stat.UUID,
			Status: data.ResolveSkipped,
		}, nil

	case data.PolicyRename:
		for n := 2; ; n++ {
			candidate := autoName(name, n, typ)
			if _, err := os.Lstat(filepath.Join(dirPath, candidate)); os.IsNotExist(err) {
				return &data.Resolution{
					Name:   candidate,
					Status: data.ResolveRenamed,
				}, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: unknown policy action %q", data.ErrInvalid, action)
}

// autoName derives the nth disambiguated variant of name. Files keep
// their extension: "photo.jpg" becomes "photo (2).jpg"; directories
// get the suffix appended whole.
func autoName(name string, n int, typ data.EntryType) string {
	if typ == data.TypeDirectory {
		return fmt.Sprintf("%s (%d)", name, n)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}

// renameNoReplace renames without ever clobbering an existing entry.
// rename(2) silently replaces files, so the atomic variant matters for
// racing creates; where RENAME_NOREPLACE is unsupported we fall back
// to a check-then-rename with the small race that implies.
func renameNoReplace(oldPath, newPath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, unix.EEXIST), errors.Is(err, unix.ENOTEMPTY):
		return fmt.Errorf("%w: %s", data.ErrConflict, filepath.Base(newPath))

	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.ENOTSUP):
		if _, statErr := os.Lstat(newPath); statErr == nil {
			return fmt.Errorf("%w: %s", data.ErrConflict, filepath.Base(newPath))
		}
		return os.Rename(oldPath, newPath)
	}

	return &fs.PathError{Op: "rename", Path: newPath, Err: err}
}

func fsyncPath(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}
