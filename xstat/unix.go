package xstat

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"

	"github.com/mwantia/forestfs/data"
	"golang.org/x/sys/unix"
)

// UnixStore keeps records in the user.forestfs extended attribute.
// Records follow the inode through renames, so Rename and Remove are
// no-ops here.
type UnixStore struct{}

func NewUnixStore() *UnixStore {
	return &UnixStore{}
}

func (us *UnixStore) Read(path string) (*data.Stat, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", data.ErrNotFound, path)
		}
		return nil, err
	}

	stat, ok := readAttr(path)
	if !ok {
		stat = freshStat(fi)
		if err := us.Write(path, stat); err != nil {
			return nil, err
		}
		return stat, nil
	}

	stat, dirty := refreshStat(stat, fi)
	if dirty {
		if err := us.Write(path, stat); err != nil {
			return nil, err
		}
	}

	return stat, nil
}

func (us *UnixStore) Write(path string, s *data.Stat) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}

	if err := unix.Setxattr(path, AttrName, raw, 0); err != nil {
		if err == unix.ENOENT {
			return fmt.Errorf("%w: %s", data.ErrNotFound, path)
		}
		return &fs.PathError{Op: "setxattr", Path: path, Err: err}
	}
	return nil
}

func (us *UnixStore) Rename(oldPath, newPath string) error {
	return nil
}

func (us *UnixStore) Remove(path string) error {
	return nil
}

// readAttr fetches and decodes the record attribute. Missing or
// corrupt attributes read as absent, forcing a fresh identity.
func readAttr(path string) (*data.Stat, bool) {
	size, err := unix.Getxattr(path, AttrName, nil)
	if err != nil || size <= 0 {
		return nil, false
	}

	buf := make([]byte, size)
	n, err := unix.Getxattr(path, AttrName, buf)
	if err != nil || n <= 0 {
		return nil, false
	}

	var stat data.Stat
	if err := json.Unmarshal(buf[:n], &stat); err != nil {
		return nil, false
	}
	if stat.UUID == "" {
		return nil, false
	}

	return &stat, true
}

// Supported probes whether path's filesystem accepts user extended
// attributes. Useful for falling back to another Store at startup.
func Supported(path string) bool {
	err := unix.Setxattr(path, "user.forestfs-probe", []byte{1}, 0)
	if err != nil {
		return false
	}
	unix.Removexattr(path, "user.forestfs-probe")
	return true
}
