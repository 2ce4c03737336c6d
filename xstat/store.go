// Package xstat reads and writes the persistent per-entry record that
// gives every indexed file and directory its durable identity. The
// canonical backend keeps the record in a filesystem extended
// attribute, so identity travels with the inode through renames and
// survives process restarts without any database.
package xstat

import (
	"os"

	"github.com/google/uuid"
	"github.com/mwantia/forestfs/data"
)

// AttrName is the extended attribute holding the JSON-encoded record.
const AttrName = "user.forestfs"

// Store is the atomic read/write oracle for per-entry records.
// All paths are absolute paths on the real filesystem.
type Store interface {
	// Read returns the record for path, lazily assigning a fresh
	// identity when none exists. Size and Mtime are refreshed from the
	// on-disk stat; a content hash whose capture time no longer matches
	// the on-disk mtime is dropped as stale.
	Read(path string) (*data.Stat, error)

	// Write replaces the record for path.
	Write(path string, s *data.Stat) error

	// Rename informs the store that the subtree rooted at oldPath now
	// lives at newPath. A no-op for backends whose records travel with
	// the inode.
	Rename(oldPath, newPath string) error

	// Remove drops any records under path.
	Remove(path string) error
}

// freshStat builds a new record for a first-observed entry.
func freshStat(fi os.FileInfo) *data.Stat {
	s := &data.Stat{
		UUID:  uuid.NewString(),
		Type:  data.TypeFile,
		Mtime: fi.ModTime().UnixMilli(),
	}
	if fi.IsDir() {
		s.Type = data.TypeDirectory
	} else {
		s.Size = fi.Size()
	}
	return s
}

// refreshStat reconciles a stored record with the current on-disk
// stat. It returns true when the record changed and must be persisted.
// A type flip (file replaced by directory or vice versa) discards the
// old identity entirely.
func refreshStat(s *data.Stat, fi os.FileInfo) (*data.Stat, bool) {
	isDir := s.Type == data.TypeDirectory
	if isDir != fi.IsDir() {
		return freshStat(fi), true
	}

	mtime := fi.ModTime().UnixMilli()
	dirty := false

	if s.Type == data.TypeFile {
		if s.Size != fi.Size() {
			s.Size = fi.Size()
			dirty = true
		}
		if s.Hash != "" && s.Htime != mtime {
			// Out-of-band write since the hash was captured
			s.Hash = ""
			s.Htime = 0
			dirty = true
		}
	}
	if s.Mtime != mtime {
		s.Mtime = mtime
		dirty = true
	}

	return s, dirty
}
