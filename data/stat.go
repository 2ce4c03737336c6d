package data

import "slices"

// Stat is the persistent per-entry record attached to each file and
// directory through filesystem extended attributes. It is the durable
// identity of an entry: the in-memory index is rebuilt from directory
// reads plus these records, never from a database.
type Stat struct {
	// Stable identity, generated once on first observation
	UUID string `json:"uuid"`

	// Object type, file or directory
	Type EntryType `json:"type"`

	// Content fingerprint (hex sha256), files only.
	// Empty when unknown or invalidated by an out-of-band write.
	Hash string `json:"hash,omitempty"`

	// Modification time (unix milliseconds) at which Hash was captured.
	// A Hash is only trusted while this matches the on-disk mtime.
	Htime int64 `json:"htime,omitempty"`

	// Size in bytes, files only
	Size int64 `json:"size,omitempty"`

	// Modification time in unix milliseconds. Negative marks an entry
	// as provisionally detached, not yet confirmed on disk.
	Mtime int64 `json:"mtime"`

	// Tag ids referencing records in the roster tag store
	Tags []int `json:"tags,omitempty"`

	// Archival bookkeeping, backup drives only
	Archived bool  `json:"archived,omitempty"`
	Bctime   int64 `json:"bctime,omitempty"`
	Bmtime   int64 `json:"bmtime,omitempty"`
}

// Clone returns a deep copy of the record.
func (s *Stat) Clone() *Stat {
	c := *s
	c.Tags = slices.Clone(s.Tags)
	return &c
}

// HasTags reports whether the record carries every tag in want.
func (s *Stat) HasTags(want []int) bool {
	for _, t := range want {
		if !slices.Contains(s.Tags, t) {
			return false
		}
	}
	return true
}
