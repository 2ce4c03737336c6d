// Package forestfs implements the virtual-filesystem and indexing core
// of a personal storage appliance. It overlays a queryable, tag- and
// time-aware in-memory index on top of real on-disk directory trees
// (drives), keeps that index reconciled through directory reads, and
// performs every mutating operation crash-consistently through
// temp-plus-rename and copy-on-write primitives.
package forestfs

import (
	"slices"

	"github.com/mwantia/forestfs/data"
	"github.com/tidwall/btree"
)

// Node is one entry of a drive's in-memory tree. A single struct
// carries both directory and file variants; the Forest is the sole
// owner of every Node, and parent/child relations are uuid references
// resolved through it rather than raw pointers.
type Node struct {
	UUID string
	Name string
	Type data.EntryType

	// Modification time in unix milliseconds. Negative marks a node as
	// provisionally detached, observed in memory but not yet confirmed
	// on disk.
	Mtime int64

	// UUID of the owning directory, empty for roots
	parent string

	// Directory variant
	children *btree.Map[string, string] // name -> child uuid
	Archived bool
	Bctime   int64
	Bmtime   int64

	// File variant
	Size  int64
	Hash  string
	Tags  []int
	Media *data.MediaMeta
}

func (n *Node) IsDirectory() bool {
	return n.Type == data.TypeDirectory
}

// newNode builds a Node from a persistent record.
func newNode(name string, stat *data.Stat) *Node {
	n := &Node{
		UUID:  stat.UUID,
		Name:  name,
		Type:  stat.Type,
		Mtime: stat.Mtime,
	}
	if stat.Type == data.TypeDirectory {
		n.children = btree.NewMap[string, string](0)
		n.Archived = stat.Archived
		n.Bctime = stat.Bctime
		n.Bmtime = stat.Bmtime
	} else {
		n.Size = stat.Size
		n.Hash = stat.Hash
		n.Tags = slices.Clone(stat.Tags)
	}
	return n
}

// applyStat refreshes the node's cached metadata from a re-read
// record. Identity and type never change here.
func (n *Node) applyStat(stat *data.Stat) {
	n.Mtime = stat.Mtime
	if n.IsDirectory() {
		n.Archived = stat.Archived
		n.Bctime = stat.Bctime
		n.Bmtime = stat.Bmtime
		return
	}
	n.Size = stat.Size
	n.Hash = stat.Hash
	n.Tags = slices.Clone(stat.Tags)
}
