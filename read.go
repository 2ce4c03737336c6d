package forestfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mwantia/forestfs/data"
)

// Read performs a point-in-time disk read of a directory and
// reconciles the in-memory tree with it: added, removed, renamed and
// moved entries are applied, the chronological ordering repositions
// files whose mtime changed, and the fingerprint map follows hash
// changes. This is the single point where index and disk meet; every
// mutating operation re-reads the affected directory before reporting
// success.
//
// The returned slice lists the reconciled children in name order.
func (f *Forest) Read(dir *Node) ([]*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readDirectory(dir)
}

func (f *Forest) readDirectory(dir *Node) ([]*Node, error) {
	if !dir.IsDirectory() {
		return nil, fmt.Errorf("%w: %s", data.ErrIsDirectory, dir.Name)
	}

	path := f.abspath(dir)
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", data.ErrNotFound, path)
		}
		return nil, err
	}

	seen := make(map[string]struct{}, len(entries))
	result := make([]*Node, 0, len(entries))

	for _, ent := range entries {
		name := ent.Name()
		stat, err := f.xs.Read(filepath.Join(path, name))
		if err != nil {
			// Entry vanished between list and stat, or the record is
			// unreadable; it will be picked up by the next read.
			f.log.Warn("skipping %s/%s: %v", path, name, err)
			continue
		}

		node := f.nodes[stat.UUID]
		if node == nil {
			node = newNode(name, stat)
			node.parent = dir.UUID
			f.nodes[node.UUID] = node
			dir.children.Set(name, node.UUID)
			if !node.IsDirectory() {
				f.indexFile(node)
				f.adoptMedia(node)
			}
		} else {
			f.reattach(dir, node, name, stat)
		}

		seen[stat.UUID] = struct{}{}
		result = append(result, node)
	}

	// Entries listed in memory but no longer on disk
	type doomed struct {
		name string
		uuid string
	}
	var gone []doomed
	dir.children.Scan(func(name, uuid string) bool {
		if _, ok := seen[uuid]; !ok {
			gone = append(gone, doomed{name, uuid})
		}
		return true
	})
	for _, d := range gone {
		dir.children.Delete(d.name)
		if n := f.nodes[d.uuid]; n != nil {
			f.unindex(n)
		}
	}

	return result, nil
}

// reattach reconciles an already-known node observed under dir with
// the given name: a rename within dir, a move from another directory,
// or a plain metadata refresh.
func (f *Forest) reattach(dir *Node, node *Node, name string, stat *data.Stat) {
	if node.parent != dir.UUID {
		if old := f.nodes[node.parent]; old != nil && old.children != nil {
			old.children.Delete(node.Name)
		}
		node.parent = dir.UUID
	} else if node.Name != name {
		dir.children.Delete(node.Name)
	}
	node.Name = name
	dir.children.Set(name, node.UUID)

	if node.IsDirectory() {
		node.applyStat(stat)
		return
	}

	if node.Mtime != stat.Mtime || node.Hash != stat.Hash {
		// Timeline position and fingerprint membership key off mtime
		// and hash; reposition by remove-and-reinsert.
		f.unindexFile(node)
		node.applyStat(stat)
		f.indexFile(node)
		f.adoptMedia(node)
	} else {
		node.applyStat(stat)
	}
}

// adoptMedia copies media metadata from a fingerprint sibling when one
// already has it, otherwise hands the file to the probe hook.
func (f *Forest) adoptMedia(n *Node) {
	if n.Hash == "" || n.Media != nil {
		return
	}

	for uuid := range f.prints[n.Hash] {
		if sib := f.nodes[uuid]; sib != nil && sib.Media != nil {
			n.Media = sib.Media
			return
		}
	}

	if f.OnFileIndexed != nil {
		f.OnFileIndexed(f.abspath(n), n.Hash, false)
	}
}
