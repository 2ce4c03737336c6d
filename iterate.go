package forestfs

import "github.com/mwantia/forestfs/data"

// IterCursor resumes a depth-first walk. Namepath addresses the last
// node visited by the previous walk, relative to the place the walk
// started from; Type records whether that node was a file or a
// directory, which decides whether resumption descends into it or
// continues past it.
type IterCursor struct {
	Namepath []string       `json:"namepath"`
	Type     data.EntryType `json:"type"`
}

// Iterate walks the subtree under place depth-first in name order,
// parents before children, invoking visit with each node and its
// namepath relative to place. A visitor returning false stops the
// walk; Iterate reports whether that happened, which distinguishes
// "page full" from "subtree exhausted" for pagination.
//
// With a cursor, nodes at or before the cursor position are not
// revisited: a file cursor resumes with the next sibling, a directory
// cursor resumes inside that directory. A cursor naming an entry that
// has since disappeared resumes at the next name in order.
func (f *Forest) Iterate(place *Node, cursor *IterCursor, visit func(n *Node, namepath []string) bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	var resume []string
	resumeDir := false
	if cursor != nil && len(cursor.Namepath) > 0 {
		resume = cursor.Namepath
		resumeDir = cursor.Type == data.TypeDirectory
	}

	return f.iterate(place, nil, resume, resumeDir, visit)
}

func (f *Forest) iterate(dir *Node, prefix, resume []string, resumeDir bool, visit func(*Node, []string) bool) bool {
	if dir.children == nil {
		return false
	}

	stopped := false
	dir.children.Scan(func(name, uuid string) bool {
		child := f.nodes[uuid]
		if child == nil {
			return true
		}

		namepath := make([]string, len(prefix)+1)
		copy(namepath, prefix)
		namepath[len(prefix)] = name

		if len(resume) > 0 {
			head := resume[0]
			switch {
			case name < head:
				return true

			case name == head:
				if len(resume) > 1 {
					// Cursor continues below this child
					if child.IsDirectory() && f.iterate(child, namepath, resume[1:], resumeDir, visit) {
						stopped = true
						return false
					}
				} else if resumeDir && child.IsDirectory() {
					// Cursor is this directory, already visited but not
					// yet descended into
					if f.iterate(child, namepath, nil, false, visit) {
						stopped = true
						return false
					}
				}
				resume = nil
				return true

			default:
				// Cursor entry vanished; everything from here on is new
				resume = nil
			}
		}

		if !visit(child, namepath) {
			stopped = true
			return false
		}
		if child.IsDirectory() && f.iterate(child, namepath, nil, false, visit) {
			stopped = true
			return false
		}
		return true
	})

	return stopped
}
