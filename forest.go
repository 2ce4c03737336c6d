package forestfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mwantia/forestfs/data"
	"github.com/mwantia/forestfs/log"
	"github.com/mwantia/forestfs/xstat"
	"github.com/tidwall/btree"
)

// TimelineEntry is one position in the forest-wide chronological
// ordering of indexed files, keyed by (mtime, uuid).
type TimelineEntry struct {
	Mtime int64
	UUID  string
}

func timelineLess(a, b TimelineEntry) bool {
	if a.Mtime != b.Mtime {
		return a.Mtime < b.Mtime
	}
	return a.UUID < b.UUID
}

// Forest owns every per-drive node tree plus two secondary orderings:
// a chronological B-tree of all indexed files and a content
// fingerprint map. All nodes live in the uuid table; trees reference
// each other by uuid only.
//
// Index mutations happen in exactly two places: directory reads
// (readDirectory) and root creation/removal. Everything else only
// looks.
type Forest struct {
	mu  sync.Mutex
	xs  xstat.Store
	log *log.Logger

	// On-disk directory holding one tree per drive, named by drive uuid
	drivesDir string

	roots    map[string]*Node
	nodes    map[string]*Node
	timeline *btree.BTreeG[TimelineEntry]
	prints   map[string]map[string]struct{} // hash -> set of file uuids
	backup   map[string]bool                // root uuid -> backup drive

	// Called (still under the forest lock) whenever a file with a known
	// fingerprint enters the index. Used to hand media probing to a
	// worker pool; the hook must not block.
	OnFileIndexed func(path, hash string, hasMedia bool)
}

func NewForest(xs xstat.Store, drivesDir string, logger *log.Logger) *Forest {
	return &Forest{
		xs:        xs,
		log:       logger,
		drivesDir: drivesDir,
		roots:     make(map[string]*Node),
		nodes:     make(map[string]*Node),
		timeline:  btree.NewBTreeG(timelineLess),
		prints:    make(map[string]map[string]struct{}),
		backup:    make(map[string]bool),
	}
}

// CreateRoot adds (and fully indexes) the drive tree rooted at
// drivesDir/<uuid>. The root node's uuid always equals the drive's;
// an on-disk record carrying a different identity is rewritten.
func (f *Forest) CreateRoot(uuid string, isBackup bool) (*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if root, ok := f.roots[uuid]; ok {
		return root, nil
	}

	path := filepath.Join(f.drivesDir, uuid)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}

	stat, err := f.xs.Read(path)
	if err != nil {
		return nil, err
	}
	if stat.UUID != uuid || stat.Type != data.TypeDirectory {
		stat.UUID = uuid
		stat.Type = data.TypeDirectory
		if err := f.xs.Write(path, stat); err != nil {
			return nil, err
		}
	}

	root := newNode(uuid, stat)
	f.roots[uuid] = root
	f.nodes[uuid] = root
	f.backup[uuid] = isBackup

	if err := f.readTree(root); err != nil {
		f.log.Warn("initial index of drive %s incomplete: %v", uuid, err)
	}

	f.log.Info("indexed drive %s (%d nodes)", uuid, len(f.nodes))
	return root, nil
}

// DeleteRoot detaches a drive tree and discards every node beneath
// it. The on-disk tree is left alone; physical removal is the
// caller's decision.
func (f *Forest) DeleteRoot(uuid string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	root, ok := f.roots[uuid]
	if !ok {
		return
	}

	f.unindex(root)
	delete(f.roots, uuid)
	delete(f.backup, uuid)
	f.log.Info("dropped drive %s from index", uuid)
}

// GetNode returns the node with the given uuid, or nil.
func (f *Forest) GetNode(uuid string) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[uuid]
}

// Roots returns the current root set.
func (f *Forest) Roots() []*Node {
	f.mu.Lock()
	defer f.mu.Unlock()

	roots := make([]*Node, 0, len(f.roots))
	for _, r := range f.roots {
		roots = append(roots, r)
	}
	return roots
}

// IsBackup reports whether the root with the given uuid belongs to a
// backup drive.
func (f *Forest) IsBackup(uuid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backup[uuid]
}

// Parent resolves a node's owning directory, nil for roots.
func (f *Forest) Parent(n *Node) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[n.parent]
}

// Child resolves a named entry of a directory node, nil when absent.
func (f *Forest) Child(dir *Node, name string) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.child(dir, name)
}

// Nodepath returns the root-to-node chain.
func (f *Forest) Nodepath(n *Node) []*Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodepath(n)
}

// RootOf returns the root owning the node.
func (f *Forest) RootOf(n *Node) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()

	chain := f.nodepath(n)
	if len(chain) == 0 {
		return nil
	}
	return chain[0]
}

// Abspath returns the node's current on-disk location.
func (f *Forest) Abspath(n *Node) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abspath(n)
}

// FilesByFingerprint returns every indexed file sharing the given
// content hash. The authed flag is the caller's assertion that its
// own permission check already happened; anonymous media lookups must
// not pass true without one.
func (f *Forest) FilesByFingerprint(hash string, authed bool) ([]*Node, error) {
	if !authed {
		return nil, fmt.Errorf("%w: fingerprint lookup without permission check", data.ErrPermission)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.prints[hash]
	if !ok {
		return nil, nil
	}

	files := make([]*Node, 0, len(set))
	for uuid := range set {
		if n := f.nodes[uuid]; n != nil {
			files = append(files, n)
		}
	}
	return files, nil
}

// entryOf snapshots a single node under the forest lock.
func (f *Forest) entryOf(n *Node) *Entry {
	if n == nil {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return snapshotEntry(n)
}

// entriesOf snapshots a node list under one lock acquisition, optionally
// omitting archived directories.
func (f *Forest) entriesOf(nodes []*Node, hideArchived bool) []*Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]*Entry, 0, len(nodes))
	for _, n := range nodes {
		if hideArchived && n.IsDirectory() && n.Archived {
			continue
		}
		entries = append(entries, snapshotEntry(n))
	}
	return entries
}

// AttachMedia applies probed media metadata to every file sharing the
// fingerprint. Attachment never blocks indexing; it happens after the
// fact, whenever the probe completes.
func (f *Forest) AttachMedia(hash string, meta *data.MediaMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for uuid := range f.prints[hash] {
		if n := f.nodes[uuid]; n != nil {
			n.Media = meta
		}
	}
}

// --- internal, caller holds f.mu ---

func (f *Forest) child(dir *Node, name string) *Node {
	if dir.children == nil {
		return nil
	}
	uuid, ok := dir.children.Get(name)
	if !ok {
		return nil
	}
	return f.nodes[uuid]
}

func (f *Forest) nodepath(n *Node) []*Node {
	var chain []*Node
	for cur := n; cur != nil; cur = f.nodes[cur.parent] {
		chain = append(chain, cur)
		if cur.parent == "" {
			break
		}
	}

	// reverse to root-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	if len(chain) == 0 || chain[0].parent != "" {
		return nil
	}
	return chain
}

func (f *Forest) abspath(n *Node) string {
	chain := f.nodepath(n)
	parts := make([]string, 0, len(chain)+1)
	parts = append(parts, f.drivesDir)
	for _, c := range chain {
		parts = append(parts, c.Name)
	}
	return filepath.Join(parts...)
}

// indexFile adds a file node to the secondary orderings.
func (f *Forest) indexFile(n *Node) {
	f.timeline.Set(TimelineEntry{Mtime: n.Mtime, UUID: n.UUID})
	if n.Hash != "" {
		set, ok := f.prints[n.Hash]
		if !ok {
			set = make(map[string]struct{})
			f.prints[n.Hash] = set
		}
		set[n.UUID] = struct{}{}
	}
}

// unindexFile removes a file node from the secondary orderings.
func (f *Forest) unindexFile(n *Node) {
	f.timeline.Delete(TimelineEntry{Mtime: n.Mtime, UUID: n.UUID})
	if set, ok := f.prints[n.Hash]; ok {
		delete(set, n.UUID)
		if len(set) == 0 {
			delete(f.prints, n.Hash)
		}
	}
}

// unindex discards a node and, recursively, everything beneath it.
func (f *Forest) unindex(n *Node) {
	if n.IsDirectory() {
		n.children.Scan(func(name, uuid string) bool {
			if child := f.nodes[uuid]; child != nil {
				f.unindex(child)
			}
			return true
		})
	} else {
		f.unindexFile(n)
	}
	delete(f.nodes, n.UUID)
}

// readTree recursively reads every directory beneath dir, building the
// full index for a fresh root.
func (f *Forest) readTree(dir *Node) error {
	children, err := f.readDirectory(dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.IsDirectory() {
			if err := f.readTree(child); err != nil {
				return err
			}
		}
	}
	return nil
}
