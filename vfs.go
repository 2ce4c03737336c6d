package forestfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/mwantia/forestfs/data"
	"github.com/mwantia/forestfs/log"
	"github.com/mwantia/forestfs/media"
	"github.com/mwantia/forestfs/roster"
	"github.com/mwantia/forestfs/storage"
	"github.com/mwantia/forestfs/xstat"
)

// VFS is the public operation surface over the forest. It resolves
// drive and directory identities, enforces per-user write permission,
// drives the storage primitives, and keeps the root set reconciled
// with the drive roster.
type VFS struct {
	opts   *Options
	log    *log.Logger
	roster *roster.Store
	forest *Forest
	ops    *storage.Ops
	prober *media.Prober

	drivesDir string
	done      chan struct{}
}

// New builds a VFS over the appliance data root. Drive trees live
// under <root>/drives, staging under <root>/tmp unless overridden.
// The roster store provides the user/drive/tag records and the change
// feed; the initial root set is reconciled before New returns.
func New(rst *roster.Store, root string, options ...Option) (*VFS, error) {
	opts := newDefaultOptions()
	for _, opt := range options {
		if err := opt(opts); err != nil {
			return nil, err
		}
	}

	drivesDir := filepath.Join(root, "drives")
	tmpDir := opts.TempDir
	if tmpDir == "" {
		tmpDir = filepath.Join(root, "tmp")
	}
	for _, dir := range []string{drivesDir, tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	logger := log.NewLogger("forestfs", opts.LogLevel, opts.LogFile, opts.NoTerminalLog)

	xs := opts.XStat
	if xs == nil {
		if xstat.Supported(drivesDir) {
			xs = xstat.NewUnixStore()
		} else {
			logger.Warn("extended attributes unsupported under %s, identity records held in memory", drivesDir)
			xs = xstat.NewMemoryStore()
		}
	}

	var cloner storage.Cloner = storage.UnixCloner{}
	if opts.Cloner != nil {
		cloner = opts.Cloner
	}

	v := &VFS{
		opts:      opts,
		log:       logger,
		roster:    rst,
		forest:    NewForest(xs, drivesDir, logger.Sub("forest")),
		ops:       storage.NewOps(xs, cloner, tmpDir, logger.Sub("storage")),
		drivesDir: drivesDir,
		done:      make(chan struct{}),
	}

	v.prober = media.NewProber(v.forest, opts.ProbeWorkers, logger.Sub("media"))
	v.forest.OnFileIndexed = func(path, hash string, hasMedia bool) {
		if !hasMedia {
			v.prober.Enqueue(path, hash)
		}
	}

	if err := v.Refresh(context.Background()); err != nil {
		return nil, err
	}

	go v.watch(rst.Subscribe())
	return v, nil
}

// Close stops roster watching and waits for in-flight media probes.
// Filesystem mutations already underway run to completion; there is
// no mid-flight cancellation.
func (v *VFS) Close() error {
	close(v.done)
	v.prober.Wait()
	return nil
}

// Forest exposes the index for collaborating subsystems (media
// lookups, the query spill writer in tests). Callers must never
// mutate nodes.
func (v *VFS) Forest() *Forest {
	return v.forest
}

func (v *VFS) watch(changes <-chan roster.Change) {
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Kind == "tags" {
				continue
			}
			if err := v.Refresh(context.Background()); err != nil {
				v.log.Error("roster reconciliation: %v", err)
			}
		case <-v.done:
			return
		}
	}
}

// Refresh diffs the current valid-drive set against the existing
// roots. Roots whose drive became invalid are dropped from the index;
// trees of drives marked deleted are additionally removed from disk.
// Valid drives without a root get one created and indexed. Ordinary
// file operations never create or destroy roots.
func (v *VFS) Refresh(ctx context.Context) error {
	users, err := v.roster.Users(ctx)
	if err != nil {
		return err
	}
	alive := make(map[string]struct{})
	for _, u := range users {
		if !u.Deleted {
			alive[u.UUID] = struct{}{}
		}
	}

	drives, err := v.roster.Drives(ctx)
	if err != nil {
		return err
	}
	valid := make(map[string]*roster.Drive)
	byUUID := make(map[string]*roster.Drive)
	for _, d := range drives {
		byUUID[d.UUID] = d
		if d.Deleted {
			continue
		}
		if _, ok := alive[d.Owner]; !ok {
			continue
		}
		valid[d.UUID] = d
	}

	for _, root := range v.forest.Roots() {
		if _, ok := valid[root.UUID]; ok {
			continue
		}
		v.forest.DeleteRoot(root.UUID)

		d := byUUID[root.UUID]
		if d == nil || d.Deleted {
			if err := os.RemoveAll(filepath.Join(v.drivesDir, root.UUID)); err != nil {
				v.log.Error("removing deleted drive %s: %v", root.UUID, err)
			} else {
				v.log.Info("removed deleted drive %s", root.UUID)
			}
		}
	}

	for uuid, d := range valid {
		if v.forest.GetNode(uuid) != nil {
			continue
		}
		if _, err := v.forest.CreateRoot(uuid, d.Type == data.DriveBackup); err != nil {
			v.log.Error("creating root for drive %s: %v", uuid, err)
		}
	}

	return nil
}

// writable decides whether a user may mutate a drive. Private and
// backup drives admit the owner only; public drives additionally
// admit writelist members, with "*" meaning everyone.
func (v *VFS) writable(user string, d *roster.Drive) bool {
	if d == nil || d.Deleted || user == "" {
		return false
	}

	switch d.Type {
	case data.DrivePrivate, data.DriveBackup:
		return d.Owner == user
	case data.DrivePublic:
		if d.Owner == user {
			return true
		}
		return slices.Contains(d.Writelist, "*") || slices.Contains(d.Writelist, user)
	}
	return false
}

// dirNode resolves (driveUUID?, dirUUID) to a live directory the user
// may write. Absent drives, absent directories and missing permission
// all resolve to NotFound so probing leaks nothing; a directory that
// exists but now lives under a different drive than the caller named
// reports Moved.
func (v *VFS) dirNode(ctx context.Context, user, driveUUID, dirUUID string) (*Node, error) {
	node := v.forest.GetNode(dirUUID)
	if node == nil || !node.IsDirectory() {
		return nil, fmt.Errorf("%w: directory %s", data.ErrNotFound, dirUUID)
	}

	root := v.forest.RootOf(node)
	if root == nil {
		return nil, fmt.Errorf("%w: directory %s", data.ErrNotFound, dirUUID)
	}

	if driveUUID != "" && driveUUID != root.UUID {
		named, err := v.roster.Drive(ctx, driveUUID)
		if err != nil {
			return nil, err
		}
		if !v.writable(user, named) {
			return nil, fmt.Errorf("%w: directory %s", data.ErrNotFound, dirUUID)
		}
		return nil, fmt.Errorf("%w: directory %s is under drive %s", data.ErrMoved, dirUUID, root.UUID)
	}

	d, err := v.roster.Drive(ctx, root.UUID)
	if err != nil {
		return nil, err
	}
	if !v.writable(user, d) {
		return nil, fmt.Errorf("%w: directory %s", data.ErrNotFound, dirUUID)
	}

	return node, nil
}

// Entry is the denormalized record operations return to callers.
type Entry struct {
	UUID     string          `json:"uuid"`
	Name     string          `json:"name"`
	Type     data.EntryType  `json:"type"`
	Size     int64           `json:"size,omitempty"`
	Mtime    int64           `json:"mtime"`
	Hash     string          `json:"hash,omitempty"`
	Tags     []int           `json:"tags,omitempty"`
	Metadata *data.MediaMeta `json:"metadata,omitempty"`
	Archived bool            `json:"archived,omitempty"`
}

// snapshotEntry copies a node's fields into an Entry. The caller must
// hold the forest lock; reconciliation and media attachment mutate
// nodes under it, so an unlocked copy would tear.
func snapshotEntry(n *Node) *Entry {
	return &Entry{
		UUID:     n.UUID,
		Name:     n.Name,
		Type:     n.Type,
		Size:     n.Size,
		Mtime:    n.Mtime,
		Hash:     n.Hash,
		Tags:     slices.Clone(n.Tags),
		Metadata: n.Media,
		Archived: n.Archived,
	}
}

// listEntries snapshots a reconciled listing. Archived directories are
// hidden on backup drives.
func (v *VFS) listEntries(dir *Node, children []*Node) []*Entry {
	hide := false
	if root := v.forest.RootOf(dir); root != nil {
		hide = v.forest.IsBackup(root.UUID)
	}
	return v.forest.entriesOf(children, hide)
}
