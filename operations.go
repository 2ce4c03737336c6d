package forestfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/mwantia/forestfs/data"
)

// OpResult is the common shape of mutation results: the affected
// entry, how a naming conflict was resolved, and optionally the
// re-read directory listing when the caller asked for it.
type OpResult struct {
	Entry      *Entry           `json:"entry,omitempty"`
	Resolution *data.Resolution `json:"resolution,omitempty"`
	Entries    []*Entry         `json:"entries,omitempty"`
}

// BatchOutcome is the per-name result of a batch operation. Failures
// never abort the batch; each name reports its own outcome.
type BatchOutcome struct {
	Resolution *data.Resolution `json:"resolution,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// FileRef addresses one entry for the cross-drive operations.
type FileRef struct {
	Drive string `json:"drive,omitempty"`
	Dir   string `json:"dir"`
	UUID  string `json:"uuid,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Readdir lists a directory after reconciling it with disk.
func (v *VFS) Readdir(ctx context.Context, user, driveUUID, dirUUID string) ([]*Entry, error) {
	dir, err := v.dirNode(ctx, user, driveUUID, dirUUID)
	if err != nil {
		return nil, err
	}

	children, err := v.forest.Read(dir)
	if err != nil {
		return nil, err
	}
	return v.listEntries(dir, children), nil
}

// Mkdir creates a directory under dirUUID. With readBack the result
// carries the freshly reconciled listing.
func (v *VFS) Mkdir(ctx context.Context, user, dirUUID, name string, policy data.Policy, readBack bool) (*OpResult, error) {
	dir, err := v.dirNode(ctx, user, "", dirUUID)
	if err != nil {
		return nil, err
	}

	res, err := v.ops.Mkdir(v.forest.Abspath(dir), name, policy)
	if err != nil {
		return nil, err
	}

	children, err := v.forest.Read(dir)
	if err != nil {
		return nil, err
	}

	out := &OpResult{
		Entry:      v.forest.entryOf(v.forest.GetNode(res.UUID)),
		Resolution: res,
	}
	if readBack {
		out.Entries = v.listEntries(dir, children)
	}
	return out, nil
}

// Mkdirs creates several directories under dirUUID, reporting each
// name separately.
func (v *VFS) Mkdirs(ctx context.Context, user, dirUUID string, names []string, policy data.Policy) (map[string]*BatchOutcome, error) {
	dir, err := v.dirNode(ctx, user, "", dirUUID)
	if err != nil {
		return nil, err
	}

	dirPath := v.forest.Abspath(dir)
	outcomes := make(map[string]*BatchOutcome, len(names))
	for _, name := range names {
		res, err := v.ops.Mkdir(dirPath, name, policy)
		if err != nil {
			outcomes[name] = &BatchOutcome{Error: err.Error()}
			continue
		}
		outcomes[name] = &BatchOutcome{Resolution: res}
	}

	if _, err := v.forest.Read(dir); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Rename moves an entry to a new name within its directory.
func (v *VFS) Rename(ctx context.Context, user, dirUUID, fromName, toName string, policy data.Policy) (*OpResult, error) {
	dir, err := v.dirNode(ctx, user, "", dirUUID)
	if err != nil {
		return nil, err
	}

	if _, err := v.forest.Read(dir); err != nil {
		return nil, err
	}

	child := v.forest.Child(dir, fromName)
	if child == nil {
		return nil, fmt.Errorf("%w: %s", data.ErrNotFound, fromName)
	}

	dirPath := v.forest.Abspath(dir)
	src := filepath.Join(dirPath, fromName)

	var res *data.Resolution
	if child.IsDirectory() {
		res, err = v.ops.MoveDir(src, dirPath, toName, policy)
	} else {
		res, err = v.ops.MoveFile(src, dirPath, toName, policy)
	}
	if err != nil {
		return nil, err
	}

	if _, err := v.forest.Read(dir); err != nil {
		return nil, err
	}

	return &OpResult{
		Entry:      v.forest.entryOf(v.forest.GetNode(res.UUID)),
		Resolution: res,
	}, nil
}

// Remove deletes a named entry, recursively for directories. Roots
// are never children of any directory, so a drive root cannot be
// removed here; that happens only through roster reconciliation.
func (v *VFS) Remove(ctx context.Context, user, dirUUID, name string) error {
	dir, err := v.dirNode(ctx, user, "", dirUUID)
	if err != nil {
		return err
	}

	if err := v.ops.Remove(v.forest.Abspath(dir), name); err != nil {
		return err
	}

	_, err = v.forest.Read(dir)
	return err
}

// NewFile moves a caller-provided temp file into place. The supplied
// sha256 is verified against the temp file's actual content before
// anything touches the destination directory.
func (v *VFS) NewFile(ctx context.Context, user, dirUUID, name, tempPath, sum string, policy data.Policy) (*OpResult, error) {
	dir, err := v.dirNode(ctx, user, "", dirUUID)
	if err != nil {
		return nil, err
	}

	hash, err := hashFile(tempPath)
	if err != nil {
		return nil, err
	}
	if sum != "" && !strings.EqualFold(sum, hash) {
		return nil, fmt.Errorf("%w: content does not match supplied sha256", data.ErrInvalid)
	}

	res, err := v.ops.NewFile(v.forest.Abspath(dir), name, tempPath, hash, policy)
	if err != nil {
		return nil, err
	}
	if res.Status == data.ResolveSkipped {
		os.Remove(tempPath)
	}

	if _, err := v.forest.Read(dir); err != nil {
		return nil, err
	}

	return &OpResult{
		Entry:      v.forest.entryOf(v.forest.GetNode(res.UUID)),
		Resolution: res,
	}, nil
}

// AddTags unions the given tag set into the file's tags.
func (v *VFS) AddTags(ctx context.Context, user, dirUUID, name string, tags []int) (*Entry, error) {
	return v.mutateTags(ctx, user, dirUUID, name, tags, func(current, given []int) []int {
		merged := slices.Clone(current)
		for _, t := range given {
			if !slices.Contains(merged, t) {
				merged = append(merged, t)
			}
		}
		sort.Ints(merged)
		return merged
	})
}

// RemoveTags subtracts the given tag set from the file's tags.
func (v *VFS) RemoveTags(ctx context.Context, user, dirUUID, name string, tags []int) (*Entry, error) {
	return v.mutateTags(ctx, user, dirUUID, name, tags, func(current, given []int) []int {
		var kept []int
		for _, t := range current {
			if !slices.Contains(given, t) {
				kept = append(kept, t)
			}
		}
		return kept
	})
}

// SetTags replaces the file's tags. Setting the current value is a
// no-op at the storage layer but still returns the current record.
func (v *VFS) SetTags(ctx context.Context, user, dirUUID, name string, tags []int) (*Entry, error) {
	return v.mutateTags(ctx, user, dirUUID, name, tags, func(current, given []int) []int {
		replaced := slices.Clone(given)
		sort.Ints(replaced)
		return replaced
	})
}

func (v *VFS) mutateTags(ctx context.Context, user, dirUUID, name string, tags []int, apply func(current, given []int) []int) (*Entry, error) {
	if err := data.ValidateTags(tags); err != nil {
		return nil, err
	}
	for _, id := range tags {
		tag, err := v.roster.Tag(ctx, id)
		if err != nil {
			return nil, err
		}
		if tag == nil {
			return nil, fmt.Errorf("%w: unknown tag %d", data.ErrInvalid, id)
		}
	}

	dir, err := v.dirNode(ctx, user, "", dirUUID)
	if err != nil {
		return nil, err
	}
	if _, err := v.forest.Read(dir); err != nil {
		return nil, err
	}

	child := v.forest.Child(dir, name)
	if child == nil {
		return nil, fmt.Errorf("%w: %s", data.ErrNotFound, name)
	}
	if child.IsDirectory() {
		return nil, fmt.Errorf("%w: %s", data.ErrNotFile, name)
	}

	path := filepath.Join(v.forest.Abspath(dir), child.Name)
	stat, err := v.ops.XS.Read(path)
	if err != nil {
		return nil, err
	}

	next := apply(stat.Tags, tags)
	if !slices.Equal(stat.Tags, next) {
		stat.Tags = next
		if err := v.ops.XS.Write(path, stat); err != nil {
			return nil, err
		}
	}

	if _, err := v.forest.Read(dir); err != nil {
		return nil, err
	}
	return v.forest.entryOf(v.forest.Child(dir, name)), nil
}

// CopyFile clones a file into another directory, possibly on another
// drive. The clone shares extents with the source until modified but
// carries a fresh identity. The result maps the source name to its
// resolution at the destination.
func (v *VFS) CopyFile(ctx context.Context, user string, src, dst FileRef, policy data.Policy) (map[string]*BatchOutcome, error) {
	srcFile, srcPath, err := v.fileRefNode(ctx, user, src)
	if err != nil {
		return nil, err
	}

	dstDir, err := v.dirNode(ctx, user, dst.Drive, dst.Dir)
	if err != nil {
		return nil, err
	}

	tmp, err := v.ops.Clone(srcPath)
	if err != nil {
		return nil, err
	}

	hash := srcFile.Hash
	if hash == "" {
		if hash, err = hashFile(tmp); err != nil {
			os.Remove(tmp)
			return nil, err
		}
	}

	res, err := v.ops.NewFile(v.forest.Abspath(dstDir), srcFile.Name, tmp, hash, policy)
	if err != nil {
		os.Remove(tmp)
		return map[string]*BatchOutcome{srcFile.Name: {Error: err.Error()}}, nil
	}
	if res.Status == data.ResolveSkipped {
		os.Remove(tmp)
	}

	if _, err := v.forest.Read(dstDir); err != nil {
		return nil, err
	}
	return map[string]*BatchOutcome{srcFile.Name: {Resolution: res}}, nil
}

// MoveFile moves a file into another directory, possibly on another
// drive. Drive trees share one filesystem, so this stays a rename.
func (v *VFS) MoveFile(ctx context.Context, user string, src, dst FileRef, policy data.Policy) (map[string]*BatchOutcome, error) {
	srcFile, srcPath, err := v.fileRefNode(ctx, user, src)
	if err != nil {
		return nil, err
	}
	srcDir := v.forest.Parent(srcFile)

	dstDir, err := v.dirNode(ctx, user, dst.Drive, dst.Dir)
	if err != nil {
		return nil, err
	}

	res, err := v.ops.MoveFile(srcPath, v.forest.Abspath(dstDir), srcFile.Name, policy)
	if err != nil {
		return map[string]*BatchOutcome{srcFile.Name: {Error: err.Error()}}, nil
	}

	if _, err := v.forest.Read(dstDir); err != nil {
		return nil, err
	}
	if srcDir != nil {
		if _, err := v.forest.Read(srcDir); err != nil {
			return nil, err
		}
	}
	return map[string]*BatchOutcome{srcFile.Name: {Resolution: res}}, nil
}

// MoveDirs moves several named directories from src.Dir into dst.Dir,
// reporting each name separately rather than aborting the batch.
func (v *VFS) MoveDirs(ctx context.Context, user string, src, dst FileRef, names []string, policy data.Policy) (map[string]*BatchOutcome, error) {
	srcDir, err := v.dirNode(ctx, user, src.Drive, src.Dir)
	if err != nil {
		return nil, err
	}
	dstDir, err := v.dirNode(ctx, user, dst.Drive, dst.Dir)
	if err != nil {
		return nil, err
	}
	if srcDir == dstDir {
		return nil, fmt.Errorf("%w: source and destination are the same directory", data.ErrInvalid)
	}

	if _, err := v.forest.Read(srcDir); err != nil {
		return nil, err
	}

	srcPath := v.forest.Abspath(srcDir)
	dstPath := v.forest.Abspath(dstDir)

	outcomes := make(map[string]*BatchOutcome, len(names))
	for _, name := range names {
		child := v.forest.Child(srcDir, name)
		if child == nil {
			outcomes[name] = &BatchOutcome{Error: fmt.Sprintf("%v: %s", data.ErrNotFound, name)}
			continue
		}
		if !child.IsDirectory() {
			outcomes[name] = &BatchOutcome{Error: fmt.Sprintf("%v: %s", data.ErrNotFile, name)}
			continue
		}

		res, err := v.ops.MoveDir(filepath.Join(srcPath, name), dstPath, name, policy)
		if err != nil {
			outcomes[name] = &BatchOutcome{Error: err.Error()}
			continue
		}
		outcomes[name] = &BatchOutcome{Resolution: res}
	}

	if _, err := v.forest.Read(dstDir); err != nil {
		return nil, err
	}
	if _, err := v.forest.Read(srcDir); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// fileRefNode resolves a FileRef to a live file node and its on-disk
// path, enforcing the same visibility rules as dirNode.
func (v *VFS) fileRefNode(ctx context.Context, user string, ref FileRef) (*Node, string, error) {
	dir, err := v.dirNode(ctx, user, ref.Drive, ref.Dir)
	if err != nil {
		return nil, "", err
	}
	if _, err := v.forest.Read(dir); err != nil {
		return nil, "", err
	}

	child := v.forest.Child(dir, ref.Name)
	if child == nil {
		return nil, "", fmt.Errorf("%w: %s", data.ErrNotFound, ref.Name)
	}
	if child.IsDirectory() {
		return nil, "", fmt.Errorf("%w: %s", data.ErrIsDirectory, ref.Name)
	}
	if ref.UUID != "" && child.UUID != ref.UUID {
		// The name now belongs to a different entry
		return nil, "", fmt.Errorf("%w: %s", data.ErrNotFound, ref.UUID)
	}

	return child, filepath.Join(v.forest.Abspath(dir), child.Name), nil
}

// QueryOptions is the wire-level query request.
type QueryOptions struct {
	Places []string `json:"places"`
	Order  string   `json:"order"`
	Count  int      `json:"count,omitempty"`

	Name     string   `json:"name,omitempty"`
	Types    []string `json:"types,omitempty"`
	Class    string   `json:"class,omitempty"`
	Tags     []int    `json:"tags,omitempty"`
	FileOnly bool     `json:"fileOnly,omitempty"`

	CountOnly bool   `json:"countOnly,omitempty"`
	GroupBy   string `json:"groupBy,omitempty"`

	// Chronological cursors, "<mtime>.<uuid>"
	StartI string `json:"starti,omitempty"`
	StartE string `json:"starte,omitempty"`
	Last   string `json:"last,omitempty"`

	// Hierarchical cursor
	CursorPlace int         `json:"cursorPlace,omitempty"`
	Cursor      *IterCursor `json:"cursor,omitempty"`
}

// QueryResponse carries records inline or, above the spill threshold,
// as the path of a temp file holding the serialized JSON array. The
// caller owns deleting the spill file.
type QueryResponse struct {
	Records     []QueryRecord `json:"records,omitempty"`
	Count       int           `json:"count"`
	PlaceCounts []int         `json:"placeCounts,omitempty"`
	SpillPath   string        `json:"spillPath,omitempty"`
}

// Query answers a chronological or hierarchical query over the given
// places. Every place must resolve to a directory the user may write;
// an inaccessible place fails the query with NotFound rather than
// being silently skipped, so existence never leaks by omission.
func (v *VFS) Query(ctx context.Context, user string, q *QueryOptions) (*QueryResponse, error) {
	places := make([]*Node, 0, len(q.Places))
	for _, uuid := range q.Places {
		place, err := v.dirNode(ctx, user, "", uuid)
		if err != nil {
			return nil, err
		}
		places = append(places, place)
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("%w: query requires at least one place", data.ErrInvalid)
	}

	req := &QueryRequest{
		Places:       places,
		Order:        Order(q.Order),
		Count:        q.Count,
		Name:         q.Name,
		Types:        q.Types,
		Class:        q.Class,
		Tags:         q.Tags,
		FileOnly:     q.FileOnly,
		CountOnly:    q.CountOnly,
		GroupByPlace: q.GroupBy == "place",
		CursorPlace:  q.CursorPlace,
		Cursor:       q.Cursor,
	}

	var err error
	if q.StartI != "" {
		if req.StartInclusive, err = parseTimePoint(q.StartI); err != nil {
			return nil, err
		}
	}
	starte := q.StartE
	if starte == "" {
		starte = q.Last
	}
	if starte != "" {
		if req.StartInclusive != nil {
			return nil, fmt.Errorf("%w: starti and starte are exclusive", data.ErrInvalid)
		}
		if req.StartExclusive, err = parseTimePoint(starte); err != nil {
			return nil, err
		}
	}

	res, err := v.forest.Query(req)
	if err != nil {
		return nil, err
	}

	out := &QueryResponse{
		Count:       res.Count,
		PlaceCounts: res.PlaceCounts,
	}

	if len(res.Records) > v.opts.SpillThreshold {
		spill, err := v.spillRecords(res.Records)
		if err != nil {
			return nil, err
		}
		out.SpillPath = spill
	} else {
		out.Records = res.Records
	}
	return out, nil
}

func (v *VFS) spillRecords(records []QueryRecord) (string, error) {
	f, err := os.CreateTemp(v.ops.TmpDir, "query-")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(records); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// parseTimePoint decodes a "<mtime>.<uuid>" cursor.
func parseTimePoint(s string) (*TimePoint, error) {
	millis, uuid, ok := strings.Cut(s, ".")
	if !ok {
		return nil, fmt.Errorf("%w: malformed time cursor %q", data.ErrInvalid, s)
	}
	t, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed time cursor %q", data.ErrInvalid, s)
	}
	return &TimePoint{Time: t, UUID: uuid}, nil
}

// hashFile computes the hex sha256 of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
