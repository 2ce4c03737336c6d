package forestfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mwantia/forestfs/data"
)

// Append grows a file by the content of a caller-provided temp file,
// without ever copying the existing bytes. Preconditions:
//
//   - the target's size is an exact multiple of the alignment unit
//     (the storage layer's extent granularity; concatenation lands on
//     an extent boundary)
//   - the caller-supplied hash matches the target's current content
//     hash (optimistic concurrency check)
//
// The existing content is cloned into a temp file and the new data
// concatenated after it, both copy-on-write. Because that work runs
// outside the directory-read serialization point, the target's mtime
// is re-checked before commit; a change since the hash was captured
// fails with Race and leaves the target untouched.
//
// The resulting hash is incremental: sha256 over the concatenation of
// the two hex-decoded digests (old content, appended content), not a
// re-hash of the full content. An empty original adopts the appended
// content's digest unchanged. This encoding is a pinned wire contract.
func (v *VFS) Append(ctx context.Context, user, dirUUID, name, hash, tempPath, sum string) (*Entry, error) {
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
		return nil, fmt.Errorf("%w: %s", data.ErrIsDirectory, name)
	}

	if child.Size%v.opts.AlignmentUnit != 0 {
		return nil, fmt.Errorf("%w: size %d not a multiple of %d", data.ErrMisaligned, child.Size, v.opts.AlignmentUnit)
	}
	if child.Hash == "" || child.Hash != hash {
		return nil, fmt.Errorf("%w: %s", data.ErrHashMismatch, name)
	}

	dataHash, err := hashFile(tempPath)
	if err != nil {
		return nil, err
	}
	if sum != "" && !strings.EqualFold(sum, dataHash) {
		return nil, fmt.Errorf("%w: appended content does not match supplied sha256", data.ErrInvalid)
	}

	dataInfo, err := os.Lstat(tempPath)
	if err != nil {
		return nil, err
	}

	targetPath := filepath.Join(v.forest.Abspath(dir), child.Name)

	tmp, err := v.ops.Clone(targetPath)
	if err != nil {
		return nil, err
	}
	if err := v.ops.Concat(tmp, tempPath); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	// The clone and concat happened outside the index's serialization
	// point; a second writer may have replaced the target meanwhile.
	fi, err := os.Lstat(targetPath)
	if err != nil {
		os.Remove(tmp)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", data.ErrRace, name)
		}
		return nil, err
	}
	if fi.ModTime().UnixMilli() != child.Mtime {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %s", data.ErrRace, name)
	}

	newHash := dataHash
	if child.Size > 0 {
		if newHash, err = combineHash(child.Hash, dataHash); err != nil {
			os.Remove(tmp)
			return nil, err
		}
	}

	tmpInfo, err := os.Lstat(tmp)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}

	stat := &data.Stat{
		UUID:  child.UUID,
		Type:  data.TypeFile,
		Hash:  newHash,
		Htime: tmpInfo.ModTime().UnixMilli(),
		Size:  child.Size + dataInfo.Size(),
		Mtime: tmpInfo.ModTime().UnixMilli(),
		Tags:  slices.Clone(child.Tags),
	}

	if err := v.ops.Replace(tmp, targetPath, stat); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	os.Remove(tempPath)

	if _, err := v.forest.Read(dir); err != nil {
		return nil, err
	}
	return v.forest.entryOf(v.forest.Child(dir, name)), nil
}

// combineHash folds two hex sha256 digests into the incremental hash
// of their concatenated contents: sha256 over the 64 raw bytes of the
// two decoded digests. The byte-level encoding (decoded bytes, not
// the UTF-8 hex text) must never change.
func combineHash(a, b string) (string, error) {
	ra, err := hex.DecodeString(a)
	if err != nil {
		return "", fmt.Errorf("%w: malformed hash %q", data.ErrInvalid, a)
	}
	rb, err := hex.DecodeString(b)
	if err != nil {
		return "", fmt.Errorf("%w: malformed hash %q", data.ErrInvalid, b)
	}

	sum := sha256.Sum256(append(ra, rb...))
	return hex.EncodeToString(sum[:]), nil
}
