package xstat

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mwantia/forestfs/data"
	"github.com/tidwall/btree"
)

// MemoryStore keeps records in an ordered in-memory map keyed by path.
// Entries still live on the real filesystem; only the identity records
// are held in memory. Intended for tests and for filesystems without
// extended attribute support.
type MemoryStore struct {
	mu    sync.Mutex
	stats *btree.Map[string, *data.Stat]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stats: btree.NewMap[string, *data.Stat](0),
	}
}

func (ms *MemoryStore) Read(path string) (*data.Stat, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", data.ErrNotFound, path)
		}
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	stat, ok := ms.stats.Get(path)
	if !ok {
		stat = freshStat(fi)
		ms.stats.Set(path, stat)
		return stat.Clone(), nil
	}

	stat, dirty := refreshStat(stat, fi)
	if dirty {
		ms.stats.Set(path, stat)
	}

	return stat.Clone(), nil
}

func (ms *MemoryStore) Write(path string, s *data.Stat) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", data.ErrNotFound, path)
		}
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.stats.Set(path, s.Clone())
	return nil
}

// Rename moves every record under oldPath to the same suffix under
// newPath. The B-tree keeps paths ordered, so the subtree is a single
// contiguous scan.
func (ms *MemoryStore) Rename(oldPath, newPath string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	moved := make(map[string]*data.Stat)
	prefix := oldPath + "/"

	ms.stats.Ascend(oldPath, func(key string, stat *data.Stat) bool {
		if key != oldPath && !strings.HasPrefix(key, prefix) {
			return false
		}
		moved[key] = stat
		return true
	})

	for key, stat := range moved {
		ms.stats.Delete(key)
		ms.stats.Set(newPath+key[len(oldPath):], stat)
	}
	return nil
}

func (ms *MemoryStore) Remove(path string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var doomed []string
	prefix := path + "/"

	ms.stats.Ascend(path, func(key string, stat *data.Stat) bool {
		if key != path && !strings.HasPrefix(key, prefix) {
			return false
		}
		doomed = append(doomed, key)
		return true
	})

	for _, key := range doomed {
		ms.stats.Delete(key)
	}
	return nil
}
