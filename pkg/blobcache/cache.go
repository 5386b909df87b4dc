// Package blobcache provides a durable, entry-bounded local blob cache.
//
// Payloads live as files under <dir>/blobs/, named by the SHA-256 of
// their blob ID. A JSON index next to them records size and last-use
// time per entry, so recency survives restarts. The cache holds at most
// MaxEntries blobs; inserting into a full cache evicts the
// least-recently-used entry first.
package blobcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// MaxEntries is the hard cap on cached blobs.
	MaxEntries = 50

	// indexVersion is bumped when the on-disk layout changes. A cache
	// written by a different version is discarded wholesale.
	indexVersion = 1

	indexFile = "index.json"
	blobsDir  = "blobs"
)

// Entry describes one cached blob.
type Entry struct {
	Size       int64     `json:"size"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type index struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Cache is a durable LRU blob cache rooted at a directory.
type Cache struct {
	dir string

	mu  sync.Mutex
	idx index
	now func() time.Time
}

// Open loads or initializes a cache at dir. An index with a different
// schema version, or one that fails to parse, resets the cache to empty
// and removes any stored blobs.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, blobsDir), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{
		dir: dir,
		idx: index{Version: indexVersion, Entries: make(map[string]Entry)},
		now: time.Now,
	}

	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("read cache index: %w", err)
	}

	var loaded index
	if err := json.Unmarshal(data, &loaded); err != nil || loaded.Version != indexVersion {
		// Unreadable or stale layout: start over.
		if err := c.resetLocked(); err != nil {
			return nil, err
		}
		return c, nil
	}
	if loaded.Entries == nil {
		loaded.Entries = make(map[string]Entry)
	}
	c.idx = loaded
	return c, nil
}

// Get returns a reader over the cached blob and refreshes its recency.
// The second return is false when the blob is not cached.
func (c *Cache) Get(id string) (io.ReadCloser, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.idx.Entries[id]
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(c.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			// Payload vanished from under the index; self-heal.
			delete(c.idx.Entries, id)
			c.saveIndexLocked()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open cached blob: %w", err)
	}

	entry.LastUsedAt = c.now()
	c.idx.Entries[id] = entry
	if err := c.saveIndexLocked(); err != nil {
		f.Close()
		return nil, false, err
	}
	return f, true, nil
}

// Put stores a blob. Eviction of the least-recently-used entry and the
// insert happen under one lock, so the cache never exceeds MaxEntries.
// Content is written atomically (temp file then rename).
func (c *Cache) Put(id string, r io.Reader) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.idx.Entries[id]; !exists {
		for len(c.idx.Entries) >= MaxEntries {
			if !c.evictOldestLocked() {
				break
			}
		}
	}

	blobPath := c.blobPath(id)
	tempPath := blobPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("write blob: %w", err)
	}

	if err := os.Rename(tempPath, blobPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}

	c.idx.Entries[id] = Entry{Size: written, LastUsedAt: c.now()}
	if err := c.saveIndexLocked(); err != nil {
		return written, err
	}
	return written, nil
}

// Contains reports whether a blob is cached, without touching recency.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.idx.Entries[id]
	return ok
}

// Clear removes all cached blobs and resets the index.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}

// Stats returns the entry count and total payload bytes.
func (c *Cache) Stats() (count int, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.idx.Entries {
		size += e.Size
	}
	return len(c.idx.Entries), size
}

// Entries returns blob IDs ordered most-recently-used first.
func (c *Cache) Entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.idx.Entries))
	for id := range c.idx.Entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return c.idx.Entries[ids[i]].LastUsedAt.After(c.idx.Entries[ids[j]].LastUsedAt)
	})
	return ids
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) blobPath(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(c.dir, blobsDir, hex.EncodeToString(sum[:]))
}

// evictOldestLocked removes the least-recently-used entry.
// Must be called with lock held.
func (c *Cache) evictOldestLocked() bool {
	var oldestID string
	var oldest time.Time

	for id, entry := range c.idx.Entries {
		if oldestID == "" || entry.LastUsedAt.Before(oldest) {
			oldestID = id
			oldest = entry.LastUsedAt
		}
	}
	if oldestID == "" {
		return false
	}

	os.Remove(c.blobPath(oldestID))
	delete(c.idx.Entries, oldestID)
	return true
}

// resetLocked wipes all blobs and writes a fresh index.
// Must be called with lock held.
func (c *Cache) resetLocked() error {
	blobs := filepath.Join(c.dir, blobsDir)
	if err := os.RemoveAll(blobs); err != nil {
		return fmt.Errorf("clear blobs: %w", err)
	}
	if err := os.MkdirAll(blobs, 0755); err != nil {
		return fmt.Errorf("recreate blobs dir: %w", err)
	}
	c.idx = index{Version: indexVersion, Entries: make(map[string]Entry)}
	return c.saveIndexLocked()
}

// saveIndexLocked persists the index atomically.
// Must be called with lock held.
func (c *Cache) saveIndexLocked() error {
	data, err := json.MarshalIndent(c.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache index: %w", err)
	}

	path := filepath.Join(c.dir, indexFile)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename cache index: %w", err)
	}
	return nil
}
