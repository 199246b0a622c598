// Package tempstore is the file-backed staging area for chunk ciphertext
// between upload and confirmed distribution. Chunks are addressed by
// chunk_id (assigned before ciphertext exists) rather than by content hash,
// and are evicted by age once they've outlived temp_chunk_ttl.
package tempstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const chunkExt = ".chunk"

// Store is a single-writer-per-chunk_id staging area on the local
// filesystem, grounded on the content-addressed LocalStorage layout but
// keyed by the coordinator-assigned chunk id instead of a content hash.
type Store struct {
	root string
	ttl  time.Duration
	log  *logrus.Entry
}

// New opens (creating if necessary) a temporary chunk store rooted at dir.
// It evicts nothing itself; EvictExpired removes anything older than ttl.
func New(dir string, ttl time.Duration, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tempstore root: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{root: dir, ttl: ttl, log: log.WithField("component", "tempstore")}, nil
}

func (s *Store) path(chunkID string) string {
	return filepath.Join(s.root, chunkID+chunkExt)
}

// Put atomically stages ciphertext under <root>/<chunk_id>.chunk: it writes
// to a sibling temp file and renames it into place so a concurrent reader
// never observes a partial write.
func (s *Store) Put(chunkID string, ciphertext []byte) error {
	final := s.path(chunkID)
	tmp := final + ".tmp-" + fmt.Sprintf("%d", time.Now().UnixNano())

	if err := os.WriteFile(tmp, ciphertext, 0o644); err != nil {
		return fmt.Errorf("write staged chunk %s: %w", chunkID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize staged chunk %s: %w", chunkID, err)
	}
	return nil
}

// Get returns the staged ciphertext for chunkID, or os.ErrNotExist (wrapped)
// if nothing is staged.
func (s *Store) Get(chunkID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(chunkID))
	if err != nil {
		return nil, fmt.Errorf("read staged chunk %s: %w", chunkID, err)
	}
	return data, nil
}

// Has reports whether ciphertext is currently staged for chunkID.
func (s *Store) Has(chunkID string) bool {
	_, err := os.Stat(s.path(chunkID))
	return err == nil
}

// Delete removes staged ciphertext for chunkID. Deleting an already-absent
// chunk is not an error: the reaper's file delete calls it for every chunk,
// and a second reap attempt is expected to be a no-op.
func (s *Store) Delete(chunkID string) error {
	if err := os.Remove(s.path(chunkID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete staged chunk %s: %w", chunkID, err)
	}
	return nil
}

// EvictExpired removes every staged chunk whose mtime is older than the
// store's TTL and returns the chunk ids it removed.
func (s *Store) EvictExpired(now time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list tempstore root: %w", err)
	}

	var evicted []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != chunkExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= s.ttl {
			continue
		}
		chunkID := name[:len(name)-len(chunkExt)]
		if err := os.Remove(filepath.Join(s.root, name)); err != nil {
			s.log.WithError(err).WithField("chunk_id", chunkID).Warn("failed to evict expired staged chunk")
			continue
		}
		evicted = append(evicted, chunkID)
	}
	if len(evicted) > 0 {
		s.log.WithField("count", len(evicted)).Info("evicted expired staged chunks")
	}
	return evicted, nil
}
