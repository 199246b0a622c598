// Package metastore is the transactional metadata store contract (spec §3):
// it persists Device, File, Chunk and ChunkLocation rows and is the single
// source of truth every other component reconciles against. It is backed
// by an embedded BadgerDB instance, standing in for the "relational store
// with transactions" the control plane assumes is available externally.
package metastore

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/jaywantadh/fabricd/internal/model"
)

// Store wraps BadgerDB for metadata operations, grounded on the teacher's
// MetadataStore but generalized from file/chunk rows to the full Device /
// File / Chunk / ChunkLocation entity set.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB instance at dbPath.
func Open(dbPath string) (*Store, error) {
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BadgerDB instance.
func (s *Store) Close() error {
	return s.db.Close()
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: key %q", model.ErrNotFound, key)
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// --- Device ---

// PutDevice upserts a device row and maintains its logical-id and
// state secondary indexes within a single transaction.
func (s *Store) PutDevice(d model.Device) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.putDeviceTxn(txn, d)
	})
}

func (s *Store) putDeviceTxn(txn *badger.Txn, d model.Device) error {
	// Drop any stale state index entry before writing the new one.
	var prev model.Device
	if err := getJSON(txn, deviceKey(d.ID), &prev); err == nil {
		if prev.State != d.State {
			_ = txn.Delete(deviceStateIndexKey(string(prev.State), d.ID))
		}
	}
	if err := putJSON(txn, deviceKey(d.ID), d); err != nil {
		return err
	}
	if err := txn.Set(deviceByLogicalKey(d.LogicalDeviceID), []byte(d.ID)); err != nil {
		return err
	}
	return txn.Set(deviceStateIndexKey(string(d.State), d.ID), []byte{})
}

// GetDevice returns a device by its internal id.
func (s *Store) GetDevice(id string) (model.Device, error) {
	var d model.Device
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, deviceKey(id), &d)
	})
	return d, err
}

// GetDeviceByLogicalID returns a device by its externally-presented id.
func (s *Store) GetDeviceByLogicalID(logicalID string) (model.Device, error) {
	var d model.Device
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deviceByLogicalKey(logicalID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: device %q", model.ErrNotFound, logicalID)
			}
			return err
		}
		var id string
		if err := item.Value(func(val []byte) error {
			id = string(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, deviceKey(id), &d)
	})
	return d, err
}

// UpdateDevice performs a read-modify-write of a device row inside a single
// Badger transaction, so concurrent registry operations never interleave.
func (s *Store) UpdateDevice(id string, fn func(*model.Device) error) (model.Device, error) {
	var updated model.Device
	err := s.db.Update(func(txn *badger.Txn) error {
		var d model.Device
		if err := getJSON(txn, deviceKey(id), &d); err != nil {
			return err
		}
		if err := fn(&d); err != nil {
			return err
		}
		updated = d
		return s.putDeviceTxn(txn, d)
	})
	return updated, err
}

// ListDevicesByState returns every device currently in the given state, in
// no particular order; callers needing a ranking sort in memory.
func (s *Store) ListDevicesByState(state model.DeviceState) ([]model.Device, error) {
	var out []model.Device
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 50
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := deviceStateIndexPrefix(string(state))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			id := key[len(prefix):]
			var d model.Device
			if err := getJSON(txn, deviceKey(id), &d); err != nil {
				continue
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// --- File ---

func (s *Store) PutFile(f model.File) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, fileKey(f.ID), f)
	})
}

func (s *Store) GetFile(id string) (model.File, error) {
	var f model.File
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, fileKey(id), &f)
	})
	return f, err
}

func (s *Store) UpdateFile(id string, fn func(*model.File) error) (model.File, error) {
	var updated model.File
	err := s.db.Update(func(txn *badger.Txn) error {
		var f model.File
		if err := getJSON(txn, fileKey(id), &f); err != nil {
			return err
		}
		if err := fn(&f); err != nil {
			return err
		}
		updated = f
		return putJSON(txn, fileKey(id), f)
	})
	return updated, err
}

// DeleteFile removes a file row along with every chunk and placement row
// that cascades from it, implementing the reaper's delete-file convergence.
func (s *Store) DeleteFile(fileID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		chunks, err := listChunksByFileTxn(txn, fileID)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			locs, err := listLocationsByChunkTxn(txn, c.ID)
			if err != nil {
				return err
			}
			for _, loc := range locs {
				_ = txn.Delete(locationKey(loc.ChunkID, loc.DeviceID))
				_ = txn.Delete(locationByDeviceIndexKey(loc.DeviceID, loc.ChunkID))
			}
			_ = txn.Delete(chunkKey(c.ID))
			_ = txn.Delete(chunkByFileIndexKey(fileID, c.SequenceNum))
			_ = txn.Delete(chunkStateIndexKey(string(c.State), c.ID))
		}
		return txn.Delete(fileKey(fileID))
	})
}

// --- Chunk ---

func (s *Store) PutChunk(c model.Chunk) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.putChunkTxn(txn, c)
	})
}

func (s *Store) putChunkTxn(txn *badger.Txn, c model.Chunk) error {
	var prev model.Chunk
	if err := getJSON(txn, chunkKey(c.ID), &prev); err == nil {
		if prev.State != c.State {
			_ = txn.Delete(chunkStateIndexKey(string(prev.State), c.ID))
		}
	}
	if err := putJSON(txn, chunkKey(c.ID), c); err != nil {
		return err
	}
	if err := txn.Set(chunkByFileIndexKey(c.FileID, c.SequenceNum), []byte(c.ID)); err != nil {
		return err
	}
	return txn.Set(chunkStateIndexKey(string(c.State), c.ID), []byte{})
}

func (s *Store) GetChunk(id string) (model.Chunk, error) {
	var c model.Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, chunkKey(id), &c)
	})
	return c, err
}

func (s *Store) UpdateChunk(id string, fn func(*model.Chunk) error) (model.Chunk, error) {
	var updated model.Chunk
	err := s.db.Update(func(txn *badger.Txn) error {
		var c model.Chunk
		if err := getJSON(txn, chunkKey(id), &c); err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		updated = c
		return s.putChunkTxn(txn, c)
	})
	return updated, err
}

// ListChunksByState returns every chunk currently in the given state, via
// the chunk-by-state secondary index; callers needing ordering sort in
// memory (the scanner processes these in no particular order).
func (s *Store) ListChunksByState(state model.ChunkState) ([]model.Chunk, error) {
	var out []model.Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 50
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := chunkStateIndexPrefix(string(state))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			id := key[len(prefix):]
			var c model.Chunk
			if err := getJSON(txn, chunkKey(id), &c); err != nil {
				continue
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func listChunksByFileTxn(txn *badger.Txn, fileID string) ([]model.Chunk, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 50
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []model.Chunk
	prefix := chunkByFileIndexPrefix(fileID)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var chunkID string
		if err := it.Item().Value(func(val []byte) error {
			chunkID = string(val)
			return nil
		}); err != nil {
			return nil, err
		}
		var c model.Chunk
		if err := getJSON(txn, chunkKey(chunkID), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ListChunksByFile returns every chunk of a file, ordered by sequence_num,
// via the zero-padded secondary index.
func (s *Store) ListChunksByFile(fileID string) ([]model.Chunk, error) {
	var out []model.Chunk
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = listChunksByFileTxn(txn, fileID)
		return err
	})
	return out, err
}

// --- ChunkLocation ---

// PutLocation upserts a placement row. Re-inserting the same (chunk,device)
// pair overwrites the prior row, which is how placement idempotency (L4) is
// achieved: no uniqueness violation is possible, only a harmless upsert.
func (s *Store) PutLocation(loc model.ChunkLocation) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := putJSON(txn, locationKey(loc.ChunkID, loc.DeviceID), loc); err != nil {
			return err
		}
		return txn.Set(locationByDeviceIndexKey(loc.DeviceID, loc.ChunkID), []byte{})
	})
}

func (s *Store) GetLocation(chunkID, deviceID string) (model.ChunkLocation, error) {
	var loc model.ChunkLocation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, locationKey(chunkID, deviceID), &loc)
	})
	return loc, err
}

func (s *Store) UpdateLocation(chunkID, deviceID string, fn func(*model.ChunkLocation) error) (model.ChunkLocation, error) {
	var updated model.ChunkLocation
	err := s.db.Update(func(txn *badger.Txn) error {
		var loc model.ChunkLocation
		if err := getJSON(txn, locationKey(chunkID, deviceID), &loc); err != nil {
			return err
		}
		if err := fn(&loc); err != nil {
			return err
		}
		updated = loc
		return putJSON(txn, locationKey(chunkID, deviceID), loc)
	})
	return updated, err
}

func listLocationsByChunkTxn(txn *badger.Txn, chunkID string) ([]model.ChunkLocation, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 20
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []model.ChunkLocation
	prefix := locationByChunkPrefix(chunkID)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var loc model.ChunkLocation
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &loc)
		}); err != nil {
			continue
		}
		out = append(out, loc)
	}
	return out, nil
}

// ListLocationsByChunk returns every placement row for a chunk.
func (s *Store) ListLocationsByChunk(chunkID string) ([]model.ChunkLocation, error) {
	var out []model.ChunkLocation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = listLocationsByChunkTxn(txn, chunkID)
		return err
	})
	return out, err
}

// ListLocationsByDevice returns every placement row currently on a device,
// used by DetectAffected when a device leaves the ONLINE state.
func (s *Store) ListLocationsByDevice(deviceID string) ([]model.ChunkLocation, error) {
	var out []model.ChunkLocation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := locationByDeviceIndexPrefix(deviceID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			chunkID := key[len(prefix):]
			loc, err := s.getLocationTxnView(txn, chunkID, deviceID)
			if err != nil {
				continue
			}
			out = append(out, loc)
		}
		return nil
	})
	return out, err
}

func (s *Store) getLocationTxnView(txn *badger.Txn, chunkID, deviceID string) (model.ChunkLocation, error) {
	var loc model.ChunkLocation
	err := getJSON(txn, locationKey(chunkID, deviceID), &loc)
	return loc, err
}

// DeleteLocation removes a placement row and its device-index entry.
func (s *Store) DeleteLocation(chunkID, deviceID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_ = txn.Delete(locationKey(chunkID, deviceID))
		return txn.Delete(locationByDeviceIndexKey(deviceID, chunkID))
	})
}
