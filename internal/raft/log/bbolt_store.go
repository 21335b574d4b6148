package log

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"raftcore/internal/raft"
	"raftcore/internal/raft/raerr"
)

var (
	entriesBucket  = []byte("entries")
	metadataBucket = []byte("metadata")

	currentTermKey  = []byte("currentTerm")
	votedForIPKey   = []byte("votedForIP")
	votedForPortKey = []byte("votedForPort")
)

// BboltStore is a bbolt-backed Store. bbolt's copy-on-write, mmap'd
// transactions are fsync'd on commit, so a successful Append or
// UpdateMetadata call is durable on return: a crash mid-transaction leaves
// the previous committed state intact, equivalent to an atomic rename.
type BboltStore struct {
	mu   sync.Mutex
	conn *bbolt.DB

	// lastIndex/lastTerm cache the tail of the log so LastLogIndex and
	// LastLogTermAndIndex avoid a cursor seek on the hot append path.
	lastIndex uint64
	lastTerm  uint64
}

// Open creates or recovers a BboltStore at path, initializing the entries
// and metadata buckets if they do not already exist.
func Open(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open bbolt log at %s: %v", raerr.ErrIO, path, err)
	}

	s := &BboltStore{conn: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", raerr.ErrCorruption, err)
	}

	if err := s.recoverTail(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BboltStore) recoverTail() error {
	return s.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(entriesBucket).Cursor()
		k, v := cursor.Last()
		if k == nil {
			s.lastIndex, s.lastTerm = 0, 0
			return nil
		}
		entry, err := decodeEntry(v)
		if err != nil {
			return fmt.Errorf("%w: decode tail entry: %v", raerr.ErrCorruption, err)
		}
		s.lastIndex = bytesToUint64(k)
		s.lastTerm = entry.Term
		return nil
	})
}

func encodeEntry(e raft.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (raft.Entry, error) {
	var e raft.Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return raft.Entry{}, err
	}
	return e, nil
}

// Append implements Store.
func (s *BboltStore) Append(entries []raft.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.lastIndex + 1
	for _, e := range entries {
		if e.Index != want {
			return fmt.Errorf("%w: append expected index %d, got %d", raerr.ErrCorruption, want, e.Index)
		}
		want++
	}

	err := s.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		for _, e := range entries {
			data, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if err := bucket.Put(uint64ToBytes(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append entries: %v", raerr.ErrIO, err)
	}

	last := entries[len(entries)-1]
	s.lastIndex = last.Index
	s.lastTerm = last.Term
	return nil
}

// TruncateSuffix implements Store.
func (s *BboltStore) TruncateSuffix(lastKeptIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(uint64ToBytes(lastKeptIndex + 1)); k != nil; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: truncate suffix after %d: %v", raerr.ErrIO, lastKeptIndex, err)
	}

	if lastKeptIndex >= s.lastIndex {
		return nil
	}
	if lastKeptIndex == 0 {
		s.lastIndex, s.lastTerm = 0, 0
		return nil
	}
	var term uint64
	err = s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(uint64ToBytes(lastKeptIndex))
		if data == nil {
			return fmt.Errorf("kept index %d missing after truncate", lastKeptIndex)
		}
		e, err := decodeEntry(data)
		if err != nil {
			return err
		}
		term = e.Term
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", raerr.ErrCorruption, err)
	}
	s.lastIndex, s.lastTerm = lastKeptIndex, term
	return nil
}

// GetEntry implements Store.
func (s *BboltStore) GetEntry(index uint64) (raft.Entry, error) {
	var entry raft.Entry
	err := s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(entriesBucket).Get(uint64ToBytes(index))
		if data == nil {
			return raerr.ErrNotFound
		}
		e, err := decodeEntry(data)
		if err != nil {
			return fmt.Errorf("%w: decode entry %d: %v", raerr.ErrCorruption, index, err)
		}
		entry = e
		return nil
	})
	return entry, err
}

// LastLogTermAndIndex implements Store.
func (s *BboltStore) LastLogTermAndIndex() (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTerm, s.lastIndex, nil
}

// LastLogIndex implements Store.
func (s *BboltStore) LastLogIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex, nil
}

// UpdateMetadata implements Store.
func (s *BboltStore) UpdateMetadata(currentTerm uint64, votedForIP string, votedForPort uint16) error {
	err := s.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(currentTerm)); err != nil {
			return err
		}
		if votedForIP == "" {
			if err := bucket.Delete(votedForIPKey); err != nil {
				return err
			}
			return bucket.Delete(votedForPortKey)
		}
		if err := bucket.Put(votedForIPKey, []byte(votedForIP)); err != nil {
			return err
		}
		return bucket.Put(votedForPortKey, uint16ToBytes(votedForPort))
	})
	if err != nil {
		return fmt.Errorf("%w: update metadata: %v", raerr.ErrIO, err)
	}
	return nil
}

// CurrentTerm implements Store.
func (s *BboltStore) CurrentTerm() (uint64, error) {
	var term uint64
	err := s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(currentTermKey)
		if data != nil {
			term = bytesToUint64(data)
		}
		return nil
	})
	return term, err
}

// VotedForIP implements Store.
func (s *BboltStore) VotedForIP() (string, error) {
	var ip string
	err := s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(votedForIPKey)
		if data != nil {
			ip = string(data)
		}
		return nil
	})
	return ip, err
}

// VotedForPort implements Store.
func (s *BboltStore) VotedForPort() (uint16, error) {
	var port uint16
	err := s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(votedForPortKey)
		if data != nil {
			port = bytesToUint16(data)
		}
		return nil
	})
	return port, err
}

// Close implements Store.
func (s *BboltStore) Close() error {
	return s.conn.Close()
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func uint16ToBytes(n uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, n)
	return b
}

func bytesToUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}
