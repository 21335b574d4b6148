// Package statemachine provides the external state machine the Apply
// Worker drives. The on-disk key-value engine itself is out of the
// consensus core's scope; this package ships an in-memory reference
// implementation, applied one entry at a time as the Apply Worker
// advances.
package statemachine

import (
	"log"
	"strings"
	"sync"

	"raftcore/internal/raft"
)

// StateMachine is the narrow interface the Apply Worker drives. A
// persistent engine can be substituted without touching the consensus
// core.
type StateMachine interface {
	Apply(entry raft.Entry) error
}

// KV is a simple in-memory key-value store. Commands are expected in the
// format "SET key=value" or "DEL key".
type KV struct {
	mu    sync.RWMutex
	store map[string]string
	id    string // replica id, for logging
}

// NewKV creates a new key-value state machine for the given replica id.
func NewKV(id string) *KV {
	return &KV{
		store: make(map[string]string),
		id:    id,
	}
}

// Apply applies a single committed log entry's command to the store.
func (kv *KV) Apply(entry raft.Entry) error {
	command := string(entry.Command)
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 2 {
			break
		}
		kvPair := strings.SplitN(parts[1], "=", 2)
		if len(kvPair) == 2 {
			kv.store[kvPair[0]] = kvPair[1]
			log.Printf("[KV-%s] applied SET %s=%s (index=%d)", kv.id, kvPair[0], kvPair[1], entry.Index)
		}
	case "DEL":
		if len(parts) >= 2 {
			delete(kv.store, parts[1])
			log.Printf("[KV-%s] applied DEL %s (index=%d)", kv.id, parts[1], entry.Index)
		}
	default:
		log.Printf("[KV-%s] unknown command %q (index=%d)", kv.id, command, entry.Index)
	}
	return nil
}

// Get returns the current value for key. It is a local, possibly stale read
// of applied state, not a linearizable read through the log.
func (kv *KV) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.store[key]
	return v, ok
}
