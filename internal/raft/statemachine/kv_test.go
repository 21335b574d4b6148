package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
)

func TestNewKV(t *testing.T) {
	sm := NewKV("test-server")
	assert.NotNil(t, sm)
	assert.Equal(t, "test-server", sm.id)
}

func TestKV_Apply_SET(t *testing.T) {
	sm := NewKV("test-server")

	t.Run("applies a SET command", func(t *testing.T) {
		require.NoError(t, sm.Apply(raft.Entry{Index: 1, Term: 1, Command: []byte("SET key1=value1")}))

		value, ok := sm.Get("key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", value)
	})

	t.Run("applies several SET commands in order", func(t *testing.T) {
		require.NoError(t, sm.Apply(raft.Entry{Index: 2, Term: 1, Command: []byte("SET key2=value2")}))
		require.NoError(t, sm.Apply(raft.Entry{Index: 3, Term: 1, Command: []byte("SET key3=value3")}))

		value, ok := sm.Get("key2")
		assert.True(t, ok)
		assert.Equal(t, "value2", value)

		value, ok = sm.Get("key3")
		assert.True(t, ok)
		assert.Equal(t, "value3", value)
	})

	t.Run("a later SET overwrites an earlier one", func(t *testing.T) {
		require.NoError(t, sm.Apply(raft.Entry{Index: 4, Term: 1, Command: []byte("SET key1=value1b")}))

		value, ok := sm.Get("key1")
		assert.True(t, ok)
		assert.Equal(t, "value1b", value)
	})
}

func TestKV_Apply_DEL(t *testing.T) {
	sm := NewKV("test-server")
	require.NoError(t, sm.Apply(raft.Entry{Index: 1, Term: 1, Command: []byte("SET key1=value1")}))
	require.NoError(t, sm.Apply(raft.Entry{Index: 2, Term: 1, Command: []byte("DEL key1")}))

	_, ok := sm.Get("key1")
	assert.False(t, ok)
}

func TestKV_Apply_UnknownCommand(t *testing.T) {
	sm := NewKV("test-server")
	require.NoError(t, sm.Apply(raft.Entry{Index: 1, Term: 1, Command: []byte("NOOP")}))
}

func TestKV_Apply_EmptyCommand(t *testing.T) {
	sm := NewKV("test-server")
	require.NoError(t, sm.Apply(raft.Entry{Index: 1, Term: 1, Command: nil}))
}

func TestKV_Get_Missing(t *testing.T) {
	sm := NewKV("test-server")
	_, ok := sm.Get("missing")
	assert.False(t, ok)
}
