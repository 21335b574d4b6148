package rpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"raftcore/internal/raft"
	raftcontext "raftcore/internal/raft/context"
	raftlog "raftcore/internal/raft/log"
)

// startServer brings up a real gRPC server fronting a Handler bound to a
// fresh Context, returning its dial address, that Context, and its log
// Store. The server and store are shut down through t.Cleanup.
func startServer(t *testing.T, memberCount int, resetTimer func()) (raft.Peer, *raftcontext.Context, raftlog.Store) {
	t.Helper()
	store, err := raftlog.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().(*net.TCPAddr)
	self := raft.Peer{IP: "127.0.0.1", Port: uint16(addr.Port)}

	ctx := raftcontext.New(self, memberCount, store)
	require.NoError(t, ctx.RecoverInit())

	if resetTimer == nil {
		resetTimer = func() {}
	}
	server := grpc.NewServer()
	RegisterRaftServer(server, NewHandler(ctx, resetTimer))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.GracefulStop)

	return self, ctx, store
}

func TestTransport_RequestVote_GrantedOverRealGRPC(t *testing.T) {
	addr, _, _ := startServer(t, 3, nil)
	trans := NewTransport([]raft.Peer{addr}, nil)
	t.Cleanup(trans.Close)

	reply, err := trans.RequestVote(context.Background(), addr, &RequestVoteArgs{Term: 1})
	require.NoError(t, err)
	assert.True(t, reply.VoteGranted)
	assert.Equal(t, uint64(1), reply.Term)
}

func TestTransport_RequestVote_RejectsStaleTerm(t *testing.T) {
	addr, ctx, _ := startServer(t, 3, nil)
	require.NoError(t, ctx.BecomeFollower(5, raft.Peer{}))

	trans := NewTransport([]raft.Peer{addr}, nil)
	t.Cleanup(trans.Close)

	reply, err := trans.RequestVote(context.Background(), addr, &RequestVoteArgs{Term: 1})
	require.NoError(t, err)
	assert.False(t, reply.VoteGranted)
	assert.Equal(t, uint64(5), reply.Term)
}

func TestTransport_AppendEntries_AppendsAndAdvancesCommitIndex(t *testing.T) {
	var resets int
	addr, ctx, store := startServer(t, 3, func() { resets++ })

	trans := NewTransport([]raft.Peer{addr}, nil)
	t.Cleanup(trans.Close)

	reply, err := trans.AppendEntries(context.Background(), addr, &AppendEntriesArgs{
		Term:         1,
		Entries:      []raft.Entry{{Term: 1, Index: 1, Command: []byte("SET a=1")}},
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, 1, resets, "a valid AppendEntries must reset the election timer exactly once")

	entry, err := store.GetEntry(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("SET a=1"), entry.Command)
	assert.Equal(t, uint64(1), ctx.CommitIndex())
}

func TestTransport_AppendEntries_AdvancesCommitIndexPastPreviousTermBoundary(t *testing.T) {
	addr, ctx, _ := startServer(t, 3, func() {})
	trans := NewTransport([]raft.Peer{addr}, nil)
	t.Cleanup(trans.Close)

	// First AppendEntries, still in term 1: appends an entry but reports no
	// leader_commit yet.
	reply, err := trans.AppendEntries(context.Background(), addr, &AppendEntriesArgs{
		Term:    1,
		Entries: []raft.Entry{{Term: 1, Index: 1, Command: []byte("SET a=1")}},
	})
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.Equal(t, uint64(0), ctx.CommitIndex())

	// A new leader takes over in term 2 without yet replicating any term-2
	// entry, and reports leader_commit pointing at the still-term-1
	// boundary entry. The follower must still advance.
	reply, err = trans.AppendEntries(context.Background(), addr, &AppendEntriesArgs{
		Term:         2,
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, uint64(1), ctx.CommitIndex())
}

func TestTransport_AppendEntries_HeartbeatDoesNotResetTimerOnRejection(t *testing.T) {
	var resets int
	addr, ctx, _ := startServer(t, 3, func() { resets++ })
	require.NoError(t, ctx.BecomeFollower(9, raft.Peer{}))

	trans := NewTransport([]raft.Peer{addr}, nil)
	t.Cleanup(trans.Close)

	reply, err := trans.AppendEntries(context.Background(), addr, &AppendEntriesArgs{Term: 1})
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, 0, resets)
}
