package context

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftcore/internal/raft"
	raftlog "raftcore/internal/raft/log"
	"raftcore/internal/raft/raerr"
)

func newTestStore(t *testing.T) raftlog.Store {
	t.Helper()
	store, err := raftlog.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func selfPeer() raft.Peer {
	return raft.Peer{IP: "127.0.0.1", Port: 9001}
}

func peerAt(port uint16) raft.Peer {
	return raft.Peer{IP: "127.0.0.1", Port: port}
}

func newTestContext(t *testing.T, memberCount int) *Context {
	t.Helper()
	store := newTestStore(t)
	ctx := New(selfPeer(), memberCount, store)
	require.NoError(t, ctx.RecoverInit())
	return ctx
}

func TestRecoverInit_StartsAsFollowerWithNoLeader(t *testing.T) {
	ctx := newTestContext(t, 3)
	assert.Equal(t, raft.Follower, ctx.Role())
	assert.Equal(t, uint64(0), ctx.CurrentTerm())
	_, ok := ctx.Leader()
	assert.False(t, ok)
}

func TestBecomeCandidate_IncrementsTermAndSelfVotes(t *testing.T) {
	ctx := newTestContext(t, 3)

	require.NoError(t, ctx.BecomeCandidate())
	assert.Equal(t, raft.Candidate, ctx.Role())
	assert.Equal(t, uint64(1), ctx.CurrentTerm())
	assert.Equal(t, uint64(1), ctx.VoteQuorum())

	require.NoError(t, ctx.BecomeCandidate())
	assert.Equal(t, uint64(2), ctx.CurrentTerm())
	assert.Equal(t, uint64(1), ctx.VoteQuorum())
}

func TestBecomeCandidate_NoOpWhileLeader(t *testing.T) {
	ctx := newTestContext(t, 1)
	require.NoError(t, ctx.BecomeCandidate())
	ctx.BecomeLeader()
	term := ctx.CurrentTerm()

	require.NoError(t, ctx.BecomeCandidate())
	assert.Equal(t, raft.Leader, ctx.Role())
	assert.Equal(t, term, ctx.CurrentTerm())
}

func TestBecomeLeader_SetsLeaderToSelf(t *testing.T) {
	ctx := newTestContext(t, 1)
	require.NoError(t, ctx.BecomeCandidate())
	ctx.BecomeLeader()

	assert.Equal(t, raft.Leader, ctx.Role())
	leader, ok := ctx.Leader()
	assert.True(t, ok)
	assert.Equal(t, selfPeer(), leader)
}

func TestBecomeFollower_IgnoresStaleTerm(t *testing.T) {
	ctx := newTestContext(t, 3)
	require.NoError(t, ctx.BecomeCandidate())
	require.NoError(t, ctx.BecomeCandidate())
	term := ctx.CurrentTerm()

	require.NoError(t, ctx.BecomeFollower(term-1, peerAt(9002)))
	assert.Equal(t, raft.Candidate, ctx.Role())
	assert.Equal(t, term, ctx.CurrentTerm())
}

func TestBecomeFollower_AdvancesTermAndClearsVote(t *testing.T) {
	ctx := newTestContext(t, 3)
	require.NoError(t, ctx.BecomeCandidate())

	require.NoError(t, ctx.BecomeFollower(5, peerAt(9002)))
	assert.Equal(t, raft.Follower, ctx.Role())
	assert.Equal(t, uint64(5), ctx.CurrentTerm())
	leader, ok := ctx.Leader()
	assert.True(t, ok)
	assert.Equal(t, peerAt(9002), leader)

	granted, _, err := ctx.RequestVote(5, peerAt(9003), 0, 0)
	require.NoError(t, err)
	assert.True(t, granted, "vote record must have been cleared on the term bump")
}

func TestBecomeFollower_SameTermKeepsLeaderIfGiven(t *testing.T) {
	ctx := newTestContext(t, 3)
	require.NoError(t, ctx.BecomeFollower(1, peerAt(9002)))
	require.NoError(t, ctx.BecomeFollower(1, raft.Peer{}))

	leader, ok := ctx.Leader()
	assert.True(t, ok)
	assert.Equal(t, peerAt(9002), leader)
}

func TestRequestVote_RejectsStaleTerm(t *testing.T) {
	ctx := newTestContext(t, 3)
	require.NoError(t, ctx.BecomeCandidate())
	require.NoError(t, ctx.BecomeCandidate())
	term := ctx.CurrentTerm()

	granted, myTerm, err := ctx.RequestVote(term-1, peerAt(9002), 0, 0)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, term, myTerm)
}

func TestRequestVote_GrantsOncePerTerm(t *testing.T) {
	ctx := newTestContext(t, 3)

	granted, _, err := ctx.RequestVote(1, peerAt(9002), 0, 0)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, _, err = ctx.RequestVote(1, peerAt(9003), 0, 0)
	require.NoError(t, err)
	assert.False(t, granted, "a replica must not grant two votes in the same term")
}

func TestRequestVote_RegrantsSameCandidateSameTerm(t *testing.T) {
	ctx := newTestContext(t, 3)
	granted, _, err := ctx.RequestVote(1, peerAt(9002), 0, 0)
	require.NoError(t, err)
	require.True(t, granted)

	granted, _, err = ctx.RequestVote(1, peerAt(9002), 0, 0)
	require.NoError(t, err)
	assert.True(t, granted, "a duplicate RequestVote from the already-voted-for candidate must still be granted")
}

func TestRequestVote_RejectsLessUpToDateLog(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 3, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, store.Append([]raft.Entry{{Term: 3, Index: 1}, {Term: 5, Index: 2}}))

	granted, _, err := ctx.RequestVote(5, peerAt(9002), 1, 3)
	require.NoError(t, err)
	assert.False(t, granted, "a candidate whose last log term trails the voter's must be rejected")

	granted, _, err = ctx.RequestVote(5, peerAt(9003), 1, 5)
	require.NoError(t, err)
	assert.False(t, granted, "same last term but a shorter log must be rejected")
}

func TestRequestVote_GrantsAtLeastAsUpToDateLog(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 3, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, store.Append([]raft.Entry{{Term: 3, Index: 1}, {Term: 5, Index: 2}}))

	granted, _, err := ctx.RequestVote(5, peerAt(9002), 2, 5)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, _, err = ctx.RequestVote(6, peerAt(9003), 1, 6)
	require.NoError(t, err)
	assert.True(t, granted, "a strictly higher last log term wins regardless of length")
}

func TestRequestVote_BumpsTermOnHigherTerm(t *testing.T) {
	ctx := newTestContext(t, 3)
	require.NoError(t, ctx.BecomeCandidate())

	granted, myTerm, err := ctx.RequestVote(9, peerAt(9002), 0, 0)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, uint64(9), myTerm)
	assert.Equal(t, raft.Follower, ctx.Role())
}

func TestVoteAndCheck_ReturnsTrueExactlyOnceAtMajority(t *testing.T) {
	ctx := newTestContext(t, 5)
	require.NoError(t, ctx.BecomeCandidate())
	term := ctx.CurrentTerm()

	assert.False(t, ctx.VoteAndCheck(term), "2/5 is not yet a majority")
	assert.True(t, ctx.VoteAndCheck(term), "3/5 crosses the majority threshold")
	assert.False(t, ctx.VoteAndCheck(term), "a later vote past majority must not re-report true")
}

func TestVoteAndCheck_IgnoresWrongTermOrRole(t *testing.T) {
	ctx := newTestContext(t, 3)
	require.NoError(t, ctx.BecomeCandidate())
	term := ctx.CurrentTerm()

	assert.False(t, ctx.VoteAndCheck(term+1), "a vote for a stale/future election must not tally")

	require.NoError(t, ctx.BecomeFollower(term+5, raft.Peer{}))
	assert.False(t, ctx.VoteAndCheck(term), "a vote arriving after demotion must not tally")
}

func TestAppendEntries_RejectsStaleTerm(t *testing.T) {
	ctx := newTestContext(t, 3)
	require.NoError(t, ctx.BecomeCandidate())
	require.NoError(t, ctx.BecomeCandidate())
	term := ctx.CurrentTerm()

	accepted, myTerm, err := ctx.AppendEntries(term-1, peerAt(9002), 0, 0, nil)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, term, myTerm)
}

func TestAppendEntries_DemotesCandidateOnSameTerm(t *testing.T) {
	ctx := newTestContext(t, 3)
	require.NoError(t, ctx.BecomeCandidate())
	term := ctx.CurrentTerm()

	accepted, _, err := ctx.AppendEntries(term, peerAt(9002), 0, 0, nil)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, raft.Follower, ctx.Role())
	leader, ok := ctx.Leader()
	assert.True(t, ok)
	assert.Equal(t, peerAt(9002), leader)
}

func TestAppendEntries_ConsistencyCheckRejectsMismatchedPrevTerm(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 3, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, store.Append([]raft.Entry{{Term: 1, Index: 1}, {Term: 2, Index: 2}}))

	accepted, _, err := ctx.AppendEntries(5, peerAt(9002), 1 /* wrong prevLogTerm */, 2, nil)
	require.NoError(t, err)
	assert.False(t, accepted, "prevLogTerm must match the entry actually at prevLogIndex, not just any earlier term")
}

func TestAppendEntries_RejectsWhenPrevLogIndexBeyondTail(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 3, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, store.Append([]raft.Entry{{Term: 1, Index: 1}}))

	accepted, _, err := ctx.AppendEntries(5, peerAt(9002), 1, 10, nil)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestAppendEntries_TruncatesConflictingSuffixAndAppends(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 3, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, store.Append([]raft.Entry{{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 1, Index: 3}}))

	accepted, _, err := ctx.AppendEntries(2, peerAt(9002), 1, 1, []raft.Entry{{Term: 2, Index: 2, Command: []byte("x")}})
	require.NoError(t, err)
	require.True(t, accepted)

	lastTerm, lastIndex, err := store.LastLogTermAndIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lastIndex, "the conflicting index-3 entry must have been dropped")
	assert.Equal(t, uint64(2), lastTerm)
}

func TestAppendEntries_AppendsOntoEmptyLog(t *testing.T) {
	ctx := newTestContext(t, 3)
	accepted, _, err := ctx.AppendEntries(1, peerAt(9002), 0, 0, []raft.Entry{{Term: 1, Index: 1}, {Term: 1, Index: 2}})
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestAdvanceCommitIndex_RejectsNonCurrentTermEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 1, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, store.Append([]raft.Entry{{Term: 1, Index: 1}}))
	require.NoError(t, ctx.BecomeCandidate())
	require.NoError(t, ctx.BecomeCandidate()) // bumps current_term to 2, entry at index 1 is term 1

	advanced, err := ctx.AdvanceCommitIndex(1)
	require.NoError(t, err)
	assert.False(t, advanced, "an entry from an earlier term must never be committed by counting replicas alone")
	assert.Equal(t, uint64(0), ctx.CommitIndex())
}

func TestAdvanceCommitIndex_AcceptsCurrentTermEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 1, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, ctx.BecomeCandidate())
	require.NoError(t, store.Append([]raft.Entry{{Term: ctx.CurrentTerm(), Index: 1}}))

	advanced, err := ctx.AdvanceCommitIndex(1)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, uint64(1), ctx.CommitIndex())
}

func TestAdvanceCommitIndex_ClampsToLastLogIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 1, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, ctx.BecomeCandidate())
	require.NoError(t, store.Append([]raft.Entry{{Term: ctx.CurrentTerm(), Index: 1}}))

	advanced, err := ctx.AdvanceCommitIndex(100)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, uint64(1), ctx.CommitIndex())
}

func TestAdvanceCommitIndex_NoOpIfNotPastCurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 1, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, ctx.BecomeCandidate())
	require.NoError(t, store.Append([]raft.Entry{{Term: ctx.CurrentTerm(), Index: 1}}))
	_, err := ctx.AdvanceCommitIndex(1)
	require.NoError(t, err)

	advanced, err := ctx.AdvanceCommitIndex(1)
	require.NoError(t, err)
	assert.False(t, advanced)
	advanced, err = ctx.AdvanceCommitIndex(0)
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestAdvanceFollowerCommitIndex_AdvancesPastPreviousTermBoundaryEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 3, store)
	require.NoError(t, ctx.RecoverInit())
	// A leadership change has just happened: the log's only entry is from
	// term 1, but this replica has already observed term 2 (e.g. via a
	// RequestVote). leader_commit points at that term-1 boundary entry
	// before any term-2 entry has ever been appended.
	require.NoError(t, store.Append([]raft.Entry{{Term: 1, Index: 1}}))
	require.NoError(t, ctx.BecomeFollower(2, peerAt(9002)))
	require.Equal(t, uint64(2), ctx.CurrentTerm())

	advanced, err := ctx.AdvanceFollowerCommitIndex(1)
	require.NoError(t, err)
	assert.True(t, advanced, "a follower must advance commit_index on leader_commit even when the boundary entry predates its current term")
	assert.Equal(t, uint64(1), ctx.CommitIndex())
}

func TestAdvanceFollowerCommitIndex_ClampsToLastLogIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 3, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, store.Append([]raft.Entry{{Term: 1, Index: 1}}))

	advanced, err := ctx.AdvanceFollowerCommitIndex(100)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, uint64(1), ctx.CommitIndex())
}

func TestAdvanceFollowerCommitIndex_NoOpIfNotPastCurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 3, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, store.Append([]raft.Entry{{Term: 1, Index: 1}}))
	_, err := ctx.AdvanceFollowerCommitIndex(1)
	require.NoError(t, err)

	advanced, err := ctx.AdvanceFollowerCommitIndex(1)
	require.NoError(t, err)
	assert.False(t, advanced)
	advanced, err = ctx.AdvanceFollowerCommitIndex(0)
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestWaitApply_ReturnsOnceIndexApplied(t *testing.T) {
	ctx := newTestContext(t, 3)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ctx.SetApplyIndex(3)
	}()

	err := ctx.WaitApply(3, time.Second)
	assert.NoError(t, err)
}

func TestWaitApply_ReturnsImmediatelyIfAlreadyApplied(t *testing.T) {
	ctx := newTestContext(t, 3)
	ctx.SetApplyIndex(5)

	err := ctx.WaitApply(3, time.Millisecond)
	assert.NoError(t, err)
}

func TestWaitApply_TimesOut(t *testing.T) {
	ctx := newTestContext(t, 3)
	err := ctx.WaitApply(1, 20*time.Millisecond)
	assert.ErrorIs(t, err, raerr.ErrTimeout)
}

func TestWaitApply_ReturnsStoppedAfterStop(t *testing.T) {
	ctx := newTestContext(t, 3)
	ctx.Stop()

	err := ctx.WaitApply(1, time.Second)
	assert.ErrorIs(t, err, raerr.ErrStopped)
}

func TestWaitForCommit_UnblocksApplyWorkerOnCommit(t *testing.T) {
	store := newTestStore(t)
	ctx := New(selfPeer(), 1, store)
	require.NoError(t, ctx.RecoverInit())
	require.NoError(t, ctx.BecomeCandidate())
	require.NoError(t, store.Append([]raft.Entry{{Term: ctx.CurrentTerm(), Index: 1}}))

	type result struct {
		commit uint64
		ok     bool
	}
	done := make(chan result, 1)
	go func() {
		commit, ok := ctx.WaitForCommit(0)
		done <- result{commit, ok}
	}()

	_, err := ctx.AdvanceCommitIndex(1)
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.True(t, r.ok)
		assert.Equal(t, uint64(1), r.commit)
	case <-time.After(time.Second):
		t.Fatal("WaitForCommit did not unblock after AdvanceCommitIndex")
	}
}

func TestWaitForCommit_UnblocksOnStop(t *testing.T) {
	ctx := newTestContext(t, 3)

	done := make(chan bool, 1)
	go func() {
		_, ok := ctx.WaitForCommit(0)
		done <- ok
	}()

	ctx.Stop()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitForCommit did not unblock after Stop")
	}
}

func TestQuorumSize(t *testing.T) {
	assert.Equal(t, 1, New(selfPeer(), 1, nil).QuorumSize())
	assert.Equal(t, 2, New(selfPeer(), 3, nil).QuorumSize())
	assert.Equal(t, 3, New(selfPeer(), 4, nil).QuorumSize())
	assert.Equal(t, 3, New(selfPeer(), 5, nil).QuorumSize())
}
