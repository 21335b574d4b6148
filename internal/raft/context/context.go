// Package context implements the Context component: in-memory authoritative
// replica state, role transitions, vote tallying, and commit-index
// advancement.
package context

import (
	"sync"
	"time"

	"raftcore/internal/raft"
	"raftcore/internal/raft/log"
	"raftcore/internal/raft/raerr"
)

// Context holds a replica's in-memory authoritative state. All mutation
// goes through its methods, which enforce a strict lock ordering:
// state_rw before apply_mu; no method acquires state_rw while holding
// apply_mu. RequestVote and AppendEntries call into the log store while
// holding state_rw; store methods never take a Context lock.
type Context struct {
	// state_rw: protects role, term, vote, leader identity, vote quorum.
	// Writer-preferring so election demotions are never starved by
	// read-heavy RequestVote/AppendEntries traffic. Held as a pointer: the
	// two sync.Cond inside rwLock bind their L to that struct's own mutex
	// at construction, so copying the struct by value afterward leaves the
	// copy's Cond.L pointing at the original's mutex instead of its own.
	mu *rwLock

	// apply_mu + apply_cond: guards commitIndex and applyIndex together and
	// coordinates the apply worker and WaitApply/WaitForCommit callers. A
	// single mutex backs both fields so that a commit-index advance and a
	// waiter's check-then-wait can never interleave: if they used separate
	// locks, a Broadcast landing between the waiter's predicate read and its
	// Wait call would go unheard.
	applyMu   sync.Mutex
	applyCond *sync.Cond

	store       log.Store
	self        raft.Peer
	memberCount int

	role        raft.Role
	currentTerm uint64
	votedFor    raft.Peer
	leader      raft.Peer
	voteQuorum  uint64

	commitIndex uint64
	applyIndex  uint64

	stopped bool
}

// New constructs a Context for self among a cluster of memberCount voters
// (including self), backed by store. Call RecoverInit before use.
func New(self raft.Peer, memberCount int, store log.Store) *Context {
	c := &Context{
		store:       store,
		self:        self,
		memberCount: memberCount,
		mu:          newRWLock(),
	}
	c.applyCond = sync.NewCond(&c.applyMu)
	return c
}

// RecoverInit loads current_term and voted_for from the log store's
// metadata after it has been opened, sets role to Follower, and clears the
// known leader. Must be called once before the replica starts serving RPCs.
func (c *Context) RecoverInit() error {
	term, err := c.store.CurrentTerm()
	if err != nil {
		return err
	}
	ip, err := c.store.VotedForIP()
	if err != nil {
		return err
	}
	port, err := c.store.VotedForPort()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTerm = term
	c.votedFor = raft.Peer{IP: ip, Port: port}
	c.role = raft.Follower
	c.leader = raft.Peer{}
	return nil
}

// persistVote flushes current_term and voted_for to the log store. Must be
// called with mu held.
func (c *Context) persistVote() error {
	return c.store.UpdateMetadata(c.currentTerm, c.votedFor.IP, c.votedFor.Port)
}

// Role returns the replica's current role.
func (c *Context) Role() raft.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// CurrentTerm returns the replica's current term.
func (c *Context) CurrentTerm() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTerm
}

// Leader returns the known leader for the current term, if any.
func (c *Context) Leader() (raft.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.leader.Empty() {
		return raft.Peer{}, false
	}
	return c.leader, true
}

// VoteQuorum returns the number of votes received this term while
// Candidate.
func (c *Context) VoteQuorum() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.voteQuorum
}

// BecomeFollower demotes the replica to Follower. Callable from any role.
// Metadata is only flushed when the term actually advances, not merely
// when a leader becomes known.
func (c *Context) BecomeFollower(newTerm uint64, leader raft.Peer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newTerm < c.currentTerm {
		return nil // stale sender
	}
	if newTerm > c.currentTerm {
		c.currentTerm = newTerm
		c.votedFor = raft.Peer{}
		if err := c.persistVote(); err != nil {
			return err
		}
	}
	if !leader.Empty() {
		c.leader = leader
	}
	c.role = raft.Follower
	return nil
}

// BecomeCandidate starts a new election term. Precondition: role is
// Follower or Candidate.
func (c *Context) BecomeCandidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role == raft.Leader {
		return nil
	}
	c.currentTerm++
	c.role = raft.Candidate
	c.leader = raft.Peer{}
	c.votedFor = c.self
	c.voteQuorum = 1
	return c.persistVote()
}

// BecomeLeader promotes the replica to Leader. Precondition: role is
// Candidate and vote_quorum has reached majority; idempotent if already
// Leader.
func (c *Context) BecomeLeader() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role == raft.Leader {
		return
	}
	c.role = raft.Leader
	c.leader = c.self
}

// QuorumSize returns the number of votes required for a majority of
// memberCount voters (including self).
func (c *Context) QuorumSize() int {
	return c.memberCount/2 + 1
}

// RequestVote evaluates an incoming vote request against the safety
// predicate: a replica only grants its vote to a candidate whose log is
// at least as up to date as its own, and at most once per term.
func (c *Context) RequestVote(term uint64, candidate raft.Peer, lastLogIndex, lastLogTerm uint64) (granted bool, myTerm uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if term < c.currentTerm {
		return false, c.currentTerm, nil
	}

	if term > c.currentTerm {
		c.currentTerm = term
		c.votedFor = raft.Peer{}
		c.role = raft.Follower
		c.leader = raft.Peer{}
		if err := c.persistVote(); err != nil {
			return false, c.currentTerm, err
		}
	}

	if !c.votedFor.Empty() && c.votedFor != candidate {
		return false, c.currentTerm, nil
	}

	myLogTerm, myLogIndex, err := c.store.LastLogTermAndIndex()
	if err != nil {
		return false, c.currentTerm, err
	}

	upToDate := lastLogTerm > myLogTerm || (lastLogTerm == myLogTerm && lastLogIndex >= myLogIndex)
	if !upToDate {
		return false, c.currentTerm, nil
	}

	c.votedFor = candidate
	if err := c.persistVote(); err != nil {
		return false, c.currentTerm, err
	}
	return true, c.currentTerm, nil
}

// VoteAndCheck tallies a granted RequestVote reply, called by a peer
// worker. It returns true when, after counting this vote, vote_quorum
// exceeds half the members. Every further vote counted while the role is
// still Candidate also returns true; once the replica has become Leader,
// votes are no longer tallied.
func (c *Context) VoteAndCheck(voteTerm uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if voteTerm != c.currentTerm || c.role != raft.Candidate {
		return false
	}
	c.voteQuorum++
	return c.voteQuorum > uint64(c.memberCount/2)
}

// AppendEntries evaluates an incoming AppendEntries call against the log
// consistency check: the entry at prevLogIndex must match prevLogTerm, not
// merely the replica's last entry — otherwise a follower whose tail has a
// stale conflicting entry beyond prevLogIndex could wrongly accept a
// request that only checked the very last entry.
func (c *Context) AppendEntries(term uint64, leader raft.Peer, prevLogTerm, prevLogIndex uint64, entries []raft.Entry) (accepted bool, myTerm uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if term < c.currentTerm {
		return false, c.currentTerm, nil
	}

	// A valid AppendEntries (term >= current_term) always applies the
	// become_follower effects: bump the term if it advanced, and record
	// the sender as leader. This is idempotent and safe to apply on every
	// accepted message, not just on a term change or a Candidate's
	// demotion, so a replica that recovers mid-term still learns the
	// current leader from the very next heartbeat it receives.
	if term > c.currentTerm {
		c.currentTerm = term
		c.votedFor = raft.Peer{}
		if err := c.persistVote(); err != nil {
			return false, c.currentTerm, err
		}
	}
	c.role = raft.Follower
	if !leader.Empty() {
		c.leader = leader
	}

	_, myLogIndex, err := c.store.LastLogTermAndIndex()
	if err != nil {
		return false, c.currentTerm, err
	}

	if prevLogIndex > myLogIndex {
		return false, c.currentTerm, nil
	}
	if prevLogIndex > 0 {
		prevEntry, err := c.store.GetEntry(prevLogIndex)
		if err != nil {
			return false, c.currentTerm, err
		}
		if prevEntry.Term != prevLogTerm {
			return false, c.currentTerm, nil
		}
	}

	if prevLogIndex < myLogIndex {
		if err := c.store.TruncateSuffix(prevLogIndex); err != nil {
			return false, c.currentTerm, err
		}
	}
	if len(entries) > 0 {
		if err := c.store.Append(entries); err != nil {
			return false, c.currentTerm, err
		}
	}

	return true, c.currentTerm, nil
}

// AdvanceCommitIndex advances commit_index to newCommitIndex if it is safe
// to do so. This is the Leader's quorum-based path: it enforces the
// Leader-only safety rule that an entry can only be committed if its term
// equals the current term, which rules out committing a stale-term entry
// indirectly through a later leader's replication. Followers advancing on
// leader_commit go through AdvanceFollowerCommitIndex instead, which has no
// term check of its own.
func (c *Context) AdvanceCommitIndex(newCommitIndex uint64) (bool, error) {
	if newCommitIndex == 0 {
		return false, nil
	}

	currentTerm := c.CurrentTerm()

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	newCommitIndex, ok, err := c.clampCommitIndexLocked(newCommitIndex)
	if !ok || err != nil {
		return false, err
	}

	entry, err := c.store.GetEntry(newCommitIndex)
	if err != nil {
		return false, err
	}
	if entry.Term != currentTerm {
		return false, nil
	}

	c.commitIndex = newCommitIndex
	c.applyCond.Broadcast()
	return true, nil
}

// AdvanceFollowerCommitIndex advances commit_index to leaderCommit, clamped
// to the local log's tail. Unlike AdvanceCommitIndex it applies no
// term-equality check: a follower only ever advances past entries it has
// itself just accepted via AppendEntries, and the Leader already verified
// those entries were safe to commit before ever reporting that
// leader_commit. Gating this path on term equality too would wrongly stall
// a follower whenever leader_commit points at a boundary entry from a
// previous term, e.g. right after a leadership change before any
// current-term entry exists yet.
func (c *Context) AdvanceFollowerCommitIndex(leaderCommit uint64) (bool, error) {
	if leaderCommit == 0 {
		return false, nil
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	newCommitIndex, ok, err := c.clampCommitIndexLocked(leaderCommit)
	if !ok || err != nil {
		return false, err
	}

	c.commitIndex = newCommitIndex
	c.applyCond.Broadcast()
	return true, nil
}

// clampCommitIndexLocked clamps requested to the local log's last index and
// reports whether the clamped value is still past the current commit_index.
// Callers must hold apply_mu.
func (c *Context) clampCommitIndexLocked(requested uint64) (uint64, bool, error) {
	if requested <= c.commitIndex {
		return 0, false, nil
	}
	lastLogIndex, err := c.store.LastLogIndex()
	if err != nil {
		return 0, false, err
	}
	if requested > lastLogIndex {
		requested = lastLogIndex
	}
	if requested <= c.commitIndex {
		return 0, false, nil
	}
	return requested, true, nil
}

// CommitIndex returns the highest index known to be committed.
func (c *Context) CommitIndex() uint64 {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.commitIndex
}

// ApplyIndex returns the highest index applied to the state machine.
func (c *Context) ApplyIndex() uint64 {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.applyIndex
}

// SetApplyIndex advances apply_index and wakes WaitApply callers. Only the
// apply worker calls this, and only with strictly increasing indices.
func (c *Context) SetApplyIndex(index uint64) {
	c.applyMu.Lock()
	c.applyIndex = index
	c.applyCond.Broadcast()
	c.applyMu.Unlock()
}

// WaitForCommit blocks the apply worker until commit_index exceeds
// apply_index or the context is stopped, returning the commit index to
// apply up to.
func (c *Context) WaitForCommit(applyIndex uint64) (uint64, bool) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	for {
		if c.stopped {
			return 0, false
		}
		if c.commitIndex > applyIndex {
			return c.commitIndex, true
		}
		c.applyCond.Wait()
	}
}

// WaitApply blocks until apply_index >= index or timeout elapses.
func (c *Context) WaitApply(index uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	for c.applyIndex < index {
		if c.stopped {
			return raerr.ErrStopped
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return raerr.ErrTimeout
		}
		timer := time.AfterFunc(remaining, c.applyCond.Broadcast)
		c.applyCond.Wait()
		timer.Stop()
	}
	return nil
}

// Stop wakes every WaitApply/apply-worker waiter with a shutdown signal.
func (c *Context) Stop() {
	c.applyMu.Lock()
	c.stopped = true
	c.applyCond.Broadcast()
	c.applyMu.Unlock()
}
