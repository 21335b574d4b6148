// Package peer implements the Peer Worker: a message-driven loop, one per
// remote cluster member, that drives RequestVote during elections and
// AppendEntries during leadership, and tracks that peer's
// next_index/match_index. Each worker holds an inbound command queue
// (issue a vote, replicate); the election and replication drivers enqueue
// commands and the worker consumes them sequentially. Shutdown is
// signalled on a separate stop channel. next_index and match_index are
// atomics, never behind a shared mutex: the worker goroutine updates them
// as replies arrive, and the node reads match_index and resets both on
// becoming leader from its own goroutine.
package peer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"raftcore/internal/raft"
	raftcontext "raftcore/internal/raft/context"
	raftlog "raftcore/internal/raft/log"
	"raftcore/internal/raft/rpc"
)

// maxEntriesPerAppend bounds how many log entries a single AppendEntries
// carries — chosen generously
// since the consensus core targets small clusters with modest command
// sizes, not high-throughput bulk loading.
const maxEntriesPerAppend = 256

type command struct {
	kind replicateKind
	// fields used by issueVote
	term         uint64
	lastLogIndex uint64
	lastLogTerm  uint64
	// fields used by replicateUpTo
	upTo uint64
}

type replicateKind int

const (
	cmdIssueVote replicateKind = iota
	cmdReplicate
	cmdShutdown
)

// OnVoteGranted is called when this peer grants a vote for the given term.
type OnVoteGranted func(term uint64)

// OnReplicated is called whenever this peer's match_index advances, so the
// leader can recompute its commit index across all peers.
type OnReplicated func(peerID raft.ServerID, matchIndex uint64)

// Worker drives RPCs to a single remote cluster member.
type Worker struct {
	self raft.Peer
	peer raft.Peer

	ctx       *raftcontext.Context
	store     raftlog.Store
	transport *rpc.Transport

	onVoteGranted OnVoteGranted
	onReplicated  OnReplicated

	nextIndex  atomic.Uint64
	matchIndex atomic.Uint64

	inbox    chan command
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New constructs a Peer Worker for peer, to be driven by a cluster member
// identified by self. Call Run in its own goroutine.
func New(self, peerAddr raft.Peer, ctx *raftcontext.Context, store raftlog.Store, transport *rpc.Transport, onVoteGranted OnVoteGranted, onReplicated OnReplicated) *Worker {
	return &Worker{
		self:          self,
		peer:          peerAddr,
		ctx:           ctx,
		store:         store,
		transport:     transport,
		onVoteGranted: onVoteGranted,
		onReplicated:  onReplicated,
		inbox:         make(chan command, 8),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// ResetForLeadership sets next_index to last_log_index + 1 and clears
// match_index, as a Peer Worker must on observing a leadership transition.
func (w *Worker) ResetForLeadership(lastLogIndex uint64) {
	w.nextIndex.Store(lastLogIndex + 1)
	w.matchIndex.Store(0)
}

// MatchIndex returns the last index known replicated to this peer.
func (w *Worker) MatchIndex() uint64 {
	return w.matchIndex.Load()
}

// Peer returns the remote member this worker drives.
func (w *Worker) Peer() raft.Peer {
	return w.peer
}

// IssueVote enqueues a RequestVote for the given term and candidate log
// position. Called by the node once per election, for every peer.
func (w *Worker) IssueVote(term, lastLogIndex, lastLogTerm uint64) {
	select {
	case w.inbox <- command{kind: cmdIssueVote, term: term, lastLogIndex: lastLogIndex, lastLogTerm: lastLogTerm}:
	case <-w.stopCh:
	}
}

// Replicate enqueues a replication round. The round sends every entry from
// next_index up to the leader's current last_log_index (at most
// maxEntriesPerAppend), or an empty heartbeat when the peer is caught up;
// upTo is carried in the command but the round does not read it. If the
// inbox is full the signal is dropped rather than blocking, since the next
// successful round always catches up to the latest tail.
func (w *Worker) Replicate(upTo uint64) {
	select {
	case w.inbox <- command{kind: cmdReplicate, upTo: upTo}:
	default:
	}
}

// Shutdown stops the worker. Safe to call more than once.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run consumes commands until Shutdown is called.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case cmd := <-w.inbox:
			switch cmd.kind {
			case cmdIssueVote:
				w.issueVote(cmd.term, cmd.lastLogIndex, cmd.lastLogTerm)
			case cmdReplicate:
				w.replicate()
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) issueVote(term, lastLogIndex, lastLogTerm uint64) {
	args := &rpc.RequestVoteArgs{
		Term:          term,
		CandidateIP:   w.self.IP,
		CandidatePort: w.self.Port,
		LastLogIndex:  lastLogIndex,
		LastLogTerm:   lastLogTerm,
	}
	reply, err := w.transport.RequestVote(context.Background(), w.peer, args)
	if err != nil {
		log.Printf("[PEER-%s] RequestVote failed: %v", w.peer.Addr(), err)
		return
	}
	if reply.Term > term {
		if err := w.ctx.BecomeFollower(reply.Term, raft.Peer{}); err != nil {
			log.Printf("[PEER-%s] become_follower on stale term: %v", w.peer.Addr(), err)
		}
		return
	}
	if reply.VoteGranted && w.onVoteGranted != nil {
		w.onVoteGranted(term)
	}
}

func (w *Worker) replicate() {
	term := w.ctx.CurrentTerm()
	nextIndex := w.nextIndex.Load()
	if nextIndex == 0 {
		nextIndex = 1
	}
	prevLogIndex := nextIndex - 1

	var prevLogTerm uint64
	if prevLogIndex > 0 {
		entry, err := w.store.GetEntry(prevLogIndex)
		if err != nil {
			log.Printf("[PEER-%s] read prev entry %d: %v", w.peer.Addr(), prevLogIndex, err)
			return
		}
		prevLogTerm = entry.Term
	}

	lastLogIndex, err := w.store.LastLogIndex()
	if err != nil {
		log.Printf("[PEER-%s] read last log index: %v", w.peer.Addr(), err)
		return
	}

	var entries []raft.Entry
	for i := nextIndex; i <= lastLogIndex && len(entries) < maxEntriesPerAppend; i++ {
		entry, err := w.store.GetEntry(i)
		if err != nil {
			log.Printf("[PEER-%s] read entry %d: %v", w.peer.Addr(), i, err)
			return
		}
		entries = append(entries, entry)
	}

	args := &rpc.AppendEntriesArgs{
		Term:         term,
		LeaderIP:     w.self.IP,
		LeaderPort:   w.self.Port,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: w.ctx.CommitIndex(),
	}
	reply, err := w.transport.AppendEntries(context.Background(), w.peer, args)
	if err != nil {
		log.Printf("[PEER-%s] AppendEntries failed: %v", w.peer.Addr(), err)
		return
	}

	if reply.Term > term {
		if err := w.ctx.BecomeFollower(reply.Term, raft.Peer{}); err != nil {
			log.Printf("[PEER-%s] become_follower on stale term: %v", w.peer.Addr(), err)
		}
		return
	}

	if reply.Success {
		matchIndex := prevLogIndex + uint64(len(entries))
		w.matchIndex.Store(matchIndex)
		w.nextIndex.Store(matchIndex + 1)
		if w.onReplicated != nil {
			w.onReplicated(raft.ServerID(w.peer.Addr()), matchIndex)
		}
		return
	}

	// Log mismatch: single-step backoff (no
	// conflicting-term optimization).
	if nextIndex > 1 {
		w.nextIndex.Store(nextIndex - 1)
	}
}
