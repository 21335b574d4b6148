// Package node wires the consensus core's components into the facade an
// embedding application drives — Start/Stop/Erase/Submit/GetLeader, per
// the control surface. It lives apart from package raft
// (which only holds the shared wire/data types) so it can freely import
// every subsystem package without an import cycle back through them.
package node

import (
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"

	"raftcore/internal/raft"
	"raftcore/internal/raft/apply"
	raftcontext "raftcore/internal/raft/context"
	"raftcore/internal/raft/election"
	raftlog "raftcore/internal/raft/log"
	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/peer"
	"raftcore/internal/raft/raerr"
	"raftcore/internal/raft/rpc"
	"raftcore/internal/raft/statemachine"
)

// Status is the outcome of Start.
type Status int

const (
	StatusOK Status = iota
	StatusCorruption
	StatusIOError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "Ok"
	case StatusCorruption:
		return "Corruption"
	case StatusIOError:
		return "IOError"
	default:
		return "Unknown"
	}
}

// Node is the facade an embedding application drives: Start/Stop/Erase plus
// client command submission. It wires
// together the Log Store, Context, Apply Worker, one Peer Worker per
// remote member, the Election Timer, and the gRPC transport.
type Node struct {
	cfg Config
	sm  statemachine.StateMachine

	store   raftlog.Store
	ctx     *raftcontext.Context
	applyWk *apply.Worker
	metrics *metrics.Metrics
	trans   *rpc.Transport

	electionTimer *election.Timer
	peers         map[raft.ServerID]*peer.Worker

	grpcServer *grpc.Server
	listener   net.Listener

	heartbeatStop chan struct{}
	wg            sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New constructs a Node. Start must be called before it serves traffic;
// sm is the external state machine the Apply Worker drives.
func New(cfg Config, sm statemachine.StateMachine) *Node {
	return &Node{cfg: cfg, sm: sm}
}

// Start opens persistent stores, recovers Context, and launches every
// background worker: the Apply Worker, one Peer Worker per remote member,
// the Election Timer, the heartbeat ticker, and the gRPC server.
func (n *Node) Start() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return StatusOK
	}

	if err := n.cfg.Validate(); err != nil {
		log.Printf("[NODE-%s] invalid config: %v", n.cfg.Self().Addr(), err)
		return StatusCorruption
	}

	if err := os.MkdirAll(n.cfg.DataPath, 0o755); err != nil {
		log.Printf("[NODE-%s] failed creating data_path: %v", n.cfg.Self().Addr(), err)
		return StatusIOError
	}

	store, err := raftlog.Open(n.cfg.LogPath)
	if err != nil {
		log.Printf("[NODE-%s] failed opening log store: %v", n.cfg.Self().Addr(), err)
		return StatusCorruption
	}
	n.store = store

	n.ctx = raftcontext.New(n.cfg.Self(), len(n.cfg.Members), store)
	if err := n.ctx.RecoverInit(); err != nil {
		log.Printf("[NODE-%s] failed recovering context: %v", n.cfg.Self().Addr(), err)
		return StatusCorruption
	}

	n.metrics = metrics.NewMetrics()
	n.trans = rpc.NewTransport(n.cfg.Peers(), n.metrics)

	n.peers = make(map[raft.ServerID]*peer.Worker, len(n.cfg.Peers()))
	for _, p := range n.cfg.Peers() {
		w := peer.New(n.cfg.Self(), p, n.ctx, n.store, n.trans, n.onVoteGranted, n.onReplicated)
		n.peers[raft.ServerID(p.Addr())] = w
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			w.Run()
		}()
	}

	n.applyWk = apply.New(n.cfg.Self().Addr(), n.ctx, n.store, n.sm)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.applyWk.Run(); err != nil {
			log.Fatalf("[NODE-%s] apply worker exited: %v", n.cfg.Self().Addr(), err)
		}
	}()

	n.electionTimer = election.New(n.cfg.ElectTimeout(), n.onElectionTimeout)

	n.heartbeatStop = make(chan struct{})
	n.wg.Add(1)
	go n.heartbeatLoop()

	if err := n.startServer(); err != nil {
		log.Printf("[NODE-%s] failed starting gRPC server: %v", n.cfg.Self().Addr(), err)
		return StatusIOError
	}

	n.started = true
	log.Printf("[NODE-%s] started, term=%d", n.cfg.Self().Addr(), n.ctx.CurrentTerm())
	return StatusOK
}

func (n *Node) startServer() error {
	lis, err := net.Listen("tcp", n.cfg.Self().Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.cfg.Self().Addr(), err)
	}
	n.listener = lis

	n.grpcServer = grpc.NewServer()
	handler := rpc.NewHandler(n.ctx, n.electionTimer.Reset)
	rpc.RegisterRaftServer(n.grpcServer, handler)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.grpcServer.Serve(lis); err != nil {
			log.Printf("[NODE-%s] gRPC server stopped: %v", n.cfg.Self().Addr(), err)
		}
	}()
	return nil
}

func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n.ctx.Role() == raft.Leader {
				for _, w := range n.peers {
					w.Replicate(0)
				}
			}
		case <-n.heartbeatStop:
			return
		}
	}
}

// onElectionTimeout fires from the Election Timer's own goroutine. A
// replica already leading never runs for election again; the timer is
// left running but effectively disabled rather than physically stopped.
func (n *Node) onElectionTimeout() {
	if n.ctx.Role() == raft.Leader {
		return
	}
	n.startElection()
}

func (n *Node) startElection() {
	if err := n.ctx.BecomeCandidate(); err != nil {
		log.Printf("[NODE-%s] become_candidate failed: %v", n.cfg.Self().Addr(), err)
		return
	}
	// Re-arm the timeout on every entry into Candidate: the timer is a
	// one-shot AfterFunc, and a candidate that loses its election (split
	// vote, lost/late RequestVote replies) must time out again and retry
	// with a fresh randomized delay rather than waiting forever.
	n.electionTimer.Reset()
	term := n.ctx.CurrentTerm()
	log.Printf("[NODE-%s] starting election for term %d", n.cfg.Self().Addr(), term)

	if n.ctx.VoteQuorum() >= uint64(n.ctx.QuorumSize()) {
		// Single-voter (or already-satisfied) cluster: self-vote alone is
		// a majority.
		n.becomeLeader()
		return
	}

	lastTerm, lastIndex, err := n.store.LastLogTermAndIndex()
	if err != nil {
		log.Printf("[NODE-%s] failed reading log tail for election: %v", n.cfg.Self().Addr(), err)
		return
	}
	for _, w := range n.peers {
		w.IssueVote(term, lastIndex, lastTerm)
	}
}

func (n *Node) onVoteGranted(term uint64) {
	if n.ctx.VoteAndCheck(term) {
		n.becomeLeader()
	}
}

func (n *Node) becomeLeader() {
	n.ctx.BecomeLeader()
	lastIndex, err := n.store.LastLogIndex()
	if err != nil {
		log.Printf("[NODE-%s] failed reading last log index on becoming leader: %v", n.cfg.Self().Addr(), err)
		return
	}
	for _, w := range n.peers {
		w.ResetForLeadership(lastIndex)
	}
	log.Printf("[NODE-%s] became leader for term %d", n.cfg.Self().Addr(), n.ctx.CurrentTerm())
	for _, w := range n.peers {
		w.Replicate(lastIndex)
	}
}

// onReplicated recomputes the leader's commit index whenever a peer's
// match_index advances: the largest N > commit_index
// replicated to a majority (counting self) whose entry's term equals the
// current term.
func (n *Node) onReplicated(raft.ServerID, uint64) {
	lastIndex, err := n.store.LastLogIndex()
	if err != nil {
		return
	}

	matches := make([]uint64, 0, len(n.peers)+1)
	matches = append(matches, lastIndex) // self always has the full log
	for _, w := range n.peers {
		matches = append(matches, w.MatchIndex())
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	quorum := n.ctx.QuorumSize()
	if quorum > len(matches) {
		return
	}
	candidate := matches[quorum-1]
	if candidate == 0 {
		return
	}
	if _, err := n.ctx.AdvanceCommitIndex(candidate); err != nil {
		log.Printf("[NODE-%s] advance_commit_index failed: %v", n.cfg.Self().Addr(), err)
	}
}

// Submit appends command to the Leader's log and wakes every Peer Worker
// to replicate it, returning the index the caller should WaitApply on. It
// fails if this replica is not currently Leader.
func (n *Node) Submit(command []byte) (uint64, error) {
	if n.ctx.Role() != raft.Leader {
		leader, ok := n.ctx.Leader()
		if ok {
			return 0, fmt.Errorf("not leader, current leader is %s", leader.Addr())
		}
		return 0, fmt.Errorf("not leader, no known leader")
	}

	lastIndex, err := n.store.LastLogIndex()
	if err != nil {
		return 0, err
	}
	entry := raft.Entry{Term: n.ctx.CurrentTerm(), Index: lastIndex + 1, Command: command}
	if err := n.store.Append([]raft.Entry{entry}); err != nil {
		return 0, err
	}

	for _, w := range n.peers {
		w.Replicate(entry.Index)
	}
	if len(n.peers) == 0 {
		// Single-node cluster: self is already a majority.
		if _, err := n.ctx.AdvanceCommitIndex(entry.Index); err != nil {
			return 0, err
		}
	}
	return entry.Index, nil
}

// WaitApply blocks until apply_index >= index or timeout elapses.
func (n *Node) WaitApply(index uint64, timeout time.Duration) error {
	return n.ctx.WaitApply(index, timeout)
}

// GetLeader returns the currently known leader, or raerr.ErrNotFound if
// none is known.
func (n *Node) GetLeader() (raft.Peer, error) {
	leader, ok := n.ctx.Leader()
	if !ok {
		return raft.Peer{}, raerr.ErrNotFound
	}
	return leader, nil
}

// Stop gracefully shuts down every background worker: peer workers, the
// heartbeat loop, the election timer, the gRPC server, the Apply Worker,
// and finally the Log Store, in that order.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return
	}

	for _, w := range n.peers {
		w.Shutdown()
	}
	close(n.heartbeatStop)
	n.electionTimer.Stop()
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
	}
	n.ctx.Stop()
	n.wg.Wait()

	if n.trans != nil {
		n.trans.Close()
	}
	if err := n.store.Close(); err != nil {
		log.Printf("[NODE-%s] failed closing log store: %v", n.cfg.Self().Addr(), err)
	}

	n.started = false
	log.Printf("[NODE-%s] stopped", n.cfg.Self().Addr())
}

// Erase stops the node then deletes log_path and data_path.
func (n *Node) Erase() error {
	n.Stop()
	if err := os.RemoveAll(n.cfg.LogPath); err != nil {
		return err
	}
	return os.RemoveAll(n.cfg.DataPath)
}
