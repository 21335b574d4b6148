package rpc

import (
	"context"

	"raftcore/internal/raft"
	raftcontext "raftcore/internal/raft/context"
)

// Handler implements RaftServer, translating wire RPCs into calls on a
// replica's Context. It is the server-side half of the transport; the peer
// package holds the client-side half.
type Handler struct {
	ctx *raftcontext.Context

	// resetElectionTimer is invoked whenever a valid AppendEntries arrives
	// from the current (or newly discovered) leader:
	// a follower's election timer only resets on valid leader traffic or a
	// granted vote, never merely on receiving any RPC.
	resetElectionTimer func()
}

// NewHandler builds an RPC handler bound to ctx. resetElectionTimer is
// called on every AppendEntries that ctx accepts.
func NewHandler(ctx *raftcontext.Context, resetElectionTimer func()) *Handler {
	return &Handler{ctx: ctx, resetElectionTimer: resetElectionTimer}
}

func (h *Handler) RequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error) {
	candidate := raft.Peer{IP: args.CandidateIP, Port: args.CandidatePort}
	granted, term, err := h.ctx.RequestVote(args.Term, candidate, args.LastLogIndex, args.LastLogTerm)
	if err != nil {
		return nil, err
	}
	if granted && h.resetElectionTimer != nil {
		h.resetElectionTimer()
	}
	return &RequestVoteReply{Term: term, VoteGranted: granted}, nil
}

func (h *Handler) AppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	leader := raft.Peer{IP: args.LeaderIP, Port: args.LeaderPort}
	accepted, term, err := h.ctx.AppendEntries(args.Term, leader, args.PrevLogTerm, args.PrevLogIndex, args.Entries)
	if err != nil {
		return nil, err
	}
	if accepted {
		if h.resetElectionTimer != nil {
			h.resetElectionTimer()
		}
		if args.LeaderCommit > 0 {
			if _, err := h.ctx.AdvanceFollowerCommitIndex(args.LeaderCommit); err != nil {
				return nil, err
			}
		}
	}
	return &AppendEntriesReply{Term: term, Success: accepted}, nil
}
