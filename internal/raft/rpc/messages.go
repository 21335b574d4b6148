// Package rpc implements the wire transport between replicas: the
// RequestVote and AppendEntries RPCs, carried over real gRPC connections.
// Rather than depend on generated protobuf message types and a
// .proto-derived service descriptor, this package hand-writes an
// equivalent grpc.ServiceDesc and swaps the wire codec for encoding/gob —
// the RPCs still travel over genuine grpc.ClientConn/grpc.Server plumbing,
// just without protoc-gen-go output.
package rpc

import "raftcore/internal/raft"

// RequestVoteArgs is the wire form of a RequestVote call.
type RequestVoteArgs struct {
	Term         uint64
	CandidateIP  string
	CandidatePort uint16
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is the wire form of a RequestVote reply.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is the wire form of an AppendEntries call (also used
// for heartbeats, with Entries left empty).
type AppendEntriesArgs struct {
	Term         uint64
	LeaderIP     string
	LeaderPort   uint16
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []raft.Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the wire form of an AppendEntries reply.
type AppendEntriesReply struct {
	Term    uint64
	Success bool
}
