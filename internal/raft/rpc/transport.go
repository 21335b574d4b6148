package rpc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"raftcore/internal/raft"
	"raftcore/internal/raft/metrics"
)

// Timing and retry constants: broadcast time must stay an order of
// magnitude below the election timeout, and RequestVote retries are
// bounded so a failed election simply starts a new one rather than
// retrying past its own timeout window.
const (
	RPCTimeout              = 50 * time.Millisecond
	MaxRequestVoteRetries   = 3
	MaxAppendEntriesRetries = 100
	RetryBackoffBase        = 10 * time.Millisecond
	MaxRetryBackoff         = 100 * time.Millisecond
)

// Transport is the client-side half of the wire protocol: one pooled
// gRPC connection per peer, dialed directly by (ip, port) since cluster
// membership is fixed at startup and needs no name resolver.
type Transport struct {
	conns   sync.Map // raft.ServerID -> *grpc.ClientConn
	metrics *metrics.Metrics
}

// NewTransport dials every peer in members up front.
func NewTransport(members []raft.Peer, m *metrics.Metrics) *Transport {
	t := &Transport{metrics: m}
	for _, peer := range members {
		conn, err := grpc.NewClient(peer.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Printf("[TRANSPORT] failed dialing peer %s: %v", peer.Addr(), err)
			continue
		}
		t.conns.Store(peer.Addr(), conn)
	}
	return t
}

func (t *Transport) clientFor(peer raft.Peer) (RaftClient, error) {
	v, ok := t.conns.Load(peer.Addr())
	if !ok {
		return nil, fmt.Errorf("no connection pooled for peer %s", peer.Addr())
	}
	conn, ok := v.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid connection entry for peer %s", peer.Addr())
	}
	return NewRaftClient(conn), nil
}

// RequestVote calls the RequestVote RPC on peer, retrying up to
// MaxRequestVoteRetries times with a bounded linear backoff.
func (t *Transport) RequestVote(ctx context.Context, peer raft.Peer, args *RequestVoteArgs) (*RequestVoteReply, error) {
	if t.metrics != nil {
		t.metrics.RecordRequestVote()
	}
	client, err := t.clientFor(peer)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < MaxRequestVoteRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		reply, err := client.RequestVote(rpcCtx, args)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("RequestVote to %s cancelled: %w", peer.Addr(), ctx.Err())
		default:
		}

		if attempt < MaxRequestVoteRetries-1 {
			time.Sleep(backoff(attempt))
		}
	}
	return nil, fmt.Errorf("RequestVote to %s failed after %d attempts: %w", peer.Addr(), MaxRequestVoteRetries, lastErr)
}

// AppendEntries calls the AppendEntries RPC on peer (also used for
// heartbeats, with empty Entries), retrying up to MaxAppendEntriesRetries
// times. A leader keeps retrying a lagging follower across many heartbeat
// intervals rather than giving up, matching the replication
// loop — the bound here exists only to cap goroutine lifetime if a peer is
// gone for good.
func (t *Transport) AppendEntries(ctx context.Context, peer raft.Peer, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	if t.metrics != nil {
		if len(args.Entries) == 0 {
			t.metrics.RecordHeartbeat()
		} else {
			t.metrics.RecordAppendEntries()
		}
	}
	client, err := t.clientFor(peer)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < MaxAppendEntriesRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		reply, err := client.AppendEntries(rpcCtx, args)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("AppendEntries to %s cancelled: %w", peer.Addr(), ctx.Err())
		default:
		}

		if attempt < MaxAppendEntriesRetries-1 {
			time.Sleep(backoff(attempt))
		}
	}
	return nil, fmt.Errorf("AppendEntries to %s failed after %d attempts: %w", peer.Addr(), MaxAppendEntriesRetries, lastErr)
}

func backoff(attempt int) time.Duration {
	d := RetryBackoffBase * time.Duration(attempt+1)
	if d > MaxRetryBackoff {
		d = MaxRetryBackoff
	}
	return d
}

// Close tears down every pooled connection.
func (t *Transport) Close() {
	t.conns.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				log.Printf("[TRANSPORT] failed closing connection to %v: %v", key, err)
			}
		}
		return true
	})
}
