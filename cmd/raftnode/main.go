// Command raftnode runs a single replica of the consensus core as a
// standalone process: flag-driven startup and signal-driven graceful
// shutdown. Membership is fixed at construction — there is no
// reconfiguration RPC and no join-the-cluster handshake — so every
// replica is simply started with the same --members list.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"raftcore/internal/raft"
	"raftcore/internal/raft/node"
	"raftcore/internal/raft/statemachine"
)

func main() {
	localAddr := flag.String("addr", "localhost:50051", "this replica's ip:port")
	members := flag.String("members", "localhost:50051,localhost:50052,localhost:50053", "comma-separated ip:port of every cluster member, including this one")
	logPath := flag.String("log-path", "./data/log", "path to the replicated log's bbolt database")
	dataPath := flag.String("data-path", "./data/state", "path to the external state machine's files")
	electTimeoutMS := flag.Int("elect-timeout-ms", 150, "minimum election timeout in milliseconds")
	heartbeatMS := flag.Int("heartbeat-ms", 15, "leader heartbeat interval in milliseconds")
	flag.Parse()

	localIP, localPortStr, err := splitAddr(*localAddr)
	if err != nil {
		log.Fatalf("invalid --addr: %v", err)
	}
	localPort, err := strconv.ParseUint(localPortStr, 10, 16)
	if err != nil {
		log.Fatalf("invalid port in --addr: %v", err)
	}

	peers, err := parseMembers(*members)
	if err != nil {
		log.Fatalf("invalid --members: %v", err)
	}

	cfg := node.Config{
		LocalIP:             localIP,
		LocalPort:           uint16(localPort),
		Members:             peers,
		LogPath:             *logPath,
		DataPath:            *dataPath,
		ElectTimeoutMS:      *electTimeoutMS,
		HeartbeatIntervalMS: *heartbeatMS,
	}

	sm := statemachine.NewKV(cfg.Self().Addr())
	n := node.New(cfg, sm)

	log.Printf("starting replica %s, members=%v", cfg.Self().Addr(), cfg.Members)
	if status := n.Start(); status != node.StatusOK {
		log.Fatalf("failed to start: %v", status)
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	log.Println("shutting down...")
	n.Stop()
	log.Println("stopped")
}

func splitAddr(addr string) (ip, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("address %q missing port", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func parseMembers(raw string) ([]raft.Peer, error) {
	parts := strings.Split(raw, ",")
	peers := make([]raft.Peer, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ip, portStr, err := splitAddr(p)
		if err != nil {
			return nil, err
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port in member %q: %w", p, err)
		}
		peers = append(peers, raft.Peer{IP: ip, Port: uint16(port)})
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("no members given")
	}
	return peers, nil
}
