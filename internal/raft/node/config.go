package node

import (
	"fmt"
	"time"

	"raftcore/internal/raft"
)

// Config is a replica's fixed-at-construction configuration: membership and
// storage paths, plus the timing parameters that drive the Election Timer
// and Peer Workers. There is no reconfiguration RPC — the member set named
// here is the cluster for the lifetime of the process.
type Config struct {
	LocalIP   string
	LocalPort uint16

	// Members lists every voter in the cluster, including self.
	Members []raft.Peer

	LogPath  string
	DataPath string

	ElectTimeoutMS      int
	HeartbeatIntervalMS int
}

// Self returns this replica's own identity as a Peer.
func (c Config) Self() raft.Peer {
	return raft.Peer{IP: c.LocalIP, Port: c.LocalPort}
}

// Peers returns every member except self.
func (c Config) Peers() []raft.Peer {
	self := c.Self()
	peers := make([]raft.Peer, 0, len(c.Members))
	for _, m := range c.Members {
		if m != self {
			peers = append(peers, m)
		}
	}
	return peers
}

// ElectTimeout is the minimum election timeout as a time.Duration; the
// Election Timer draws uniformly from [ElectTimeout, 2*ElectTimeout).
func (c Config) ElectTimeout() time.Duration {
	return time.Duration(c.ElectTimeoutMS) * time.Millisecond
}

// HeartbeatInterval is the cadence at which a Leader's Peer Workers send
// AppendEntries even absent new log entries.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// Validate checks the configuration is internally consistent before a
// replica starts.
func (c Config) Validate() error {
	if c.LocalIP == "" || c.LocalPort == 0 {
		return fmt.Errorf("config: local_ip/local_port must be set")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("config: members must be non-empty")
	}
	self := c.Self()
	found := false
	for _, m := range c.Members {
		if m == self {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: members must include self (%s)", self.Addr())
	}
	if c.LogPath == "" {
		return fmt.Errorf("config: log_path must be set")
	}
	if c.ElectTimeoutMS <= 0 {
		return fmt.Errorf("config: elect_timeout_ms must be positive")
	}
	if c.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("config: heartbeat_interval_ms must be positive")
	}
	if time.Duration(c.HeartbeatIntervalMS)*time.Millisecond*10 > c.ElectTimeout() {
		return fmt.Errorf("config: heartbeat_interval_ms should be well under elect_timeout_ms (broadcast time must stay well below the election timeout)")
	}
	return nil
}
