package configuration

import "time"

type Properties struct {
	App       AppConfigurationProperties       `yaml:"app"`
	Transport TransportConfigurationProperties `yaml:"transport"`
	Consensus ConsensusConfigurationProperties `yaml:"consensus"`
	Raft      RaftConfigurationProperties      `yaml:"raft"`
	PBFT      PBFTConfigurationProperties      `yaml:"pbft"`
	Suspicion SuspicionConfigurationProperties `yaml:"suspicion"`
	Lock      LockConfigurationProperties      `yaml:"lock"`
	Metrics   MetricsConfigurationProperties   `yaml:"metrics"`
}

type AppConfigurationProperties struct {
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log-level"`
}

type TransportConfigurationProperties struct {
	Address        string `yaml:"address"`
	PeerPort       string `yaml:"peer-port"`
	RequestTimeout uint64 `yaml:"request-timeout"`
}

// Engine selects which consensus backend drives the lock state machine;
// both expose the same replicated-command-log abstraction.
type ConsensusConfigurationProperties struct {
	NodeID uint64 `yaml:"node-id"`
	Engine string `yaml:"engine"` // raft | pbft
}

type WriteAheadLogProperties struct {
	NoSync bool `yaml:"no-sync"`
}

type RaftConfigurationProperties struct {
	// Peers maps every other node's ID to its peer-facing address.
	Peers map[uint64]string `yaml:"peers"`
	// ClientPeers maps node IDs to client-facing addresses, used for leader
	// redirect hints.
	ClientPeers        map[uint64]string       `yaml:"client-peers"`
	StorageDir         string                  `yaml:"storage-dir"`
	ElectionTimeoutMin uint64                  `yaml:"election-timeout-min"`
	ElectionTimeoutMax uint64                  `yaml:"election-timeout-max"`
	HeartbeatInterval  uint64                  `yaml:"heartbeat-interval"`
	RPCTimeout         uint64                  `yaml:"rpc-timeout"`
	StepInboxSize      int                     `yaml:"step-inbox-size"`
	Wal                WriteAheadLogProperties `yaml:"wal"`
}

type PBFTConfigurationProperties struct {
	// Replicas maps every member's ID (this node included) to its
	// peer-facing address.
	Replicas    map[uint64]string `yaml:"replicas"`
	ViewTimeout uint64            `yaml:"view-timeout"`
	RPCTimeout  uint64            `yaml:"rpc-timeout"`
	AuthKey     string            `yaml:"auth-key"`
}

type SuspicionConfigurationProperties struct {
	Threshold uint64 `yaml:"threshold"`
}

type LockConfigurationProperties struct {
	ProposeTimeout     uint64 `yaml:"propose-timeout"`
	ExpiryScanInterval uint64 `yaml:"expiry-scan-interval"`
}

type MetricsConfigurationProperties struct {
	Address string `yaml:"address"`
}

func (c *TransportConfigurationProperties) PeerAddr() string {
	return c.Address + ":" + c.PeerPort
}

func (c *TransportConfigurationProperties) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

func (c *RaftConfigurationProperties) ElectionTimeoutMinDuration() time.Duration {
	return time.Duration(c.ElectionTimeoutMin) * time.Millisecond
}

func (c *RaftConfigurationProperties) ElectionTimeoutMaxDuration() time.Duration {
	return time.Duration(c.ElectionTimeoutMax) * time.Millisecond
}

func (c *RaftConfigurationProperties) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Millisecond
}

func (c *RaftConfigurationProperties) RPCTimeoutDuration() time.Duration {
	return time.Duration(c.RPCTimeout) * time.Millisecond
}

func (c *PBFTConfigurationProperties) ViewTimeoutDuration() time.Duration {
	return time.Duration(c.ViewTimeout) * time.Millisecond
}

func (c *PBFTConfigurationProperties) RPCTimeoutDuration() time.Duration {
	return time.Duration(c.RPCTimeout) * time.Millisecond
}

func (c *SuspicionConfigurationProperties) ThresholdDuration() time.Duration {
	return time.Duration(c.Threshold) * time.Millisecond
}

func (c *LockConfigurationProperties) ProposeTimeoutDuration() time.Duration {
	return time.Duration(c.ProposeTimeout) * time.Millisecond
}

func (c *LockConfigurationProperties) ExpiryScanIntervalDuration() time.Duration {
	return time.Duration(c.ExpiryScanInterval) * time.Millisecond
}
