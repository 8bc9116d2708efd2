package docstore

import (
	"fmt"
	"net"
	"time"
)

// OlricConfig holds the configuration for the Olric-backed document store.
type OlricConfig struct {
	// BindAddr is the address to bind the embedded Olric server to.
	BindAddr string

	// BindPort is the port to bind the embedded Olric server to.
	BindPort int

	// AdvertiseAddr is the address advertised to other cluster members.
	// Used for NAT traversal. If empty, BindAddr is used.
	AdvertiseAddr string

	// AdvertisePort is the port advertised to other cluster members.
	// If 0, BindPort is used.
	AdvertisePort int

	// MemberlistBindPort is the port for the memberlist gossip protocol.
	// 0 selects a random available port.
	MemberlistBindPort int

	// JoinAddrs lists addresses to join for cluster formation. Empty
	// means single-node mode.
	JoinAddrs []string

	// ReplicationMode is "sync" or "async".
	ReplicationMode string

	// ReplicationFactor is the number of replicas per partition.
	ReplicationFactor int

	// PartitionCount is the number of partitions in the cluster.
	PartitionCount uint64

	// MemberCountQuorum is the number of members the cluster waits for
	// before considering itself ready.
	MemberCountQuorum int

	// JoinRetryInterval is the interval between join retry attempts.
	JoinRetryInterval time.Duration

	// MaxJoinAttempts bounds cluster join retries.
	MaxJoinAttempts int

	// LogLevel is the level for Olric internals: DEBUG, INFO, WARN, ERROR.
	LogLevel string

	// KeepAlivePeriod is the TCP keep-alive probe period.
	KeepAlivePeriod time.Duration

	// RequestTimeout is the timeout for Olric requests.
	RequestTimeout time.Duration

	// DMapPrefix prefixes the per-collection distributed maps, so
	// several environments can share one cluster.
	DMapPrefix string

	// CollectionTTLs optionally sets a store-level expiry per collection,
	// used as a garbage-collection backstop for documents that carry
	// their own expiry field (lock leases).
	CollectionTTLs map[string]time.Duration
}

// Defaults for the Olric-backed document store.
const (
	DefaultOlricBindAddr          = "0.0.0.0"
	DefaultOlricBindPort          = 3320
	DefaultOlricReplicationMode   = "async"
	DefaultOlricReplicationFactor = 1
	DefaultOlricPartitionCount    = 271
	DefaultOlricMemberQuorum      = 1
	DefaultOlricJoinRetryInterval = 1 * time.Second
	DefaultOlricMaxJoinAttempts   = 30
	DefaultOlricLogLevel          = "WARN"
	DefaultOlricKeepAlivePeriod   = 30 * time.Second
	DefaultOlricRequestTimeout    = 5 * time.Second
	DefaultOlricDMapPrefix        = "admin-coordination"
)

// NewDefaultOlricConfig returns an OlricConfig with single-node defaults.
func NewDefaultOlricConfig() *OlricConfig {
	return &OlricConfig{
		BindAddr:          DefaultOlricBindAddr,
		BindPort:          DefaultOlricBindPort,
		JoinAddrs:         []string{},
		ReplicationMode:   DefaultOlricReplicationMode,
		ReplicationFactor: DefaultOlricReplicationFactor,
		PartitionCount:    DefaultOlricPartitionCount,
		MemberCountQuorum: DefaultOlricMemberQuorum,
		JoinRetryInterval: DefaultOlricJoinRetryInterval,
		MaxJoinAttempts:   DefaultOlricMaxJoinAttempts,
		LogLevel:          DefaultOlricLogLevel,
		KeepAlivePeriod:   DefaultOlricKeepAlivePeriod,
		RequestTimeout:    DefaultOlricRequestTimeout,
		DMapPrefix:        DefaultOlricDMapPrefix,
	}
}

// Validate checks the Olric configuration.
func (c *OlricConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address cannot be empty")
	}
	if net.ParseIP(c.BindAddr) == nil && c.BindAddr != "0.0.0.0" && c.BindAddr != "::" {
		return fmt.Errorf("bind address must be a valid IP address, got: %s", c.BindAddr)
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("bind port must be between 1 and 65535, got: %d", c.BindPort)
	}
	if c.AdvertiseAddr != "" && net.ParseIP(c.AdvertiseAddr) == nil {
		return fmt.Errorf("advertise address must be a valid IP address, got: %s", c.AdvertiseAddr)
	}
	if c.AdvertisePort != 0 && (c.AdvertisePort < 1 || c.AdvertisePort > 65535) {
		return fmt.Errorf("advertise port must be between 1 and 65535, got: %d", c.AdvertisePort)
	}
	if c.MemberlistBindPort != 0 && (c.MemberlistBindPort < 1 || c.MemberlistBindPort > 65535) {
		return fmt.Errorf("memberlist bind port must be between 1 and 65535, got: %d", c.MemberlistBindPort)
	}
	if c.ReplicationMode != "sync" && c.ReplicationMode != "async" {
		return fmt.Errorf("replication mode must be sync or async, got: %s", c.ReplicationMode)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be at least 1, got: %d", c.ReplicationFactor)
	}
	if c.PartitionCount < 1 {
		return fmt.Errorf("partition count must be at least 1, got: %d", c.PartitionCount)
	}
	if c.MemberCountQuorum < 1 {
		return fmt.Errorf("member count quorum must be at least 1, got: %d", c.MemberCountQuorum)
	}
	if c.JoinRetryInterval <= 0 {
		return fmt.Errorf("join retry interval must be positive, got: %v", c.JoinRetryInterval)
	}
	if c.MaxJoinAttempts < 1 {
		return fmt.Errorf("max join attempts must be at least 1, got: %d", c.MaxJoinAttempts)
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level: %s (must be DEBUG, INFO, WARN, or ERROR)", c.LogLevel)
	}
	if c.KeepAlivePeriod <= 0 {
		return fmt.Errorf("keep alive period must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.DMapPrefix == "" {
		return fmt.Errorf("dmap prefix cannot be empty")
	}
	if len(c.JoinAddrs) > 0 {
		if c.MemberCountQuorum > len(c.JoinAddrs)+1 {
			return fmt.Errorf("member count quorum (%d) cannot exceed join addresses + 1 (%d)",
				c.MemberCountQuorum, len(c.JoinAddrs)+1)
		}
		if c.ReplicationFactor < 2 {
			return fmt.Errorf("replication factor should be at least 2 in multi-node mode (current: %d)", c.ReplicationFactor)
		}
	}
	return nil
}

// IsSingleNode reports whether the store runs without cluster peers.
func (c *OlricConfig) IsSingleNode() bool {
	return len(c.JoinAddrs) == 0
}
