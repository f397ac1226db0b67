// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// P2P networking
	P2P P2PConfig

	// Mining (operational, not consensus rules)
	Mining MiningConfig

	// Mempool and orphan pool bounds (operational)
	Mempool MempoolConfig
	Orphan  OrphanConfig

	// Finality voting participation (operational)
	Finality FinalityConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	RebuildIndexes bool
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run DHT in server mode (for seeds/validators)
	ClearBans  bool     // Clear all peer bans on startup (not persisted in config file).

	// RequireMutualAuth rejects handshakes from peers that cannot present a
	// recognized static public key when the trust list below is non-empty.
	RequireMutualAuth bool     `conf:"p2p.requiremutualauth"`
	TrustedPeerKeys   []string `conf:"p2p.trustedpeerkeys"` // Hex-encoded compressed pubkeys.

	// NonceTTLSec bounds how long a peer message nonce is remembered for
	// replay detection.
	NonceTTLSec int `conf:"p2p.noncettlsec"`

	// Per-peer rate and bandwidth limiting (token bucket parameters).
	MsgRateMax  float64 `conf:"p2p.msgratemax"`  // Messages per second
	BandwidthIn int     `conf:"p2p.bandwidthin"` // Bytes per second, inbound
	BandwidthOut int    `conf:"p2p.bandwidthout"` // Bytes per second, outbound
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled     bool   `conf:"mining.enabled"`
	MinerAddress string `conf:"mining.mineraddress"` // Address to receive block rewards
	ValidatorKey string `conf:"mining.validatorkey"` // Path to the miner's private key
	Threads     int    `conf:"mining.threads"`
}

// MempoolConfig bounds the pending-transaction pool.
type MempoolConfig struct {
	Capacity int `conf:"mempool.capacity"`
	TTLSec   int `conf:"mempool.ttlsec"`
}

// OrphanConfig bounds the orphan block pool.
type OrphanConfig struct {
	Capacity int `conf:"orphan.capacity"`
	TTLSec   int `conf:"orphan.ttlsec"`
}

// FinalityConfig controls whether and how this node participates in
// BFT-style finality voting.
type FinalityConfig struct {
	Enabled    bool   `conf:"finality.enabled"`
	VoterKey   string `conf:"finality.voterkey"` // Path to the voter's private key
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet
//	macOS:   ~/Library/Application Support/Klingnet
//	Windows: %APPDATA%\Klingnet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingnet")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingnet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingnet")
	default:
		return filepath.Join(home, ".klingnet")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the block store directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// StateDir returns the account-state database directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.ChainDataDir(), "state")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// WALDir returns the write-ahead log directory used for crash-safe reorgs.
func (c *Config) WALDir() string {
	return filepath.Join(c.ChainDataDir(), "wal")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet.conf")
}
