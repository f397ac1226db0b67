package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.Port = n
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.MaxPeers = n
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)
	case "p2p.dhtserver":
		cfg.P2P.DHTServer = parseBool(value)
	case "p2p.requiremutualauth":
		cfg.P2P.RequireMutualAuth = parseBool(value)
	case "p2p.trustedpeerkeys":
		cfg.P2P.TrustedPeerKeys = parseStringList(value)
	case "p2p.noncettlsec":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.NonceTTLSec = n
	case "p2p.msgratemax":
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		cfg.P2P.MsgRateMax = n
	case "p2p.bandwidthin":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.BandwidthIn = n
	case "p2p.bandwidthout":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.P2P.BandwidthOut = n

	// Mining
	case "mining.enabled", "mine":
		cfg.Mining.Enabled = parseBool(value)
	case "mining.mineraddress":
		cfg.Mining.MinerAddress = value
	case "mining.validatorkey":
		cfg.Mining.ValidatorKey = value
	case "mining.threads":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mining.Threads = n

	// Mempool / orphan pool
	case "mempool.capacity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.Capacity = n
	case "mempool.ttlsec":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mempool.TTLSec = n
	case "orphan.capacity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Orphan.Capacity = n
	case "orphan.ttlsec":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Orphan.TTLSec = n

	// Finality voting
	case "finality.enabled":
		cfg.Finality.Enabled = parseBool(value)
	case "finality.voterkey":
		cfg.Finality.VoterKey = value

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet Chain Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (difficulty, block reward, finality quorum) are hardcoded
# in the genesis configuration and cannot be changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet)
# datadir = ~/.klingnet

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + defaultPort(network) + `
p2p.maxpeers = 50

# Seed nodes (comma-separated libp2p multiaddrs)
# p2p.seeds = /dns4/seed1.klingnet.io/tcp/30303/p2p/12D3KooW...

# Disable peer discovery (for private networks)
# p2p.nodiscover = false

# Run DHT in server mode (for seed nodes/validators)
# p2p.dhtserver = false

# Require peers to present a recognized static key (mutual auth)
# p2p.requiremutualauth = false
# p2p.trustedpeerkeys = 03ab...,03cd...

p2p.noncettlsec = 120
p2p.msgratemax = 50
p2p.bandwidthin = 1048576
p2p.bandwidthout = 1048576

# ============================================================================
# Mining / Block Production
# ============================================================================

mining.enabled = false
# mining.mineraddress = <your-address>
# mining.threads = 1

# ============================================================================
# Mempool / Orphan Pool
# ============================================================================

mempool.capacity = 50000
mempool.ttlsec = 10800
orphan.capacity = 500
orphan.ttlsec = 600

# ============================================================================
# Finality Voting
# ============================================================================

finality.enabled = false
# finality.voterkey = ~/.klingnet/voter.key

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultPort(network NetworkType) string {
	if network == Testnet {
		return "30304"
	}
	return "30303"
}
