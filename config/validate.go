package config

import (
	"fmt"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.RequireMutualAuth && len(cfg.P2P.TrustedPeerKeys) == 0 {
		return fmt.Errorf("p2p.requiremutualauth requires at least one trusted peer key")
	}
	if cfg.Mempool.Capacity < 0 {
		return fmt.Errorf("mempool.capacity must not be negative")
	}
	if cfg.Orphan.Capacity < 0 {
		return fmt.Errorf("orphan.capacity must not be negative")
	}
	if cfg.Finality.Enabled && cfg.Finality.VoterKey == "" {
		return fmt.Errorf("finality.enabled requires finality.voterkey")
	}
	if cfg.Mining.Enabled && cfg.Mining.MinerAddress == "" {
		return fmt.Errorf("mining.enabled requires mining.mineraddress")
	}

	return nil
}
