package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// mustCoinAmount builds an Amount equal to n whole coins (n * Coin base
// units). It exists because that product can exceed uint64 (e.g. the
// 21M-coin max supply), which codec.AmountFromUint64 cannot represent.
func mustCoinAmount(n int64) codec.Amount {
	v := new(big.Int).Mul(big.NewInt(n), big.NewInt(Coin))
	a, err := codec.NewAmount(v)
	if err != nil {
		panic(err)
	}
	return a
}

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockBytes    = 2_000_000 // 2 MB max block size (header + canonical tx encodings)
	MaxBlockTxs      = 500       // Max transactions per block
	MaxTxBytes       = 32_768    // 32 KB max canonical-encoded transaction size
	MaxMetadataBytes = 8_192     // 8 KB max opaque metadata payload per transaction
)

// Timestamp validation window (consensus-critical).
const (
	MedianTimeSpan  = 11   // Number of preceding block timestamps whose median a new timestamp must exceed.
	MaxFutureDrift  = 7200 // Seconds a block's timestamp may sit ahead of the node's own clock.
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "XAI")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]codec.Amount `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// SignedEnvelopeHeight uint64 `json:"signed_envelope_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Finality  FinalityRules  `json:"finality"`
	Forks     ForkSchedule   `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
// The chain is proof-of-work only: difficulty is expressed as the number
// of required leading zero bits in a block hash.
type ConsensusRules struct {
	// Block timing
	BlockTimeTargetSec int `json:"block_time_target_sec"` // Target seconds between blocks

	// PoW settings
	InitialDifficulty      uint32 `json:"initial_difficulty"`       // Required leading zero bits at genesis
	DifficultyRetargetWindow uint64 `json:"difficulty_retarget_window"` // Blocks between retargets

	// Economics
	BlockReward     codec.Amount `json:"block_reward"`               // Base units credited to miner_address per block
	MaxSupply       codec.Amount `json:"max_supply"`                 // Total coin cap in base units (zero = unlimited)
	HalvingInterval uint64       `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinFeeRate      uint64       `json:"min_fee_rate"`                // Minimum fee rate, base units per byte of canonical encoding
}

// FinalityRules defines the BFT-style finality voting overlay.
type FinalityRules struct {
	// FinalityDepth is the number of confirmations after which a block is
	// eligible for a finality vote.
	FinalityDepth uint64 `json:"finality_depth"`

	// QuorumNumerator/QuorumDenominator express the stake-weighted quorum
	// fraction required for a finality certificate (> numerator/denominator).
	QuorumNumerator   uint64 `json:"quorum_numerator"`
	QuorumDenominator uint64 `json:"quorum_denominator"`

	// Voters holds the initial finality voter set: hex-encoded compressed
	// public key -> stake weight.
	Voters map[string]uint64 `json:"voters,omitempty"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-mainnet-1",
		ChainName: "Klingnet Mainnet",
		Symbol:    "XAI",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Genesis",
		Alloc: map[string]codec.Amount{
			"XAI0000000000000000000000000000000000000001": codec.AmountFromUint64(100_000 * Coin),
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTimeTargetSec:       15,
				InitialDifficulty:        20, // 20 required leading zero bits
				DifficultyRetargetWindow: 2016,
				BlockReward:              codec.AmountFromUint64(50 * Coin),
				MaxSupply:                mustCoinAmount(21_000_000),
				HalvingInterval:          210_000,
				MinFeeRate:               1, // base units per byte
			},
			Finality: FinalityRules{
				FinalityDepth:     6,
				QuorumNumerator:   2,
				QuorumDenominator: 3,
				Voters: map[string]uint64{
					"030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a251449": 1,
				},
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-testnet-1"
	g.ChainName = "Klingnet Testnet"
	g.ExtraData = "Klingnet Testnet Genesis"

	// Easier PoW and faster retarget window for testing.
	g.Protocol.Consensus.InitialDifficulty = 8
	g.Protocol.Consensus.DifficultyRetargetWindow = 64
	g.Protocol.Consensus.MinFeeRate = 0
	g.Protocol.Finality.FinalityDepth = 2

	g.Alloc = map[string]codec.Amount{
		"TXAI0000000000000000000000000000000000000001": codec.AmountFromUint64(200_000 * Coin),
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.InitialDifficulty == 0 {
		return fmt.Errorf("initial_difficulty must be positive")
	}
	if g.Protocol.Consensus.BlockTimeTargetSec <= 0 {
		return fmt.Errorf("block_time_target_sec must be positive")
	}
	if g.Protocol.Consensus.BlockReward.IsZero() {
		return fmt.Errorf("block_reward must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	total := codec.ZeroAmount()
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		total = total.Add(v)
	}
	if !g.Protocol.Consensus.MaxSupply.IsZero() && total.Cmp(g.Protocol.Consensus.MaxSupply) > 0 {
		return fmt.Errorf("genesis allocations (%s) exceed max_supply (%s)",
			total, g.Protocol.Consensus.MaxSupply)
	}

	if g.Protocol.Finality.QuorumDenominator == 0 {
		return fmt.Errorf("finality quorum_denominator must be positive")
	}
	if g.Protocol.Finality.QuorumNumerator == 0 || g.Protocol.Finality.QuorumNumerator >= g.Protocol.Finality.QuorumDenominator {
		return fmt.Errorf("finality quorum must satisfy 0 < numerator < denominator")
	}

	return nil
}

// Hash returns a hash of the genesis configuration, used to derive the
// chain's ChainID domain-separator for P2P replay protection.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
