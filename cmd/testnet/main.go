// Command testnet boots a 2-node local testnet from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It creates a testnet genesis, boots two in-process full nodes (one miner,
// one follower) in temporary data directories, connects them directly over
// libp2p, lets the miner produce blocks for a fixed window, and verifies
// both chains converge on the same tip. Ctrl+C for early shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/node"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
)

const (
	runFor          = 30 * time.Second
	convergeTimeout = 10 * time.Second
	pollInterval    = 250 * time.Millisecond
)

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")
	logger.Info().Msg("=== Klingnet 2-Node Local Testnet ===")

	minerKey, err := crypto.GenerateKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("generate miner key")
	}
	minerAddr := crypto.AddressFromPubKey(minerKey.PublicKey())

	node1, dir1, err := buildNode("node-1", true, minerAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-1")
	}
	defer os.RemoveAll(dir1)

	node2, dir2, err := buildNode("node-2", false, minerAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-2")
	}
	defer os.RemoveAll(dir2)

	logger.Info().
		Uint64("node1_height", node1.Chain().Height()).
		Uint64("node2_height", node2.Chain().Height()).
		Msg("genesis initialized on both nodes")

	if err := node1.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-1")
	}
	if err := node2.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-2")
	}
	defer node1.Stop(5 * time.Second)
	defer node2.Stop(5 * time.Second)

	if err := connectDirect(node1, node2); err != nil {
		logger.Fatal().Err(err).Msg("connect nodes")
	}
	time.Sleep(500 * time.Millisecond) // gossipsub mesh stabilization.

	logger.Info().
		Int("node1_peers", node1.P2P().PeerCount()).
		Int("node2_peers", node2.P2P().PeerCount()).
		Msg("nodes connected")

	ctx, cancel := context.WithTimeout(context.Background(), runFor)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	logger.Info().Dur("window", runFor).Msg("mining for fixed window")
	<-ctx.Done()

	logger.Info().Msg("waiting for chains to converge")
	if err := waitConverged(node1, node2, convergeTimeout); err != nil {
		logger.Error().Err(err).Msg("chains did not converge")
		os.Exit(1)
	}

	h1 := node1.Chain().Height()
	t1 := node1.Chain().TipHash()
	logger.Info().
		Uint64("height", h1).
		Str("tip", t1.String()).
		Msg("SUCCESS: both nodes converged")

	fmt.Println()
	fmt.Printf("  Blocks produced:  %d\n", h1)
	fmt.Printf("  Chain tip:        %s\n", t1)
	fmt.Println()
}

// buildNode boots a full node in a temporary data directory. Only the miner
// node carries a miner address; the follower relies purely on P2P gossip.
func buildNode(name string, mine bool, minerAddr types.Address) (*node.Node, string, error) {
	dir, err := os.MkdirTemp("", "klingnet-testnet-"+name+"-*")
	if err != nil {
		return nil, "", fmt.Errorf("create temp dir: %w", err)
	}

	cfg := config.Default(config.Testnet)
	cfg.DataDir = dir
	cfg.P2P.Port = 0
	cfg.P2P.NoDiscover = true
	cfg.P2P.Seeds = nil
	cfg.Mining.Enabled = mine
	if mine {
		cfg.Mining.MinerAddress = minerAddr.String()
	}

	if err := config.EnsureDataDirs(cfg); err != nil {
		os.RemoveAll(dir)
		return nil, "", fmt.Errorf("ensure data dirs: %w", err)
	}

	n, err := node.New(cfg)
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}
	return n, dir, nil
}

// connectDirect dials node2's P2P host into node1's host without discovery.
func connectDirect(a, b *node.Node) error {
	aHost := a.P2P().Host()
	info := libp2ppeer.AddrInfo{
		ID:    aHost.ID(),
		Addrs: aHost.Addrs(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.P2P().Host().Connect(ctx, info)
}

// waitConverged polls both chains until their tips match or timeout elapses.
func waitConverged(a, b *node.Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.Chain().Height() == b.Chain().Height() && a.Chain().TipHash() == b.Chain().TipHash() {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("node-1 at (%d, %s), node-2 at (%d, %s)",
		a.Chain().Height(), a.Chain().TipHash(),
		b.Chain().Height(), b.Chain().TipHash())
}
