// Klingnet full node daemon.
//
// Usage:
//
//	klingnetd [--mine --miner-address=...]     Run node
//	klingnetd --help                           Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/node"
)

// shutdownGrace bounds how long background tasks (mining loop, P2P sync,
// mempool/orphan sweeps) get to exit cleanly before Stop forces the issue.
const shutdownGrace = 5 * time.Second

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Build the node: storage, chain, mempool, consensus, optional
	//      miner and P2P stack. All wiring lives in internal/node so the
	//      daemon and the in-process testnet harness share one code path. ──
	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 3. Start background tasks ─────────────────────────────────────────
	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting node: %v\n", err)
		os.Exit(1)
	}

	if p := n.P2P(); p != nil {
		for _, addr := range p.Addrs() {
			fmt.Printf("Listening on %s\n", addr)
		}
	}
	fmt.Printf("klingnetd: network=%s height=%d tip=%s\n",
		cfg.Network, n.Chain().Height(), n.Chain().TipHash())

	// ── 4. Block until interrupted ────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	// ── 5. Graceful shutdown ──────────────────────────────────────────────
	fmt.Println("shutting down...")
	if err := n.Stop(shutdownGrace); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}
}
