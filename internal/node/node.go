// Package node wires the chain, mempool, consensus, miner and P2P layers
// into one runnable blockchain node that can be embedded in any binary.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/chainstore"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/events"
	"github.com/Klingon-tech/klingnet-chain/internal/finality"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/internal/miner"
	"github.com/Klingon-tech/klingnet-chain/internal/orphan"
	"github.com/Klingon-tech/klingnet-chain/internal/p2p"
	"github.com/Klingon-tech/klingnet-chain/internal/scheduler"
	"github.com/Klingon-tech/klingnet-chain/internal/state"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/internal/wal"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

const (
	mempoolPruneInterval = 30 * time.Second
	orphanPruneInterval  = time.Minute
	miningPollInterval   = 2 * time.Second
	chainSyncInterval    = 10 * time.Second
	syncBatchBlocks      = 200
)

// Node is a fully-initialized blockchain node: storage, ledger state,
// consensus, mempool and (optionally) mining and P2P networking. New
// performs all setup but does not start background goroutines; call Start
// for that.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	db    storage.DB
	state *state.Store
	store *chainstore.Store
	wal   *wal.WAL

	orphans *orphan.Pool
	voter   *finality.Voter
	router  *events.Router
	metrics *events.Metrics

	engine    *consensus.PoW
	validator *consensus.Validator
	chain     *chain.Chain
	pool      *mempool.Pool
	sched     *scheduler.Scheduler

	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	minerKey  *crypto.PrivateKey
	minerAddr types.Address
	miner     *miner.Miner
	mining    bool

	voterKey *crypto.PrivateKey // nil unless this node casts finality votes

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and initializes a new Node. It opens storage, loads (or
// bootstraps) the chain, and wires the mempool and optional miner/P2P
// subsystems. It does not start any background task.
func New(cfg *config.Config) (*Node, error) {
	if cfg.Network == config.Testnet {
		types.SetAddressPrefix(types.TestnetPrefix)
	} else {
		types.SetAddressPrefix(types.MainnetPrefix)
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	genesis := config.GenesisFor(cfg.Network)
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("block_time_sec", genesis.Protocol.Consensus.BlockTimeTargetSec).
		Uint32("initial_difficulty", genesis.Protocol.Consensus.InitialDifficulty).
		Msg("starting klingnet chain node")

	if err := os.MkdirAll(cfg.ChainDataDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating chain data dir: %w", err)
	}
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("database opened")

	n := &Node{cfg: cfg, genesis: genesis, logger: logger, db: db}

	var minerKey *crypto.PrivateKey
	if cfg.Mining.ValidatorKey != "" {
		minerKey, err = loadValidatorKey(cfg.Mining.ValidatorKey)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load mining key %s: %w", cfg.Mining.ValidatorKey, err)
		}
	}
	if cfg.Mining.Enabled {
		minerAddr, err := resolveMinerAddress(cfg.Mining.MinerAddress, minerKey)
		if err != nil {
			db.Close()
			return nil, err
		}
		n.minerAddr = minerAddr
		n.minerKey = minerKey
		n.mining = true
	}

	n.state = state.NewStore(db)
	n.store = chainstore.New(db)

	walPath := cfg.WALDir()
	if err := os.MkdirAll(walPath, 0755); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating wal dir: %w", err)
	}
	n.wal, err = wal.Open(walPath + "/reorg.log")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open wal: %w", err)
	}

	orphanCap := cfg.Orphan.Capacity
	if orphanCap <= 0 {
		orphanCap = 256
	}
	n.orphans = orphan.New(orphanCap, time.Duration(cfg.Orphan.TTLSec)*time.Second)

	n.metrics = events.NewMetrics()
	n.router = events.NewRouter(n.metrics)

	n.engine, err = createEngine(genesis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}
	n.validator = consensus.NewValidator(n.engine)

	if cfg.Finality.Enabled {
		set, err := finality.NewSet(genesis.Protocol.Finality)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create finality set: %w", err)
		}
		n.voter = finality.NewVoter(set, n.router, n.metrics)
		if cfg.Finality.VoterKey != "" {
			n.voterKey, err = loadValidatorKey(cfg.Finality.VoterKey)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("load voter key %s: %w", cfg.Finality.VoterKey, err)
			}
		}
	}

	mempoolCap := cfg.Mempool.Capacity
	if mempoolCap <= 0 {
		mempoolCap = 10_000
	}
	n.pool = mempool.New(n.state, mempoolCap, time.Duration(cfg.Mempool.TTLSec)*time.Second)
	n.pool.SetMinFeeRate(genesis.Protocol.Consensus.MinFeeRate)

	n.chain, err = chain.New(chain.Options{
		Store:         n.store,
		State:         n.state,
		Validator:     n.validator,
		Engine:        n.engine,
		Orphans:       n.orphans,
		WAL:           n.wal,
		Voter:         n.voter,
		Mempool:       n.pool,
		Router:        n.router,
		Metrics:       n.metrics,
		Rules:         genesis.Protocol.Consensus,
		MaxReorgDepth: 0,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("construct chain: %w", err)
	}

	if err := n.chain.Recover(); err != nil {
		db.Close()
		return nil, fmt.Errorf("chain recovery: %w", err)
	}
	if n.chain.TipHash().IsZero() {
		bootAddr := n.minerAddr
		if bootAddr.IsZero() {
			for addrStr := range genesis.Alloc {
				if a, err := types.ParseAddress(addrStr); err == nil {
					bootAddr = a
					break
				}
			}
		}
		if err := n.chain.InitGenesis(genesis, bootAddr); err != nil {
			db.Close()
			return nil, fmt.Errorf("init genesis: %w", err)
		}
		logger.Info().Msg("genesis block sealed and applied")
	}

	if n.mining {
		n.miner = miner.New(n.chain, n.engine, n.pool, n.minerAddr)
	}

	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr:        cfg.P2P.ListenAddr,
			Port:              cfg.P2P.Port,
			Seeds:             cfg.P2P.Seeds,
			MaxPeers:          cfg.P2P.MaxPeers,
			NoDiscover:        cfg.P2P.NoDiscover,
			DB:                db,
			DHTServer:         cfg.P2P.DHTServer,
			NetworkID:         genesis.ChainID,
			DataDir:           cfg.ChainDataDir(),
			Metrics:           n.metrics,
			RequireMutualAuth: cfg.P2P.RequireMutualAuth,
			TrustedPeerKeys:   cfg.P2P.TrustedPeerKeys,
			NonceTTLSec:       cfg.P2P.NonceTTLSec,
			MsgRateMax:        cfg.P2P.MsgRateMax,
			BandwidthIn:       cfg.P2P.BandwidthIn,
			BandwidthOut:      cfg.P2P.BandwidthOut,
		})
		// Sign gossip envelopes with the voter identity when one is
		// configured; peers enforcing a trust list key on it.
		switch {
		case n.voterKey != nil:
			n.p2pNode.SetEnvelopeKey(n.voterKey)
		case n.minerKey != nil:
			n.p2pNode.SetEnvelopeKey(n.minerKey)
		}
		n.syncer = p2p.NewSyncer(n.p2pNode)
	}

	n.sched = scheduler.New()
	n.registerTasks()

	return n, nil
}

// registerTasks wires the background loops onto the scheduler: mempool
// and orphan-pool expiry sweeps always run, mining and P2P sync loops
// only when configured.
func (n *Node) registerTasks() {
	n.sched.RegisterTicker("mempool-prune", mempoolPruneInterval, func(ctx context.Context) {
		n.sched.WithLock(func() error {
			if evicted := n.pool.PruneExpired(); evicted > 0 {
				n.metrics.IncMempoolEvicted("ttl_expired", evicted)
			}
			n.metrics.SetMempoolSize(n.pool.Count())
			return nil
		})
	})

	n.sched.RegisterTicker("orphan-prune", orphanPruneInterval, func(ctx context.Context) {
		n.orphans.PruneExpired()
	})

	if n.mining {
		n.sched.RegisterTicker("miner", miningPollInterval, func(ctx context.Context) {
			n.mineOnce(ctx)
		})
	}

	if n.p2pNode != nil && n.syncer != nil {
		n.sched.Register("p2p-handlers", func(ctx context.Context) {
			n.wirePeerHandlers()
			<-ctx.Done()
		})
		n.sched.RegisterTicker("chain-sync", chainSyncInterval, func(ctx context.Context) {
			n.syncOnce(ctx)
		})
	}

	if n.voter != nil && n.voterKey != nil {
		n.sched.Register("finality-vote", func(ctx context.Context) {
			ch, unsubscribe := n.router.Subscribe(events.KindBlockApplied)
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-ch:
					if applied, ok := e.(events.BlockApplied); ok {
						n.castVote(applied)
					}
				}
			}
		})
	}
}

// castVote signs and distributes this node's finality vote for a newly
// applied tip, feeding it through the local voter first so certificates
// form even on a single-voter network.
func (n *Node) castVote(applied events.BlockApplied) {
	v, err := finality.Sign(applied.Hash, applied.Index, n.voterKey)
	if err != nil {
		n.logger.Warn().Err(err).Uint64("height", applied.Index).Msg("signing finality vote failed")
		return
	}
	if _, err := n.voter.AddVote(v); err != nil {
		n.logger.Debug().Err(err).Uint64("height", applied.Index).Msg("own vote not recorded")
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.BroadcastVote(v); err != nil {
			n.logger.Warn().Err(err).Msg("broadcast finality vote failed")
		}
	}
}

// mineOnce produces and submits a single block if mining is enabled.
// Chain mutation is serialized through the scheduler's single-writer lock.
func (n *Node) mineOnce(ctx context.Context) {
	blk, err := n.miner.ProduceBlockCtx(ctx)
	if err != nil {
		if ctx.Err() == nil {
			klog.Miner.Warn().Err(err).Msg("block production failed")
		}
		return
	}

	var outcome chain.Outcome
	lockErr := n.sched.WithLock(func() error {
		var submitErr error
		outcome, submitErr = n.chain.SubmitBlock(blk)
		return submitErr
	})
	if lockErr != nil && outcome != chain.OutcomeAccepted {
		klog.Miner.Warn().Err(lockErr).Msg("mined block rejected")
		return
	}

	klog.Miner.Info().
		Uint64("index", blk.Header.Index).
		Int("txs", len(blk.Transactions)).
		Msg("mined block accepted")

	if n.p2pNode != nil {
		if err := n.p2pNode.BroadcastBlock(blk); err != nil {
			klog.Miner.Warn().Err(err).Msg("broadcast mined block failed")
		}
	}
}

// syncOnce catches the local chain up with the best-advertised peer: query
// peer heights, and when one is ahead, fetch a batch of blocks and run them
// through the normal acceptance pipeline. Orphan promotion takes care of
// out-of-order arrivals.
func (n *Node) syncOnce(ctx context.Context) {
	local := n.chain.Height()
	for _, p := range n.p2pNode.PeerList() {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		resp, err := n.syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil || resp.Height <= local {
			continue
		}

		reqCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		blocks, err := n.syncer.RequestBlocks(reqCtx, p.ID, local+1, syncBatchBlocks)
		cancel()
		if err != nil {
			continue
		}

		var applied int
		for _, blk := range blocks {
			var outcome chain.Outcome
			n.sched.WithLock(func() error {
				var submitErr error
				outcome, submitErr = n.chain.SubmitBlock(blk)
				return submitErr
			})
			if outcome == chain.OutcomeAccepted {
				applied++
			}
		}
		if applied > 0 {
			n.logger.Info().
				Int("blocks", applied).
				Uint64("height", n.chain.Height()).
				Str("peer", p.ID.String()[:16]).
				Msg("synced blocks from peer")
			return
		}
	}
}

// wirePeerHandlers registers the P2P message handlers that feed incoming
// transactions and blocks into the mempool and chain.
func (n *Node) wirePeerHandlers() {
	n.p2pNode.SetGenesisHash(mustGenesisHash(n.genesis))
	n.p2pNode.SetHeightFn(func() uint64 { return n.chain.Height() })

	n.p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
		var transaction tx.Transaction
		if err := json.Unmarshal(data, &transaction); err != nil {
			return
		}
		if _, err := n.pool.Add(&transaction); err != nil {
			return
		}
		n.metrics.SetMempoolSize(n.pool.Count())
	})

	n.p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
		var blk block.Block
		if err := json.Unmarshal(data, &blk); err != nil {
			return
		}
		n.sched.WithLock(func() error {
			_, err := n.chain.SubmitBlock(&blk)
			return err
		})
	})

	n.p2pNode.SetVoteHandler(func(from peer.ID, data []byte) {
		if n.voter == nil {
			return
		}
		var v finality.Vote
		if err := json.Unmarshal(data, &v); err != nil {
			return
		}
		if _, err := n.voter.AddVote(v); err != nil {
			return
		}
	})

	n.syncer.RegisterHandler(func(fromHeight uint64, max uint32) []*block.Block {
		blocks := make([]*block.Block, 0, max)
		tip := n.chain.Height()
		for i := fromHeight; i < fromHeight+uint64(max) && i <= tip; i++ {
			blk, err := n.chain.GetBlockByIndex(i)
			if err != nil {
				break
			}
			blocks = append(blocks, blk)
		}
		return blocks
	})

	n.syncer.RegisterHeightHandler(func() (uint64, string) {
		return n.chain.Height(), n.chain.TipHash().String()
	})

	n.syncer.RegisterHeadersHandler(func(from, to uint64) []*block.Header {
		if tip := n.chain.Height(); to > tip {
			to = tip
		}
		if to < from {
			return nil
		}
		headers := make([]*block.Header, 0, to-from+1)
		n.store.IterateHeaders(from, to, func(h *block.Header) error {
			headers = append(headers, h)
			return nil
		})
		return headers
	})
}

// Start launches every background task: mempool/orphan expiry, mining (if
// enabled) and the P2P networking stack (if enabled).
func (n *Node) Start() error {
	n.mu.Lock()
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.mu.Unlock()

	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
		if n.cfg.P2P.ClearBans && n.p2pNode.BanManager != nil {
			for _, rec := range n.p2pNode.BanManager.BanList() {
				if id, err := peer.Decode(rec.ID); err == nil {
					n.p2pNode.BanManager.Unban(id)
				}
			}
		}
	}

	n.sched.Start(n.ctx)
	n.logger.Info().
		Uint64("height", n.chain.Height()).
		Str("tip", n.chain.TipHash().String()).
		Bool("mining", n.mining).
		Bool("p2p", n.p2pNode != nil).
		Msg("node started")
	return nil
}

// Stop shuts down background tasks, P2P networking and storage, in that
// order, waiting up to grace for tasks to exit cleanly.
func (n *Node) Stop(grace time.Duration) error {
	var firstErr error
	if err := n.sched.Shutdown(grace); err != nil {
		firstErr = err
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.wal != nil {
		n.wal.Clear()
	}
	if err := n.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()
	return firstErr
}

// Chain returns the node's chain state machine.
func (n *Node) Chain() *chain.Chain { return n.chain }

// Mempool returns the node's pending-transaction pool.
func (n *Node) Mempool() *mempool.Pool { return n.pool }

// Metrics returns the node's Prometheus metrics registry.
func (n *Node) Metrics() *events.Metrics { return n.metrics }

// Events returns the node's typed event router.
func (n *Node) Events() *events.Router { return n.router }

// P2P returns the node's P2P networking stack, or nil if disabled.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// SubmitTransaction validates and admits a transaction to the mempool,
// then relays it to peers.
func (n *Node) SubmitTransaction(t *tx.Transaction) error {
	if _, err := n.pool.Add(t); err != nil {
		return err
	}
	n.metrics.SetMempoolSize(n.pool.Count())
	if n.p2pNode != nil {
		return n.p2pNode.BroadcastTx(t)
	}
	return nil
}

func mustGenesisHash(g *config.Genesis) types.Hash {
	h, err := g.Hash()
	if err != nil {
		return types.Hash{}
	}
	return h
}
