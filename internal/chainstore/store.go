// Package chainstore persists blocks and chain metadata to a storage.DB.
package chainstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock = []byte("b/") // b/<hash(32)> -> block JSON
	prefixIndex = []byte("i/") // i/<index(8)> -> hash(32)
	prefixTx    = []byte("x/") // x/<txhash(32)> -> index(8) + blockHash(32)
	prefixUndo  = []byte("d/") // d/<hash(32)> -> undo data JSON

	keyTipHash       = []byte("s/tip")
	keyTipIndex      = []byte("s/index")
	keyCumDifficulty = []byte("s/cumdiff")
)

// Store persists blocks, the index->hash mapping, the tx location index,
// and rewind (undo) data for the active chain.
type Store struct {
	db storage.DB
}

// New creates a chain store backed by the given database.
func New(db storage.DB) *Store {
	return &Store{db: db}
}

// StoreBlock stores a block by its hash only, without updating the index or
// tx indexes. Use this for blocks that are not (yet) on the active chain
// (e.g. while validating a candidate fork before committing it as the tip).
func (s *Store) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := s.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	return nil
}

// Append stores a block and indexes it by hash, chain index, and the hash
// of each of its transactions. It does not itself move the tip pointer;
// callers update that via SetTip after state application succeeds.
func (s *Store) Append(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	hash := blk.Hash()
	if err := s.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := s.db.Put(indexKey(blk.Header.Index), hash[:]); err != nil {
		return fmt.Errorf("index put: %w", err)
	}

	for _, t := range blk.Transactions {
		txHash := t.Hash()
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Index)
		copy(val[8:], hash[:])
		if err := s.db.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", txHash, err)
		}
	}

	return nil
}

// ReadByHash retrieves a block by its hash.
func (s *Store) ReadByHash(hash types.Hash) (*block.Block, error) {
	data, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// ReadByIndex retrieves a block by its chain index (height).
func (s *Store) ReadByIndex(index uint64) (*block.Block, error) {
	hashBytes, err := s.db.Get(indexKey(index))
	if err != nil {
		return nil, fmt.Errorf("index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt index entry: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return s.ReadByHash(hash)
}

// HasBlock reports whether a block with the given hash is stored.
func (s *Store) HasBlock(hash types.Hash) (bool, error) {
	return s.db.Has(blockKey(hash))
}

// Header returns the header of the block at the given index. It reads and
// decodes the full stored block, transactions included.
func (s *Store) Header(index uint64) (*block.Header, error) {
	blk, err := s.ReadByIndex(index)
	if err != nil {
		return nil, err
	}
	return blk.Header, nil
}

// IterateHeaders calls fn for each header from `from` to `to` (inclusive),
// in ascending index order. Returns early if fn returns an error.
func (s *Store) IterateHeaders(from, to uint64, fn func(*block.Header) error) error {
	for i := from; i <= to; i++ {
		h, err := s.Header(i)
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		if err := fn(h); err != nil {
			return err
		}
		if i == to {
			break
		}
	}
	return nil
}

// SetTip stores the current chain tip hash, index, and cumulative difficulty.
func (s *Store) SetTip(hash types.Hash, index uint64, cumDifficulty uint64) error {
	if err := s.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var indexBuf [8]byte
	binary.BigEndian.PutUint64(indexBuf[:], index)
	if err := s.db.Put(keyTipIndex, indexBuf[:]); err != nil {
		return fmt.Errorf("set tip index: %w", err)
	}
	return s.SetCumulativeDifficulty(cumDifficulty)
}

// Tip returns the current chain tip hash and index.
// Returns zero values if no tip is set (fresh chain).
func (s *Store) Tip() (types.Hash, uint64, error) {
	hashBytes, err := s.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, nil // No tip yet.
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	indexBytes, err := s.db.Get(keyTipIndex)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("tip index missing: %w", err)
	}
	if len(indexBytes) != 8 {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip index: got %d bytes", len(indexBytes))
	}

	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, binary.BigEndian.Uint64(indexBytes), nil
}

// GetTxLocation returns the block index and hash that contain the given transaction.
func (s *Store) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := s.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	index := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return index, blockHash, nil
}

// DeleteTxIndex removes the transaction index entry for the given hash.
func (s *Store) DeleteTxIndex(txHash types.Hash) error {
	return s.db.Delete(txKey(txHash))
}

// PutUndo stores undo data for a block (used to rewind during a reorg).
func (s *Store) PutUndo(hash types.Hash, data []byte) error {
	if err := s.db.Put(undoKey(hash), data); err != nil {
		return fmt.Errorf("put undo: %w", err)
	}
	return nil
}

// GetUndo retrieves undo data for a block.
func (s *Store) GetUndo(hash types.Hash) ([]byte, error) {
	data, err := s.db.Get(undoKey(hash))
	if err != nil {
		return nil, fmt.Errorf("get undo: %w", err)
	}
	return data, nil
}

// DeleteUndo removes undo data for a block.
func (s *Store) DeleteUndo(hash types.Hash) error {
	return s.db.Delete(undoKey(hash))
}

// SetCumulativeDifficulty persists the cumulative work of the active chain.
func (s *Store) SetCumulativeDifficulty(cumDiff uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cumDiff)
	return s.db.Put(keyCumDifficulty, buf[:])
}

// CumulativeDifficulty retrieves the cumulative work of the active chain (0 if unset).
func (s *Store) CumulativeDifficulty() uint64 {
	data, err := s.db.Get(keyCumDifficulty)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// RewindTo deletes the index entry (and tx indexes) for every block above
// targetIndex so the active-chain view matches a shorter or alternate
// branch. It does not delete the block bodies themselves (orphaned blocks
// remain retrievable by hash), only the active-chain index pointers.
func (s *Store) RewindTo(targetIndex uint64, tip uint64) error {
	for i := tip; i > targetIndex; i-- {
		blk, err := s.ReadByIndex(i)
		if err != nil {
			return fmt.Errorf("reading index %d during rewind: %w", i, err)
		}
		for _, t := range blk.Transactions {
			if err := s.DeleteTxIndex(t.Hash()); err != nil {
				return fmt.Errorf("removing tx index during rewind: %w", err)
			}
		}
		if err := s.db.Delete(indexKey(i)); err != nil {
			return fmt.Errorf("removing index %d during rewind: %w", i, err)
		}
	}
	return nil
}

// DeleteIndexEntry removes the active-chain index pointer and tx indexes
// for one block, leaving its body retrievable by hash. Used to unwind a
// block whose Append failed partway, where some of its index keys may or
// may not have been written.
func (s *Store) DeleteIndexEntry(blk *block.Block) error {
	for _, t := range blk.Transactions {
		if err := s.DeleteTxIndex(t.Hash()); err != nil {
			return fmt.Errorf("removing tx index for %d: %w", blk.Header.Index, err)
		}
	}
	if err := s.db.Delete(indexKey(blk.Header.Index)); err != nil {
		return fmt.Errorf("removing index %d: %w", blk.Header.Index, err)
	}
	return nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func indexKey(index uint64) []byte {
	key := make([]byte, len(prefixIndex)+8)
	copy(key, prefixIndex)
	binary.BigEndian.PutUint64(key[len(prefixIndex):], index)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func undoKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixUndo)+types.HashSize)
	copy(key, prefixUndo)
	copy(key[len(prefixUndo):], hash[:])
	return key
}
