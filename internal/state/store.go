package state

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Key prefix for the account store.
var prefixAccount = []byte("a/") // a/<address(20)> -> Account JSON

// Key for the running total of coins ever minted (genesis alloc plus every
// block reward). Kept as its own counter rather than derived from balances,
// since fees leave circulation when debited but still count against the
// emission cap.
var keyMintedSupply = []byte("m/minted") // decimal string

// Store implements Set backed by a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a new account store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

func accountKey(addr types.Address) []byte {
	key := make([]byte, len(prefixAccount)+types.AddressSize)
	copy(key, prefixAccount)
	copy(key[len(prefixAccount):], addr[:])
	return key
}

// Get retrieves the account for addr. A missing account is not an error:
// it is reported as the zero-balance, zero-nonce account, since every
// address implicitly exists with zero balance until it receives funds.
func (s *Store) Get(addr types.Address) (*Account, error) {
	data, err := s.db.Get(accountKey(addr))
	if err != nil {
		return &Account{Balance: codec.ZeroAmount()}, nil
	}
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("account unmarshal: %w", err)
	}
	return &acct, nil
}

// Put stores the account for addr.
func (s *Store) Put(addr types.Address, acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("account marshal: %w", err)
	}
	if err := s.db.Put(accountKey(addr), data); err != nil {
		return fmt.Errorf("account put: %w", err)
	}
	return nil
}

// Delete removes the account entry for addr (used when an account reverts
// to its implicit zero-balance, zero-nonce state).
func (s *Store) Delete(addr types.Address) error {
	return s.db.Delete(accountKey(addr))
}

// Has reports whether addr has an explicit (non-default) account entry.
func (s *Store) Has(addr types.Address) (bool, error) {
	return s.db.Has(accountKey(addr))
}

// Balance returns the spendable balance of addr (zero if it has never
// received funds).
func (s *Store) Balance(addr types.Address) (codec.Amount, error) {
	acct, err := s.Get(addr)
	if err != nil {
		return codec.Amount{}, err
	}
	return acct.Balance, nil
}

// Nonce returns the confirmed nonce of addr (zero if it has never sent a
// transaction). The next valid transaction from addr must carry Nonce+1.
func (s *Store) Nonce(addr types.Address) (uint64, error) {
	acct, err := s.Get(addr)
	if err != nil {
		return 0, err
	}
	return acct.ConfirmedNonce, nil
}

// ForEach iterates over every account with an explicit store entry.
func (s *Store) ForEach(fn func(types.Address, *Account) error) error {
	return s.db.ForEach(prefixAccount, func(key, value []byte) error {
		if len(key) != len(prefixAccount)+types.AddressSize {
			return nil // Malformed key, skip.
		}
		var addr types.Address
		copy(addr[:], key[len(prefixAccount):])
		var acct Account
		if err := json.Unmarshal(value, &acct); err != nil {
			return fmt.Errorf("account unmarshal: %w", err)
		}
		return fn(addr, &acct)
	})
}

// snapshotRow is one address's entry in a SnapshotHash payload.
type snapshotRow struct {
	Address types.Address `json:"address"`
	Balance codec.Amount  `json:"balance"`
	Nonce   uint64        `json:"nonce"`
}

// snapshotPayload is the canonical-hashed shape SnapshotHash hashes:
// (height, tip_hash, sorted (address, balance, nonce)).
type snapshotPayload struct {
	Height   uint64        `json:"height"`
	TipHash  types.Hash    `json:"tip_hash"`
	Accounts []snapshotRow `json:"accounts"`
}

// SnapshotHash computes the deterministic digest used for cheap
// ledger-equality checks between peers: a canonical hash over the height,
// the tip hash at that height, and every account with an explicit store
// entry, sorted by address. Replaying the chain from genesis into a fresh
// store must reproduce the same digest.
func (s *Store) SnapshotHash(height uint64, tipHash types.Hash) (types.Hash, error) {
	var rows []snapshotRow
	err := s.ForEach(func(addr types.Address, acct *Account) error {
		rows = append(rows, snapshotRow{Address: addr, Balance: acct.Balance, Nonce: acct.ConfirmedNonce})
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("snapshot scan: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Address.String() < rows[j].Address.String() })

	payload := snapshotPayload{Height: height, TipHash: tipHash, Accounts: rows}
	data, err := codec.Canonical(payload)
	if err != nil {
		return types.Hash{}, fmt.Errorf("snapshot encode: %w", err)
	}
	return crypto.Hash(data), nil
}

// MintedSupply returns the total amount ever minted: the genesis alloc
// plus every block reward credited so far. A missing counter reads as
// zero (fresh store).
func (s *Store) MintedSupply() (codec.Amount, error) {
	data, err := s.db.Get(keyMintedSupply)
	if err != nil {
		return codec.ZeroAmount(), nil
	}
	amt, perr := codec.ParseAmount(string(data))
	if perr != nil {
		return codec.Amount{}, fmt.Errorf("minted supply decode: %w", perr)
	}
	return amt, nil
}

func (s *Store) putMintedSupply(amt codec.Amount) error {
	if err := s.db.Put(keyMintedSupply, []byte(amt.String())); err != nil {
		return fmt.Errorf("minted supply put: %w", err)
	}
	return nil
}

// Supply returns the sum of every account's balance, i.e. the total coin
// supply currently held across the ledger.
func (s *Store) Supply() (codec.Amount, error) {
	total := codec.ZeroAmount()
	err := s.ForEach(func(_ types.Address, acct *Account) error {
		total = total.Add(acct.Balance)
		return nil
	})
	if err != nil {
		return codec.Amount{}, fmt.Errorf("supply scan: %w", err)
	}
	return total, nil
}
