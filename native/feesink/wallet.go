package feesink

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"multivault/storage"
)

var (
	ErrNothingToClaim = errors.New("feesink: nothing to claim")
	ErrNilStore       = errors.New("feesink: store not configured")
)

var (
	claimablePrefix = []byte("feesink/claimable/")
	collectedPrefix = []byte("feesink/collected/")
)

type storedAmount struct {
	Value *big.Int
}

// WalletLedger accrues entity-wallet fees per term until the term's wallet
// claims them.
type WalletLedger struct {
	mu    sync.Mutex
	store *storage.KVStore
}

// NewWalletLedger keeps balances in store.
func NewWalletLedger(store *storage.KVStore) (*WalletLedger, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	return &WalletLedger{store: store}, nil
}

func termKey(prefix []byte, termID common.Hash) []byte {
	return append(append([]byte{}, prefix...), termID[:]...)
}

type kvReader interface {
	KVGet(key []byte, out interface{}) (bool, error)
}

func readAmount(kv kvReader, key []byte) (*uint256.Int, error) {
	var record storedAmount
	ok, err := kv.KVGet(key, &record)
	if err != nil {
		return nil, err
	}
	if !ok || record.Value == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(record.Value)
	if overflow {
		return nil, fmt.Errorf("feesink: stored amount exceeds 256 bits")
	}
	return out, nil
}

// NotifyFeeCollected implements vault.FeeSink.
func (w *WalletLedger) NotifyFeeCollected(termID common.Hash, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	tx := w.store.Begin()
	for _, prefix := range [][]byte{claimablePrefix, collectedPrefix} {
		key := termKey(prefix, termID)
		current, err := readAmount(tx, key)
		if err != nil {
			tx.Discard()
			return err
		}
		next, overflow := new(uint256.Int).AddOverflow(current, amount)
		if overflow {
			tx.Discard()
			return fmt.Errorf("feesink: balance overflow for %s", termID.Hex())
		}
		if err := tx.KVPut(key, &storedAmount{Value: next.ToBig()}); err != nil {
			tx.Discard()
			return err
		}
	}
	return tx.Commit()
}

// Claimable returns the unclaimed fees of termID.
func (w *WalletLedger) Claimable(termID common.Hash) (*uint256.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return readAmount(w.store, termKey(claimablePrefix, termID))
}

// Collected returns every fee termID has received, claimed or not.
func (w *WalletLedger) Collected(termID common.Hash) (*uint256.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return readAmount(w.store, termKey(collectedPrefix, termID))
}

// Claim zeroes termID's claimable balance and returns it.
func (w *WalletLedger) Claim(termID common.Hash) (*uint256.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := termKey(claimablePrefix, termID)
	amount, err := readAmount(w.store, key)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, ErrNothingToClaim
	}
	if err := w.store.KVPut(key, &storedAmount{Value: new(big.Int)}); err != nil {
		return nil, err
	}
	return amount, nil
}
