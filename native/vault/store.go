package vault

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"multivault/native/fixedpoint"
)

// kvState is satisfied by *storage.KVStore and *storage.Tx.
type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVGetList(key []byte, out interface{}) error
}

type storedVault struct {
	TotalAssets *big.Int
	TotalShares *big.Int
}

type storedAmount struct {
	Value *big.Int
}

type storedKey struct {
	TermID  common.Hash
	CurveID uint64
}

// ledgerStore maps ledger records onto RLP values. It never validates
// economics; callers hold the ledger lock.
type ledgerStore struct {
	kv kvState
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return fixedpoint.Zero(), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative stored amount", ErrArithmetic)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: stored amount exceeds 256 bits", ErrArithmetic)
	}
	return out, nil
}

func (s ledgerStore) vault(key Key) (State, bool, error) {
	var record storedVault
	ok, err := s.kv.KVGet(vaultStateKey(key), &record)
	if err != nil || !ok {
		return emptyState(), false, err
	}
	assets, err := fromBig(record.TotalAssets)
	if err != nil {
		return emptyState(), false, err
	}
	shares, err := fromBig(record.TotalShares)
	if err != nil {
		return emptyState(), false, err
	}
	return State{TotalAssets: assets, TotalShares: shares}, true, nil
}

func (s ledgerStore) putVault(key Key, state State) error {
	return s.kv.KVPut(vaultStateKey(key), &storedVault{
		TotalAssets: toBig(state.TotalAssets),
		TotalShares: toBig(state.TotalShares),
	})
}

func (s ledgerStore) amount(key []byte) (*uint256.Int, error) {
	var record storedAmount
	ok, err := s.kv.KVGet(key, &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return fixedpoint.Zero(), nil
	}
	return fromBig(record.Value)
}

func (s ledgerStore) putAmount(key []byte, value *uint256.Int) error {
	return s.kv.KVPut(key, &storedAmount{Value: toBig(value)})
}

func (s ledgerStore) balance(key Key, owner common.Address) (*uint256.Int, error) {
	return s.amount(vaultBalanceKey(key, owner))
}

// putBalance stores owner's balance and records owner as a holder the first
// time it becomes non-zero.
func (s ledgerStore) putBalance(key Key, owner common.Address, shares *uint256.Int) error {
	if !shares.IsZero() {
		if err := s.addHolder(key, owner); err != nil {
			return err
		}
	}
	return s.putAmount(vaultBalanceKey(key, owner), shares)
}

// counter reads a sequence length; a missing record is zero.
func (s ledgerStore) counter(key []byte) (uint64, error) {
	var n uint64
	if _, err := s.kv.KVGet(key, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s ledgerStore) holders(key Key) ([]common.Address, error) {
	n, err := s.counter(vaultHoldersKey(key))
	if err != nil {
		return nil, err
	}
	list := make([]common.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		var owner common.Address
		ok, err := s.kv.KVGet(vaultHolderAtKey(key, i), &owner)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s holder %d missing", ErrInvariantViolation, key, i)
		}
		list = append(list, owner)
	}
	return list, nil
}

// addHolder appends owner to the holder sequence unless its marker exists.
// It touches a constant number of records however many holders there are.
func (s ledgerStore) addHolder(key Key, owner common.Address) error {
	var seen bool
	ok, err := s.kv.KVGet(vaultHolderMarkKey(key, owner), &seen)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	n, err := s.counter(vaultHoldersKey(key))
	if err != nil {
		return err
	}
	if err := s.kv.KVPut(vaultHolderAtKey(key, n), owner); err != nil {
		return err
	}
	if err := s.kv.KVPut(vaultHolderMarkKey(key, owner), true); err != nil {
		return err
	}
	return s.kv.KVPut(vaultHoldersKey(key), n+1)
}

func (s ledgerStore) index() ([]Key, error) {
	n, err := s.counter(vaultIndexKey)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, n)
	for i := uint64(0); i < n; i++ {
		var entry storedKey
		ok, err := s.kv.KVGet(vaultIndexAtKey(i), &entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: vault index entry %d missing", ErrInvariantViolation, i)
		}
		keys = append(keys, Key{TermID: entry.TermID, CurveID: entry.CurveID})
	}
	return keys, nil
}

func (s ledgerStore) appendIndex(key Key) error {
	n, err := s.counter(vaultIndexKey)
	if err != nil {
		return err
	}
	if err := s.kv.KVPut(vaultIndexAtKey(n), &storedKey{TermID: key.TermID, CurveID: key.CurveID}); err != nil {
		return err
	}
	return s.kv.KVPut(vaultIndexKey, n+1)
}

func epochKey(epoch uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	return prefixed(protocolFeesKey, []byte("/"), buf[:])
}

func (s ledgerStore) protocolFees(epoch uint64) (*uint256.Int, error) {
	return s.amount(epochKey(epoch))
}

func (s ledgerStore) addProtocolFees(epoch uint64, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	current, err := s.protocolFees(epoch)
	if err != nil {
		return err
	}
	total, err := fixedpoint.Add(current, amount)
	if err != nil {
		return fmt.Errorf("%w: protocol fee accumulator: %w", ErrArithmetic, err)
	}
	return s.putAmount(epochKey(epoch), total)
}

func (s ledgerStore) feeCredit(termID common.Hash) (*uint256.Int, error) {
	return s.amount(feeCreditKey(termID))
}

func (s ledgerStore) feeCreditTerms() ([]common.Hash, error) {
	var list []common.Hash
	if err := s.kv.KVGetList(feeCreditIndexKey, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// setFeeCredit stores the pending fee credit for termID and keeps the index
// limited to terms with a non-zero credit.
func (s ledgerStore) setFeeCredit(termID common.Hash, amount *uint256.Int) error {
	terms, err := s.feeCreditTerms()
	if err != nil {
		return err
	}
	filtered := make([]common.Hash, 0, len(terms)+1)
	for _, existing := range terms {
		if existing != termID {
			filtered = append(filtered, existing)
		}
	}
	if !amount.IsZero() {
		filtered = append(filtered, termID)
	}
	if err := s.kv.KVPut(feeCreditIndexKey, filtered); err != nil {
		return err
	}
	return s.putAmount(feeCreditKey(termID), amount)
}

func (s ledgerStore) payoutCredit(receiver common.Address) (*uint256.Int, error) {
	return s.amount(payoutCreditKey(receiver))
}

func (s ledgerStore) payoutCreditReceivers() ([]common.Address, error) {
	var list []common.Address
	if err := s.kv.KVGetList(payoutCreditIndexKey, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s ledgerStore) setPayoutCredit(receiver common.Address, amount *uint256.Int) error {
	receivers, err := s.payoutCreditReceivers()
	if err != nil {
		return err
	}
	filtered := make([]common.Address, 0, len(receivers)+1)
	for _, existing := range receivers {
		if existing != receiver {
			filtered = append(filtered, existing)
		}
	}
	if !amount.IsZero() {
		filtered = append(filtered, receiver)
	}
	if err := s.kv.KVPut(payoutCreditIndexKey, filtered); err != nil {
		return err
	}
	return s.putAmount(payoutCreditKey(receiver), amount)
}
