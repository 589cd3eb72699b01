package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Holding is one owner's share balance in a vault.
type Holding struct {
	Owner  common.Address `json:"owner"`
	Shares *uint256.Int   `json:"shares"`
}

// GetVault returns the vault's totals. A vault that was never initialised
// reports zero totals.
func (l *Ledger) GetVault(termID common.Hash, curveID uint64) (State, error) {
	if err := l.ready(); err != nil {
		return emptyState(), err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	state, _, err := l.reader().vault(Key{TermID: termID, CurveID: curveID})
	return state, err
}

// VaultExists reports whether the vault has been initialised.
func (l *Ledger) VaultExists(termID common.Hash, curveID uint64) (bool, error) {
	if err := l.ready(); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, exists, err := l.reader().vault(Key{TermID: termID, CurveID: curveID})
	return exists, err
}

// GetShares returns owner's share balance in the vault.
func (l *Ledger) GetShares(owner common.Address, termID common.Hash, curveID uint64) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reader().balance(Key{TermID: termID, CurveID: curveID}, owner)
}

// CurrentSharePrice returns the WAD-scaled asset value of one share unit at
// the vault's current supply.
func (l *Ledger) CurrentSharePrice(termID common.Hash, curveID uint64) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	c, err := l.curves.Resolve(curveID)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	state, _, err := l.reader().vault(Key{TermID: termID, CurveID: curveID})
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	price, err := c.CurrentPrice(state.TotalShares, state.TotalAssets)
	if err != nil {
		return nil, curveError(err)
	}
	return price, nil
}

// Vaults lists every initialised vault in creation order.
func (l *Ledger) Vaults() ([]Key, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reader().index()
}

// Holders lists the owners with a non-zero balance, the null owner's floor
// included.
func (l *Ledger) Holders(termID common.Hash, curveID uint64) ([]Holding, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.holdings(l.reader(), Key{TermID: termID, CurveID: curveID})
}

func (l *Ledger) holdings(s ledgerStore, key Key) ([]Holding, error) {
	owners, err := s.holders(key)
	if err != nil {
		return nil, err
	}
	out := make([]Holding, 0, len(owners))
	for _, owner := range owners {
		shares, err := s.balance(key, owner)
		if err != nil {
			return nil, err
		}
		if shares.IsZero() {
			continue
		}
		out = append(out, Holding{Owner: owner, Shares: shares})
	}
	return out, nil
}
