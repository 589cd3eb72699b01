package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"multivault/native/fees"
)

type redeemQuote struct {
	key    Key
	before State
	gross  *uint256.Int
	fees   fees.RedeemBreakdown
}

// quoteRedeem prices a redemption. When owner is set its balance is checked
// before pricing.
func (l *Ledger) quoteRedeem(s ledgerStore, termID common.Hash, curveID uint64, shares *uint256.Int, owner *common.Address) (*redeemQuote, error) {
	if shares == nil || shares.IsZero() {
		return nil, ErrZeroAmount
	}
	c, err := l.curves.Resolve(curveID)
	if err != nil {
		return nil, err
	}
	key := Key{TermID: termID, CurveID: curveID}
	state, exists, err := s.vault(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrVaultNotFound
	}
	if owner != nil {
		balance, err := s.balance(key, *owner)
		if err != nil {
			return nil, err
		}
		if balance.Lt(shares) {
			return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientShares, balance.Dec(), shares.Dec())
		}
	}
	if shares.Gt(state.TotalShares) {
		return nil, fmt.Errorf("%w: %s exceeds supply %s", ErrInsufficientShares, shares.Dec(), state.TotalShares.Dec())
	}
	gross, err := c.PreviewRedeem(shares, state.TotalShares, state.TotalAssets)
	if err != nil {
		return nil, curveError(err)
	}
	if gross.Gt(state.TotalAssets) {
		return nil, fmt.Errorf("%w: %s prices %s above backing %s", ErrInvariantViolation, key, gross.Dec(), state.TotalAssets.Dec())
	}
	if gross.IsZero() {
		return nil, ErrZeroAssets
	}
	breakdown, err := l.fees.Redeem(gross)
	if err != nil {
		return nil, err
	}
	return &redeemQuote{key: key, before: state, gross: gross, fees: breakdown}, nil
}

func (l *Ledger) applyRedeem(s ledgerStore, fx *effects, req RedeemRequest) (*RedeemResult, error) {
	if req.Owner == NullOwner || req.Receiver == NullOwner {
		return nil, ErrInvalidReceiver
	}
	quote, err := l.quoteRedeem(s, req.TermID, req.CurveID, req.Shares, &req.Owner)
	if err != nil {
		return nil, err
	}
	key := quote.key
	balance, err := s.balance(key, req.Owner)
	if err != nil {
		return nil, err
	}
	net := quote.fees.Net
	if req.MinAssets != nil && net.Lt(req.MinAssets) {
		return nil, fmt.Errorf("%w: released %s below minimum %s", ErrSlippageExceeded, net.Dec(), req.MinAssets.Dec())
	}

	after := State{
		TotalAssets: new(uint256.Int).Sub(quote.before.TotalAssets, quote.gross),
		TotalShares: new(uint256.Int).Sub(quote.before.TotalShares, req.Shares),
	}
	if err := s.putBalance(key, req.Owner, new(uint256.Int).Sub(balance, req.Shares)); err != nil {
		return nil, err
	}
	if err := s.putVault(key, after); err != nil {
		return nil, err
	}
	if err := s.addProtocolFees(l.epochAt(fx.timestamp), quote.fees.Total); err != nil {
		return nil, err
	}

	result := &RedeemResult{
		Key:         key,
		Assets:      net,
		GrossAssets: quote.gross,
		SharesUsed:  new(uint256.Int).Set(req.Shares),
		Fees:        quote.fees,
		Vault:       after,
		OperationID: fx.opID,
	}
	if !net.IsZero() {
		fx.payouts = append(fx.payouts, payoutDelivery{receiver: req.Receiver, amount: net})
	}
	fx.report(req.Owner, key, l.utilizationDelta(quote.gross, net, true))
	fx.events = append(fx.events, RedeemedEvent(req.Owner, req.Receiver, result))
	return result, nil
}

// Redeem burns req.Shares of req.Owner and pays the net assets to
// req.Receiver after the state commits.
func (l *Ledger) Redeem(req RedeemRequest) (*RedeemResult, error) {
	var result *RedeemResult
	_, err := l.execute("redeem", func(s ledgerStore, fx *effects) error {
		res, err := l.applyRedeem(s, fx, req)
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PreviewRedeem quotes a redemption without mutating state. It returns the
// assets released after fees and the shares that would be burned.
func (l *Ledger) PreviewRedeem(termID common.Hash, curveID uint64, shares *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	quote, err := l.quoteRedeem(l.reader(), termID, curveID, shares, nil)
	if err != nil {
		return nil, nil, err
	}
	return quote.fees.Net, new(uint256.Int).Set(shares), nil
}

// BatchRedeem applies one redemption per index of the parallel slices in a
// single all-or-nothing operation.
func (l *Ledger) BatchRedeem(owner, receiver common.Address, termIDs []common.Hash, curveIDs []uint64, shares, minAssets []*uint256.Int) ([]*RedeemResult, error) {
	n := len(termIDs)
	if n == 0 || len(curveIDs) != n || len(shares) != n || len(minAssets) != n {
		return nil, ErrArrayLengthMismatch
	}
	results := make([]*RedeemResult, 0, n)
	_, err := l.execute("batch_redeem", func(s ledgerStore, fx *effects) error {
		for i := 0; i < n; i++ {
			res, err := l.applyRedeem(s, fx, RedeemRequest{
				Owner:     owner,
				Receiver:  receiver,
				TermID:    termIDs[i],
				CurveID:   curveIDs[i],
				Shares:    shares[i],
				MinAssets: minAssets[i],
			})
			if err != nil {
				return fmt.Errorf("batch redeem %d: %w", i, err)
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveBatch("batch_redeem", n)
	return results, nil
}
