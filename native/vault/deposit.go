package vault

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"multivault/native/fees"
	"multivault/native/fixedpoint"
	"multivault/native/vault/curve"
)

type depositQuote struct {
	key         Key
	before      State
	fees        fees.DepositBreakdown
	shares      *uint256.Int
	initialized bool
}

// quoteDeposit prices a deposit against the current state without writing.
// A vault that does not exist yet is priced as if its floor shares had
// already been minted, and only accepts a seed of at least the configured
// minimum.
func (l *Ledger) quoteDeposit(s ledgerStore, termID common.Hash, curveID uint64, assets *uint256.Int) (*depositQuote, error) {
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroAmount
	}
	c, err := l.curves.Resolve(curveID)
	if err != nil {
		return nil, err
	}
	breakdown, err := l.fees.Deposit(assets)
	if err != nil {
		return nil, err
	}
	key := Key{TermID: termID, CurveID: curveID}
	state, exists, err := s.vault(key)
	if err != nil {
		return nil, err
	}
	quote := &depositQuote{key: key, fees: breakdown}
	if !exists {
		if minimum := l.seedMinimum(); breakdown.Net.Lt(minimum) {
			return nil, fmt.Errorf("%w: %s after fees, need %s", ErrDepositTooSmall, breakdown.Net.Dec(), minimum.Dec())
		}
		state = State{TotalAssets: fixedpoint.Zero(), TotalShares: new(uint256.Int).Set(l.minShare)}
		quote.initialized = true
	}
	quote.before = state

	shares, err := c.PreviewDeposit(breakdown.Net, state.TotalAssets, state.TotalShares)
	if err != nil {
		return nil, curveError(err)
	}
	if shares.IsZero() {
		return nil, ErrZeroShares
	}
	newShares, overflow := new(uint256.Int).AddOverflow(state.TotalShares, shares)
	if overflow || newShares.Gt(c.MaxShares()) {
		return nil, fmt.Errorf("%w: share supply above %s", ErrCurveCapacity, c.MaxShares().Dec())
	}
	newAssets, overflow := new(uint256.Int).AddOverflow(state.TotalAssets, breakdown.Net)
	if overflow || newAssets.Gt(c.MaxAssets()) {
		return nil, fmt.Errorf("%w: assets above %s", ErrCurveCapacity, c.MaxAssets().Dec())
	}
	quote.shares = shares
	return quote, nil
}

func curveError(err error) error {
	if errors.Is(err, curve.ErrDomainExceeded) {
		return fmt.Errorf("%w: %w", ErrCurveCapacity, err)
	}
	return err
}

// applyDeposit executes one deposit inside an open transaction.
func (l *Ledger) applyDeposit(s ledgerStore, fx *effects, req DepositRequest) (*DepositResult, error) {
	if req.Receiver == NullOwner {
		return nil, ErrInvalidReceiver
	}
	quote, err := l.quoteDeposit(s, req.TermID, req.CurveID, req.Assets)
	if err != nil {
		return nil, err
	}
	if req.MinShares != nil && quote.shares.Lt(req.MinShares) {
		return nil, fmt.Errorf("%w: minted %s below minimum %s", ErrSlippageExceeded, quote.shares.Dec(), req.MinShares.Dec())
	}

	key := quote.key
	if quote.initialized {
		if err := s.putBalance(key, NullOwner, quote.before.TotalShares); err != nil {
			return nil, err
		}
		if err := s.appendIndex(key); err != nil {
			return nil, err
		}
		fx.created++
		fx.events = append(fx.events, VaultInitializedEvent(key, quote.before.TotalShares, fx.opID))
	}

	after := State{
		TotalAssets: new(uint256.Int).Add(quote.before.TotalAssets, quote.fees.Net),
		TotalShares: new(uint256.Int).Add(quote.before.TotalShares, quote.shares),
	}
	balance, err := s.balance(key, req.Receiver)
	if err != nil {
		return nil, err
	}
	balance, err = fixedpoint.Add(balance, quote.shares)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver balance: %w", ErrArithmetic, err)
	}
	if err := s.putBalance(key, req.Receiver, balance); err != nil {
		return nil, err
	}
	if err := s.putVault(key, after); err != nil {
		return nil, err
	}
	if err := s.addProtocolFees(l.epochAt(fx.timestamp), quote.fees.Retained()); err != nil {
		return nil, err
	}

	result := &DepositResult{
		Key:             key,
		Shares:          quote.shares,
		AssetsAfterFees: quote.fees.Net,
		Fees:            quote.fees,
		Vault:           after,
		Initialized:     quote.initialized,
		OperationID:     fx.opID,
	}
	if !quote.fees.EntityWallet.IsZero() {
		fx.fees = append(fx.fees, feeDelivery{termID: key.TermID, amount: quote.fees.EntityWallet})
	}
	fx.report(req.Receiver, key, l.utilizationDelta(quote.fees.Gross, quote.fees.Net, false))
	fx.events = append(fx.events, DepositedEvent(req.Sender, req.Receiver, result))
	return result, nil
}

// Deposit converts req.Assets into shares of the (term, curve) vault credited
// to req.Receiver. The vault is created on its first deposit.
func (l *Ledger) Deposit(req DepositRequest) (*DepositResult, error) {
	var result *DepositResult
	_, err := l.execute("deposit", func(s ledgerStore, fx *effects) error {
		res, err := l.applyDeposit(s, fx, req)
		result = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PreviewDeposit quotes a deposit without mutating state. It returns the
// shares that would be minted and the assets credited after fees.
func (l *Ledger) PreviewDeposit(termID common.Hash, curveID uint64, assets *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	quote, err := l.quoteDeposit(l.reader(), termID, curveID, assets)
	if err != nil {
		return nil, nil, err
	}
	return quote.shares, quote.fees.Net, nil
}

// BatchDeposit applies one deposit per index of the parallel slices, all
// credited to receiver, in a single all-or-nothing operation.
func (l *Ledger) BatchDeposit(sender, receiver common.Address, termIDs []common.Hash, curveIDs []uint64, assets, minShares []*uint256.Int) ([]*DepositResult, error) {
	n := len(termIDs)
	if n == 0 || len(curveIDs) != n || len(assets) != n || len(minShares) != n {
		return nil, ErrArrayLengthMismatch
	}
	results := make([]*DepositResult, 0, n)
	_, err := l.execute("batch_deposit", func(s ledgerStore, fx *effects) error {
		for i := 0; i < n; i++ {
			res, err := l.applyDeposit(s, fx, DepositRequest{
				Sender:    sender,
				Receiver:  receiver,
				TermID:    termIDs[i],
				CurveID:   curveIDs[i],
				Assets:    assets[i],
				MinShares: minShares[i],
			})
			if err != nil {
				return fmt.Errorf("batch deposit %d: %w", i, err)
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveBatch("batch_deposit", n)
	return results, nil
}
