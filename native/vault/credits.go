package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"multivault/native/fixedpoint"
)

const (
	creditKindFee    = "fee"
	creditKindPayout = "payout"
)

// FeeCredit is an entity-wallet fee the fee sink has not yet accepted.
type FeeCredit struct {
	TermID common.Hash  `json:"termId"`
	Amount *uint256.Int `json:"amount"`
}

// PayoutCredit is a redemption payout the payer has not yet completed.
type PayoutCredit struct {
	Receiver common.Address `json:"receiver"`
	Amount   *uint256.Int   `json:"amount"`
}

// RetryReport summarises one RetryPendingCredits pass.
type RetryReport struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// recordCredits adds failed deliveries to the pending credit balances.
func (l *Ledger) recordCredits(failedFees []feeDelivery, failedPayouts []payoutDelivery) error {
	return l.adjustCredits(failedFees, failedPayouts, fixedpoint.Add)
}

// settleCredits removes delivered amounts from the pending credit balances.
func (l *Ledger) settleCredits(deliveredFees []feeDelivery, deliveredPayouts []payoutDelivery) error {
	return l.adjustCredits(deliveredFees, deliveredPayouts, fixedpoint.Sub)
}

func (l *Ledger) adjustCredits(feeDeltas []feeDelivery, payoutDeltas []payoutDelivery, apply func(a, b *uint256.Int) (*uint256.Int, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := l.store.Begin()
	s := ledgerStore{kv: tx}
	for _, fee := range feeDeltas {
		current, err := s.feeCredit(fee.termID)
		if err != nil {
			tx.Discard()
			return err
		}
		total, err := apply(current, fee.amount)
		if err != nil {
			tx.Discard()
			return fmt.Errorf("%w: fee credit for %s: %w", ErrArithmetic, fee.termID.Hex(), err)
		}
		if err := s.setFeeCredit(fee.termID, total); err != nil {
			tx.Discard()
			return err
		}
	}
	for _, payout := range payoutDeltas {
		current, err := s.payoutCredit(payout.receiver)
		if err != nil {
			tx.Discard()
			return err
		}
		total, err := apply(current, payout.amount)
		if err != nil {
			tx.Discard()
			return fmt.Errorf("%w: payout credit for %s: %w", ErrArithmetic, payout.receiver.Hex(), err)
		}
		if err := s.setPayoutCredit(payout.receiver, total); err != nil {
			tx.Discard()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	l.refreshCreditGauges(l.reader())
	return nil
}

func (l *Ledger) refreshCreditGauges(s ledgerStore) {
	if l.metrics == nil {
		return
	}
	if terms, err := s.feeCreditTerms(); err == nil {
		l.metrics.SetPendingCredits(creditKindFee, len(terms))
	}
	if receivers, err := s.payoutCreditReceivers(); err == nil {
		l.metrics.SetPendingCredits(creditKindPayout, len(receivers))
	}
}

// PendingFeeCredit returns the undelivered entity-wallet fees for termID.
func (l *Ledger) PendingFeeCredit(termID common.Hash) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reader().feeCredit(termID)
}

// PendingPayout returns the undelivered redemption payouts for receiver.
func (l *Ledger) PendingPayout(receiver common.Address) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reader().payoutCredit(receiver)
}

// PendingCredits lists every outstanding credit.
func (l *Ledger) PendingCredits() ([]FeeCredit, []PayoutCredit, error) {
	if err := l.ready(); err != nil {
		return nil, nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pendingCredits(l.reader())
}

func (l *Ledger) pendingCredits(s ledgerStore) ([]FeeCredit, []PayoutCredit, error) {
	terms, err := s.feeCreditTerms()
	if err != nil {
		return nil, nil, err
	}
	feeCredits := make([]FeeCredit, 0, len(terms))
	for _, termID := range terms {
		amount, err := s.feeCredit(termID)
		if err != nil {
			return nil, nil, err
		}
		feeCredits = append(feeCredits, FeeCredit{TermID: termID, Amount: amount})
	}
	receivers, err := s.payoutCreditReceivers()
	if err != nil {
		return nil, nil, err
	}
	payoutCredits := make([]PayoutCredit, 0, len(receivers))
	for _, receiver := range receivers {
		amount, err := s.payoutCredit(receiver)
		if err != nil {
			return nil, nil, err
		}
		payoutCredits = append(payoutCredits, PayoutCredit{Receiver: receiver, Amount: amount})
	}
	return feeCredits, payoutCredits, nil
}

// RetryPendingCredits redelivers every pending credit. A credit is reduced
// only after its delivery succeeds, so an interrupted pass redelivers rather
// than loses it. Passes do not overlap.
func (l *Ledger) RetryPendingCredits() (RetryReport, error) {
	if err := l.ready(); err != nil {
		return RetryReport{}, err
	}
	l.retryMu.Lock()
	defer l.retryMu.Unlock()

	feeCredits, payoutCredits, err := l.PendingCredits()
	if err != nil {
		return RetryReport{}, err
	}

	var report RetryReport
	for _, credit := range feeCredits {
		delivery := feeDelivery{termID: credit.TermID, amount: credit.Amount}
		if deliverErr := l.deliverFee(delivery); deliverErr != nil {
			report.Failed++
			l.metrics.ObserveCreditRetry(creditKindFee, false)
			continue
		}
		if err := l.settleCredits([]feeDelivery{delivery}, nil); err != nil {
			return report, err
		}
		report.Delivered++
		l.metrics.ObserveCreditRetry(creditKindFee, true)
	}
	for _, credit := range payoutCredits {
		delivery := payoutDelivery{receiver: credit.Receiver, amount: credit.Amount}
		if deliverErr := l.deliverPayout(delivery); deliverErr != nil {
			report.Failed++
			l.metrics.ObserveCreditRetry(creditKindPayout, false)
			continue
		}
		if err := l.settleCredits(nil, []payoutDelivery{delivery}); err != nil {
			return report, err
		}
		report.Delivered++
		l.metrics.ObserveCreditRetry(creditKindPayout, true)
	}
	l.logger.Info("vault: pending credits retried",
		"delivered", report.Delivered,
		"failed", report.Failed)
	return report, nil
}

// AccumulatedProtocolFees returns the entry, exit and protocol fees retained
// during epoch.
func (l *Ledger) AccumulatedProtocolFees(epoch uint64) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reader().protocolFees(epoch)
}

// SweepProtocolFees zeroes the epoch's accumulator and returns its balance.
func (l *Ledger) SweepProtocolFees(epoch uint64) (*uint256.Int, error) {
	var swept *uint256.Int
	_, err := l.execute("sweep", func(s ledgerStore, fx *effects) error {
		amount, err := s.protocolFees(epoch)
		if err != nil {
			return err
		}
		swept = amount
		if amount.IsZero() {
			return nil
		}
		fx.events = append(fx.events, ProtocolFeesSweptEvent(epoch, amount))
		return s.putAmount(epochKey(epoch), fixedpoint.Zero())
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// RecordFeeCredit adds amount to termID's pending fee credit. Asynchronous
// sinks call it when a delivery they accepted ultimately fails.
func (l *Ledger) RecordFeeCredit(termID common.Hash, amount *uint256.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return l.recordCredits([]feeDelivery{{termID: termID, amount: new(uint256.Int).Set(amount)}}, nil)
}

// RecordPayoutCredit adds amount to receiver's pending payout credit.
func (l *Ledger) RecordPayoutCredit(receiver common.Address, amount *uint256.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return l.recordCredits(nil, []payoutDelivery{{receiver: receiver, amount: new(uint256.Int).Set(amount)}})
}
