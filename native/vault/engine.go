package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"multivault/core/events"
	"multivault/core/types"
	"multivault/native/fees"
	"multivault/native/fixedpoint"
	"multivault/observability/metrics"
	"multivault/storage"
)

// DefaultFeeEpochLength is the protocol fee accumulator bucket size in seconds.
const DefaultFeeEpochLength int64 = 86_400

// Ledger owns every vault's totals and balances. Mutations are serialised
// and each operation, or whole batch, commits through one storage
// transaction. Collaborators are called only after the commit and outside
// the ledger lock, so they may call back into the ledger.
type Ledger struct {
	mu      sync.RWMutex
	retryMu sync.Mutex

	store    *storage.KVStore
	curves   CurveResolver
	fees     *fees.Engine
	sink     FeeSink
	payer    Payer
	reporter UtilizationReporter
	emitter  events.Emitter
	metrics  *metrics.VaultMetrics
	logger   *slog.Logger

	nowFn       func() int64
	newOpID     func() string
	minShare    *uint256.Int
	minSeed     *uint256.Int
	basis       UtilizationBasis
	epochLength int64
}

// NewLedger constructs a ledger pricing through curves and charging fees from
// feeSource. A store must be configured before use.
func NewLedger(curves CurveResolver, feeSource fees.Source) *Ledger {
	return &Ledger{
		curves:      curves,
		fees:        fees.NewEngine(feeSource),
		emitter:     events.NoopEmitter{},
		logger:      slog.Default().With("component", "vault"),
		nowFn:       func() int64 { return time.Now().Unix() },
		newOpID:     func() string { return uuid.NewString() },
		minShare:    uint256.NewInt(DefaultMinShare),
		basis:       BasisGross,
		epochLength: DefaultFeeEpochLength,
	}
}

// SetStore configures the persistence backend.
func (l *Ledger) SetStore(store *storage.KVStore) { l.store = store }

// SetFeeSink configures the receiver of entity-wallet fees. Without a sink the
// fees accrue as pending credits.
func (l *Ledger) SetFeeSink(sink FeeSink) { l.sink = sink }

// SetPayer configures the transfer of redeemed assets. Without a payer the
// payouts accrue as pending credits.
func (l *Ledger) SetPayer(payer Payer) { l.payer = payer }

// SetUtilizationReporter configures the consumer of utilization deltas.
func (l *Ledger) SetUtilizationReporter(reporter UtilizationReporter) { l.reporter = reporter }

// SetEmitter configures the event emitter used by the ledger.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetMetrics configures the Prometheus collectors. Nil disables metrics.
func (l *Ledger) SetMetrics(m *metrics.VaultMetrics) { l.metrics = m }

// SetLogger configures the structured logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	l.logger = logger.With("component", "vault")
}

// SetNowFunc overrides the time source used for deterministic testing.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// SetOperationIDFunc overrides the operation id generator.
func (l *Ledger) SetOperationIDFunc(fn func() string) {
	if fn == nil {
		fn = func() string { return uuid.NewString() }
	}
	l.newOpID = fn
}

// SetMinShare changes the floor minted to new vaults. Existing vaults keep
// the floor they were created with.
func (l *Ledger) SetMinShare(minShare *uint256.Int) error {
	if minShare == nil || minShare.IsZero() {
		return fmt.Errorf("vault: min share must be positive")
	}
	l.mu.Lock()
	l.minShare = new(uint256.Int).Set(minShare)
	l.mu.Unlock()
	return nil
}

// MinShare returns the floor minted to new vaults.
func (l *Ledger) MinShare() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(l.minShare)
}

// SetMinInitialDeposit sets the smallest net deposit that may initialise a
// vault. Nil restores the default of DefaultSeedMultiple times the floor.
func (l *Ledger) SetMinInitialDeposit(amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == nil {
		l.minSeed = nil
		return
	}
	l.minSeed = new(uint256.Int).Set(amount)
}

// MinInitialDeposit returns the smallest net deposit that may initialise a
// vault.
func (l *Ledger) MinInitialDeposit() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seedMinimum()
}

func (l *Ledger) seedMinimum() *uint256.Int {
	if l.minSeed != nil {
		return new(uint256.Int).Set(l.minSeed)
	}
	seed, err := fixedpoint.Mul(l.minShare, uint256.NewInt(DefaultSeedMultiple))
	if err != nil {
		return fixedpoint.Max()
	}
	return seed
}

// SetUtilizationBasis selects whether gross or net amounts are reported.
func (l *Ledger) SetUtilizationBasis(basis UtilizationBasis) {
	l.mu.Lock()
	l.basis = basis
	l.mu.Unlock()
}

// SetFeeEpochLength sets the protocol fee accumulator bucket size in seconds.
func (l *Ledger) SetFeeEpochLength(seconds int64) {
	if seconds <= 0 {
		seconds = DefaultFeeEpochLength
	}
	l.mu.Lock()
	l.epochLength = seconds
	l.mu.Unlock()
}

// FeeEpoch returns the protocol fee epoch containing the current time.
func (l *Ledger) FeeEpoch() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epochAt(l.now())
}

func (l *Ledger) epochAt(ts int64) uint64 {
	if ts <= 0 || l.epochLength <= 0 {
		return 0
	}
	return uint64(ts / l.epochLength)
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

func (l *Ledger) ready() error {
	if l == nil || l.store == nil || l.curves == nil || l.fees == nil {
		return ErrNotConfigured
	}
	return nil
}

func (l *Ledger) reader() ledgerStore { return ledgerStore{kv: l.store} }

type feeDelivery struct {
	termID common.Hash
	amount *uint256.Int
}

type payoutDelivery struct {
	receiver common.Address
	amount   *uint256.Int
}

// effects collects everything an operation hands to collaborators once its
// state has committed.
type effects struct {
	opID        string
	timestamp   int64
	events      []*types.Event
	fees        []feeDelivery
	payouts     []payoutDelivery
	utilization []UtilizationRecord
	created     int
}

func (fx *effects) report(actor common.Address, key Key, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	fx.utilization = append(fx.utilization, UtilizationRecord{
		Actor:       actor,
		TermID:      key.TermID,
		CurveID:     key.CurveID,
		Delta:       delta,
		Timestamp:   fx.timestamp,
		OperationID: fx.opID,
	})
}

// execute runs fn against a fresh transaction under the ledger lock and
// commits it only when fn succeeds. Collaborators run afterwards.
func (l *Ledger) execute(operation string, fn func(tx ledgerStore, fx *effects) error) (*effects, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	fx := &effects{opID: l.newOpID(), timestamp: l.now()}
	tx := l.store.Begin()
	err := fn(ledgerStore{kv: tx}, fx)
	if err != nil {
		tx.Discard()
	} else if commitErr := tx.Commit(); commitErr != nil {
		err = fmt.Errorf("vault: commit %s: %w", operation, commitErr)
	}
	l.mu.Unlock()

	if err != nil {
		l.metrics.ObserveFailure(operation, string(Classify(err)), Reason(err))
		l.logger.Debug("vault operation rejected",
			"operation", operation,
			"operationId", fx.opID,
			"class", string(Classify(err)),
			"error", err)
		return nil, err
	}
	l.metrics.ObserveOperation(operation)
	for i := 0; i < fx.created; i++ {
		l.metrics.IncVaultCreated()
	}
	l.dispatch(fx)
	return fx, nil
}

// dispatch hands committed effects to collaborators. Failed deliveries are
// persisted as pending credits; they never undo the committed operation.
func (l *Ledger) dispatch(fx *effects) {
	var failedFees []feeDelivery
	var failedPayouts []payoutDelivery
	var failureEvents []*types.Event

	for _, fee := range fx.fees {
		if err := l.deliverFee(fee); err != nil {
			failedFees = append(failedFees, fee)
			failureEvents = append(failureEvents, CreditPendingEvent(creditKindFee, fee.termID.Hex(), fee.amount, err.Error()))
		}
	}
	for _, payout := range fx.payouts {
		if err := l.deliverPayout(payout); err != nil {
			failedPayouts = append(failedPayouts, payout)
			failureEvents = append(failureEvents, CreditPendingEvent(creditKindPayout, payout.receiver.Hex(), payout.amount, err.Error()))
		}
	}
	if len(failedFees) > 0 || len(failedPayouts) > 0 {
		if err := l.recordCredits(failedFees, failedPayouts); err != nil {
			l.logger.Error("vault: failed to persist pending credits",
				"operationId", fx.opID,
				"error", err)
		}
	}

	if l.reporter != nil {
		for _, record := range fx.utilization {
			l.reporter.ReportUtilization(record)
		}
	}
	for _, evt := range fx.events {
		l.emitter.Emit(WrapEvent(evt))
	}
	for _, evt := range failureEvents {
		l.emitter.Emit(WrapEvent(evt))
	}
}

var errNoCollaborator = errors.New("vault: collaborator not configured")

func (l *Ledger) deliverFee(fee feeDelivery) error {
	if l.sink == nil {
		return errNoCollaborator
	}
	if err := l.sink.NotifyFeeCollected(fee.termID, new(uint256.Int).Set(fee.amount)); err != nil {
		l.metrics.IncDeliveryFailure("fee_sink")
		l.logger.Warn("vault: fee sink delivery failed",
			"termId", fee.termID.Hex(),
			"amount", fee.amount.Dec(),
			"error", err)
		return err
	}
	return nil
}

func (l *Ledger) deliverPayout(payout payoutDelivery) error {
	if l.payer == nil {
		return errNoCollaborator
	}
	if err := l.payer.Pay(payout.receiver, new(uint256.Int).Set(payout.amount)); err != nil {
		l.metrics.IncDeliveryFailure("payer")
		l.logger.Warn("vault: payout delivery failed",
			"receiver", payout.receiver.Hex(),
			"amount", payout.amount.Dec(),
			"error", err)
		return err
	}
	return nil
}

func (l *Ledger) utilizationDelta(gross, net *uint256.Int, negative bool) *big.Int {
	amount := gross
	if l.basis == BasisNet {
		amount = net
	}
	delta := toBig(amount)
	if negative {
		delta.Neg(delta)
	}
	return delta
}
