package vault

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"multivault/core/events"
	"multivault/native/fees"
	"multivault/native/fixedpoint"
	"multivault/native/vault/curve"
	"multivault/storage"
)

const (
	linearCurve      uint64 = 0
	progressiveCurve uint64 = 1
	offsetCurve      uint64 = 2
	testNow          int64  = 1_700_000_000
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	termA = common.HexToHash("0xaa")
	termB = common.HexToHash("0xbb")
	termC = common.HexToHash("0xcc")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func wad(n uint64) *uint256.Int { return new(uint256.Int).Mul(u(n), fixedpoint.WAD) }

type fixture struct {
	ledger   *Ledger
	db       *storage.MemDB
	recorder *events.Recorder
	reporter *recordingReporter
	sink     *recordingSink
	payer    *recordingPayer
}

func newFixture(t *testing.T, cfg fees.Config) *fixture {
	t.Helper()
	registry := curve.NewRegistry()
	_, err := registry.Register(curve.NewLinear())
	require.NoError(t, err)
	progressive, err := curve.NewProgressive(wad(2))
	require.NoError(t, err)
	_, err = registry.Register(progressive)
	require.NoError(t, err)
	offset, err := curve.NewOffsetProgressive(wad(2), wad(1))
	require.NoError(t, err)
	_, err = registry.Register(offset)
	require.NoError(t, err)

	db := storage.NewMemDB()
	f := &fixture{
		ledger:   NewLedger(registry, fees.Static(cfg)),
		db:       db,
		recorder: &events.Recorder{},
		reporter: &recordingReporter{},
		sink:     &recordingSink{},
		payer:    &recordingPayer{},
	}
	f.ledger.SetStore(storage.NewKVStore(db))
	f.ledger.SetEmitter(f.recorder)
	f.ledger.SetUtilizationReporter(f.reporter)
	f.ledger.SetFeeSink(f.sink)
	f.ledger.SetPayer(f.payer)
	f.ledger.SetNowFunc(func() int64 { return testNow })
	// Worked examples seed vaults with a few thousand units.
	f.ledger.SetMinInitialDeposit(u(1))
	return f
}

type recordingReporter struct {
	mu      sync.Mutex
	records []UtilizationRecord
}

func (r *recordingReporter) ReportUtilization(record UtilizationRecord) {
	r.mu.Lock()
	r.records = append(r.records, record)
	r.mu.Unlock()
}

type recordingSink struct {
	mu        sync.Mutex
	fail      error
	collected map[common.Hash]*uint256.Int
	onNotify  func(termID common.Hash)
}

func (s *recordingSink) NotifyFeeCollected(termID common.Hash, amount *uint256.Int) error {
	if s.onNotify != nil {
		s.onNotify(termID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.collected == nil {
		s.collected = make(map[common.Hash]*uint256.Int)
	}
	current, ok := s.collected[termID]
	if !ok {
		current = new(uint256.Int)
	}
	s.collected[termID] = new(uint256.Int).Add(current, amount)
	return nil
}

func (s *recordingSink) total(termID common.Hash) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.collected[termID]; ok {
		return v
	}
	return new(uint256.Int)
}

type recordingPayer struct {
	mu    sync.Mutex
	fail  error
	paid  map[common.Address]*uint256.Int
	onPay func(receiver common.Address)
}

func (p *recordingPayer) Pay(receiver common.Address, amount *uint256.Int) error {
	if p.onPay != nil {
		p.onPay(receiver)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	if p.paid == nil {
		p.paid = make(map[common.Address]*uint256.Int)
	}
	current, ok := p.paid[receiver]
	if !ok {
		current = new(uint256.Int)
	}
	p.paid[receiver] = new(uint256.Int).Add(current, amount)
	return nil
}

func (p *recordingPayer) total(receiver common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.paid[receiver]; ok {
		return v
	}
	return new(uint256.Int)
}

func deposit(t *testing.T, l *Ledger, term common.Hash, curveID uint64, assets *uint256.Int) *DepositResult {
	t.Helper()
	res, err := l.Deposit(DepositRequest{Sender: alice, Receiver: alice, TermID: term, CurveID: curveID, Assets: assets})
	require.NoError(t, err)
	return res
}

func requireConserved(t *testing.T, l *Ledger) {
	t.Helper()
	report, err := l.CheckInvariants()
	require.NoError(t, err)
	require.Empty(t, report.Violations)
}

func TestLinearFirstDepositMintsOneToOne(t *testing.T) {
	f := newFixture(t, fees.Config{})
	res := deposit(t, f.ledger, termA, linearCurve, u(1_000))
	require.Equal(t, uint64(1_000), res.Shares.Uint64())
	require.True(t, res.Initialized)

	state, err := f.ledger.GetVault(termA, linearCurve)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), state.TotalAssets.Uint64())
	require.Equal(t, uint64(1_000)+DefaultMinShare, state.TotalShares.Uint64())

	floor, err := f.ledger.GetShares(NullOwner, termA, linearCurve)
	require.NoError(t, err)
	require.Equal(t, DefaultMinShare, floor.Uint64())

	shares, err := f.ledger.GetShares(alice, termA, linearCurve)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), shares.Uint64())
	requireConserved(t, f.ledger)
}

func TestLinearSecondDepositPreservesRatio(t *testing.T) {
	f := newFixture(t, fees.Config{})
	deposit(t, f.ledger, termA, linearCurve, u(1_000))
	before, err := f.ledger.GetVault(termA, linearCurve)
	require.NoError(t, err)

	res := deposit(t, f.ledger, termA, linearCurve, u(500))
	expected, err := fixedpoint.MulDivDown(u(500), before.TotalShares, before.TotalAssets)
	require.NoError(t, err)
	require.True(t, res.Shares.Eq(expected))
	require.Equal(t, uint64(500_500), res.Shares.Uint64())
	requireConserved(t, f.ledger)
}

func TestSmallFloorKeepsSecondDepositNearPar(t *testing.T) {
	f := newFixture(t, fees.Config{})
	require.NoError(t, f.ledger.SetMinShare(u(1)))
	deposit(t, f.ledger, termA, linearCurve, u(1_000))
	res := deposit(t, f.ledger, termA, linearCurve, u(500))
	require.Equal(t, uint64(500), res.Shares.Uint64())
}

func TestInitialDepositBelowSeedMinimumRejected(t *testing.T) {
	f := newFixture(t, fees.Config{EntryFeeBps: 100})
	f.ledger.SetMinInitialDeposit(nil)
	minimum := f.ledger.MinInitialDeposit()
	require.Equal(t, DefaultMinShare*DefaultSeedMultiple, minimum.Uint64())

	for _, curveID := range []uint64{linearCurve, progressiveCurve} {
		_, err := f.ledger.Deposit(DepositRequest{Receiver: alice, TermID: termA, CurveID: curveID, Assets: u(1_000)})
		require.ErrorIs(t, err, ErrDepositTooSmall)
		require.Equal(t, ClassEconomic, Classify(err))
		require.Equal(t, "deposit_too_small", Reason(err))

		// The entry fee pushes a gross seed of exactly the minimum below it.
		_, _, err = f.ledger.PreviewDeposit(termA, curveID, minimum)
		require.ErrorIs(t, err, ErrDepositTooSmall)

		exists, err := f.ledger.VaultExists(termA, curveID)
		require.NoError(t, err)
		require.False(t, exists)
	}
	require.Empty(t, f.recorder.OfType(EventTypeDeposited))
}

func TestMinimumSeedDepositIsRedeemable(t *testing.T) {
	f := newFixture(t, fees.Config{})
	f.ledger.SetMinInitialDeposit(nil)
	seed := f.ledger.MinInitialDeposit()

	res := deposit(t, f.ledger, termA, linearCurve, seed)
	require.True(t, res.Initialized)
	out, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: alice, TermID: termA, CurveID: linearCurve, Shares: res.Shares})
	require.NoError(t, err)
	require.Equal(t, uint64(999_000_999), out.Assets.Uint64())

	// Later deposits into the existing vault are not held to the seed minimum.
	deposit(t, f.ledger, termA, linearCurve, u(1_000))
	requireConserved(t, f.ledger)
}

func TestSeedMinimumFollowsFloor(t *testing.T) {
	f := newFixture(t, fees.Config{})
	f.ledger.SetMinInitialDeposit(nil)
	require.NoError(t, f.ledger.SetMinShare(u(10)))
	require.Equal(t, uint64(10*DefaultSeedMultiple), f.ledger.MinInitialDeposit().Uint64())

	f.ledger.SetMinInitialDeposit(u(7))
	require.Equal(t, uint64(7), f.ledger.MinInitialDeposit().Uint64())
	deposit(t, f.ledger, termA, linearCurve, u(7))
}

func TestProgressiveSecondDepositMintsFewerShares(t *testing.T) {
	f := newFixture(t, fees.Config{})
	first := deposit(t, f.ledger, termA, progressiveCurve, u(1_000))
	second := deposit(t, f.ledger, termA, progressiveCurve, u(1_000))
	require.Equal(t, uint64(31_621_776_617), first.Shares.Uint64())
	require.Equal(t, uint64(13_098_582_943), second.Shares.Uint64())
	require.True(t, second.Shares.Lt(first.Shares))

	low, err := f.ledger.CurrentSharePrice(termB, progressiveCurve)
	require.NoError(t, err)
	high, err := f.ledger.CurrentSharePrice(termA, progressiveCurve)
	require.NoError(t, err)
	require.True(t, high.Gt(low))
	requireConserved(t, f.ledger)
}

func TestSlippageRejectionLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, fees.Config{})
	_, err := f.ledger.Deposit(DepositRequest{
		Sender: alice, Receiver: alice, TermID: termA, CurveID: linearCurve,
		Assets: u(1_000), MinShares: u(999_999),
	})
	require.ErrorIs(t, err, ErrSlippageExceeded)
	require.Equal(t, ClassEconomic, Classify(err))

	exists, err := f.ledger.VaultExists(termA, linearCurve)
	require.NoError(t, err)
	require.False(t, exists)
	state, err := f.ledger.GetVault(termA, linearCurve)
	require.NoError(t, err)
	require.True(t, state.TotalAssets.IsZero())
	require.True(t, state.TotalShares.IsZero())
	require.Zero(t, f.db.Len())
	require.Empty(t, f.recorder.Events())
	require.Empty(t, f.reporter.records)
}

func TestBatchDepositIsAllOrNothing(t *testing.T) {
	f := newFixture(t, fees.Config{})
	deposit(t, f.ledger, termA, linearCurve, u(1_000))
	before := map[common.Hash]State{}
	for _, term := range []common.Hash{termA, termB, termC} {
		state, err := f.ledger.GetVault(term, linearCurve)
		require.NoError(t, err)
		before[term] = state
	}
	digest, err := f.ledger.StateDigest()
	require.NoError(t, err)
	emitted := len(f.recorder.Events())

	_, err = f.ledger.BatchDeposit(alice, alice,
		[]common.Hash{termA, termB, termC},
		[]uint64{linearCurve, linearCurve, linearCurve},
		[]*uint256.Int{u(100), u(1_000), u(100)},
		[]*uint256.Int{nil, u(999_999), nil},
	)
	require.ErrorIs(t, err, ErrSlippageExceeded)

	for term, want := range before {
		state, err := f.ledger.GetVault(term, linearCurve)
		require.NoError(t, err)
		require.True(t, state.TotalAssets.Eq(want.TotalAssets))
		require.True(t, state.TotalShares.Eq(want.TotalShares))
	}
	after, err := f.ledger.StateDigest()
	require.NoError(t, err)
	require.Equal(t, digest, after)
	require.Len(t, f.recorder.Events(), emitted)
}

func TestBatchDepositAppliesSequentially(t *testing.T) {
	f := newFixture(t, fees.Config{})
	results, err := f.ledger.BatchDeposit(alice, bob,
		[]common.Hash{termA, termA},
		[]uint64{linearCurve, linearCurve},
		[]*uint256.Int{u(1_000), u(500)},
		[]*uint256.Int{nil, nil},
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Initialized)
	require.False(t, results[1].Initialized)
	require.Equal(t, uint64(500_500), results[1].Shares.Uint64())

	shares, err := f.ledger.GetShares(bob, termA, linearCurve)
	require.NoError(t, err)
	require.Equal(t, uint64(501_500), shares.Uint64())
	require.Len(t, f.recorder.OfType(EventTypeDeposited), 2)
	require.Len(t, f.recorder.OfType(EventTypeVaultInitialized), 1)
}

func TestBatchRejectsMismatchedArrays(t *testing.T) {
	f := newFixture(t, fees.Config{})
	_, err := f.ledger.BatchDeposit(alice, alice,
		[]common.Hash{termA, termB}, []uint64{0}, []*uint256.Int{u(1), u(1)}, []*uint256.Int{nil, nil})
	require.ErrorIs(t, err, ErrArrayLengthMismatch)

	_, err = f.ledger.BatchRedeem(alice, alice, nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrArrayLengthMismatch)
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t, fees.Config{})
	_, err := f.ledger.Deposit(DepositRequest{Receiver: alice, TermID: termA, Assets: u(0)})
	require.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.ledger.Deposit(DepositRequest{Receiver: NullOwner, TermID: termA, Assets: u(10)})
	require.ErrorIs(t, err, ErrInvalidReceiver)

	_, err = f.ledger.Deposit(DepositRequest{Receiver: alice, TermID: termA, CurveID: 9, Assets: u(10)})
	require.ErrorIs(t, err, ErrCurveNotFound)
	require.Equal(t, ClassConfiguration, Classify(err))

	_, err = NewLedger(nil, nil).Deposit(DepositRequest{Receiver: alice, Assets: u(1)})
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestDepositRejectsInvalidFeeConfig(t *testing.T) {
	f := newFixture(t, fees.Config{EntryFeeBps: 6_000, ProtocolFeeBps: 6_000})
	_, err := f.ledger.Deposit(DepositRequest{Receiver: alice, TermID: termA, Assets: u(10_000)})
	require.ErrorIs(t, err, fees.ErrInvalidConfig)
	require.Equal(t, ClassConfiguration, Classify(err))
}

func TestDepositFeesRouteToSinkAndAccumulator(t *testing.T) {
	f := newFixture(t, fees.Config{EntryFeeBps: 100, ProtocolFeeBps: 100, EntityWalletFeeBps: 50})
	res := deposit(t, f.ledger, termA, linearCurve, u(10_000))
	require.Equal(t, uint64(9_750), res.AssetsAfterFees.Uint64())
	require.Equal(t, uint64(9_750), res.Shares.Uint64())
	require.Equal(t, uint64(9_750), res.Vault.TotalAssets.Uint64())

	require.Equal(t, uint64(50), f.sink.total(termA).Uint64())
	epoch := f.ledger.FeeEpoch()
	accrued, err := f.ledger.AccumulatedProtocolFees(epoch)
	require.NoError(t, err)
	require.Equal(t, uint64(200), accrued.Uint64())

	swept, err := f.ledger.SweepProtocolFees(epoch)
	require.NoError(t, err)
	require.Equal(t, uint64(200), swept.Uint64())
	accrued, err = f.ledger.AccumulatedProtocolFees(epoch)
	require.NoError(t, err)
	require.True(t, accrued.IsZero())
	require.Len(t, f.recorder.OfType(EventTypeProtocolFeesSwept), 1)
}

func TestPreviewDepositMatchesDeposit(t *testing.T) {
	f := newFixture(t, fees.Config{EntryFeeBps: 100, EntityWalletFeeBps: 25})
	for _, curveID := range []uint64{linearCurve, progressiveCurve} {
		for i := 0; i < 3; i++ {
			shares, net, err := f.ledger.PreviewDeposit(termA, curveID, wad(3))
			require.NoError(t, err)
			again, _, err := f.ledger.PreviewDeposit(termA, curveID, wad(3))
			require.NoError(t, err)
			require.True(t, shares.Eq(again))

			res := deposit(t, f.ledger, termA, curveID, wad(3))
			require.True(t, res.Shares.Eq(shares))
			require.True(t, res.AssetsAfterFees.Eq(net))
		}
	}
	requireConserved(t, f.ledger)
}

func TestRedeemPaysReceiverAndBurnsShares(t *testing.T) {
	f := newFixture(t, fees.Config{})
	deposit(t, f.ledger, termA, linearCurve, wad(1_000))

	preview, sharesUsed, err := f.ledger.PreviewRedeem(termA, linearCurve, wad(400))
	require.NoError(t, err)
	require.True(t, sharesUsed.Eq(wad(400)))

	res, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: bob, TermID: termA, CurveID: linearCurve, Shares: wad(400)})
	require.NoError(t, err)
	require.Equal(t, "399999999999999600000", res.Assets.Dec())
	require.True(t, res.Assets.Eq(preview))
	require.True(t, f.payer.total(bob).Eq(res.Assets))

	remaining, err := f.ledger.GetShares(alice, termA, linearCurve)
	require.NoError(t, err)
	require.True(t, remaining.Eq(wad(600)))

	state, err := f.ledger.GetVault(termA, linearCurve)
	require.NoError(t, err)
	require.True(t, state.TotalAssets.Eq(new(uint256.Int).Sub(wad(1_000), res.GrossAssets)))
	requireConserved(t, f.ledger)
}

func TestRedeemAllRealSharesKeepsFloor(t *testing.T) {
	f := newFixture(t, fees.Config{})
	for _, curveID := range []uint64{linearCurve, progressiveCurve} {
		res := deposit(t, f.ledger, termA, curveID, wad(50))
		_, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: alice, TermID: termA, CurveID: curveID, Shares: res.Shares})
		require.NoError(t, err)

		state, err := f.ledger.GetVault(termA, curveID)
		require.NoError(t, err)
		require.Equal(t, DefaultMinShare, state.TotalShares.Uint64())
		require.False(t, f.payer.total(alice).Gt(wad(100)))

		holders, err := f.ledger.Holders(termA, curveID)
		require.NoError(t, err)
		require.Equal(t, []Holding{{Owner: NullOwner, Shares: u(DefaultMinShare)}}, holders)
	}
	requireConserved(t, f.ledger)
}

func TestRedeemFailures(t *testing.T) {
	f := newFixture(t, fees.Config{})
	_, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: alice, TermID: termA, Shares: u(1)})
	require.ErrorIs(t, err, ErrVaultNotFound)

	deposit(t, f.ledger, termA, linearCurve, wad(1))
	_, err = f.ledger.Redeem(RedeemRequest{Owner: bob, Receiver: bob, TermID: termA, Shares: u(1)})
	require.ErrorIs(t, err, ErrInsufficientShares)

	_, err = f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: alice, TermID: termA, Shares: wad(1), MinAssets: wad(2)})
	require.ErrorIs(t, err, ErrSlippageExceeded)

	_, err = f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: alice, TermID: termA, Shares: u(0)})
	require.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.ledger.Redeem(RedeemRequest{Owner: NullOwner, Receiver: alice, TermID: termA, Shares: u(1)})
	require.ErrorIs(t, err, ErrInvalidReceiver)

	shares, err := f.ledger.GetShares(alice, termA, linearCurve)
	require.NoError(t, err)
	require.True(t, shares.Eq(wad(1)))
}

func TestRedeemFeesReduceNetPayout(t *testing.T) {
	f := newFixture(t, fees.Config{ExitFeeBps: 200, ProtocolFeeBps: 100})
	res := deposit(t, f.ledger, termA, linearCurve, wad(100))
	epoch := f.ledger.FeeEpoch()
	depositFees, err := f.ledger.AccumulatedProtocolFees(epoch)
	require.NoError(t, err)

	out, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: alice, TermID: termA, Shares: res.Shares})
	require.NoError(t, err)
	require.True(t, out.Assets.Lt(out.GrossAssets))
	total := new(uint256.Int).Add(out.Assets, out.Fees.Total)
	require.True(t, total.Eq(out.GrossAssets))

	accrued, err := f.ledger.AccumulatedProtocolFees(epoch)
	require.NoError(t, err)
	require.True(t, accrued.Eq(new(uint256.Int).Add(depositFees, out.Fees.Total)))
}

func TestBatchRedeemIsAllOrNothing(t *testing.T) {
	f := newFixture(t, fees.Config{})
	deposit(t, f.ledger, termA, linearCurve, wad(10))
	deposit(t, f.ledger, termB, linearCurve, wad(10))
	digest, err := f.ledger.StateDigest()
	require.NoError(t, err)

	_, err = f.ledger.BatchRedeem(alice, alice,
		[]common.Hash{termA, termB},
		[]uint64{linearCurve, linearCurve},
		[]*uint256.Int{wad(5), wad(11)},
		[]*uint256.Int{nil, nil},
	)
	require.ErrorIs(t, err, ErrInsufficientShares)
	after, err := f.ledger.StateDigest()
	require.NoError(t, err)
	require.Equal(t, digest, after)
	require.True(t, f.payer.total(alice).IsZero())

	results, err := f.ledger.BatchRedeem(alice, bob,
		[]common.Hash{termA, termB},
		[]uint64{linearCurve, linearCurve},
		[]*uint256.Int{wad(5), wad(5)},
		[]*uint256.Int{nil, nil},
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, f.payer.total(bob).Eq(new(uint256.Int).Add(results[0].Assets, results[1].Assets)))
}

func TestVaultsAreIndependentPerCurve(t *testing.T) {
	f := newFixture(t, fees.Config{})
	deposit(t, f.ledger, termA, linearCurve, wad(1))
	deposit(t, f.ledger, termA, progressiveCurve, wad(1))

	keys, err := f.ledger.Vaults()
	require.NoError(t, err)
	require.Equal(t, []Key{{TermID: termA, CurveID: linearCurve}, {TermID: termA, CurveID: progressiveCurve}}, keys)

	linear, err := f.ledger.GetShares(alice, termA, linearCurve)
	require.NoError(t, err)
	progressive, err := f.ledger.GetShares(alice, termA, progressiveCurve)
	require.NoError(t, err)
	require.False(t, linear.Eq(progressive))
}

func TestUtilizationBasis(t *testing.T) {
	cfg := fees.Config{EntryFeeBps: 100, ExitFeeBps: 100}
	for _, tc := range []struct {
		basis   UtilizationBasis
		deposit int64
	}{
		{basis: BasisGross, deposit: 10_000},
		{basis: BasisNet, deposit: 9_900},
	} {
		f := newFixture(t, cfg)
		f.ledger.SetUtilizationBasis(tc.basis)
		res := deposit(t, f.ledger, termA, linearCurve, u(10_000))
		out, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: bob, TermID: termA, Shares: u(5_000)})
		require.NoError(t, err)

		require.Len(t, f.reporter.records, 2)
		in := f.reporter.records[0]
		require.Equal(t, alice, in.Actor)
		require.Equal(t, termA, in.TermID)
		require.Equal(t, testNow, in.Timestamp)
		require.Equal(t, res.OperationID, in.OperationID)
		require.Zero(t, big.NewInt(tc.deposit).Cmp(in.Delta))

		outRecord := f.reporter.records[1]
		require.Equal(t, alice, outRecord.Actor)
		want := out.GrossAssets
		if tc.basis == BasisNet {
			want = out.Assets
		}
		require.Zero(t, new(big.Int).Neg(want.ToBig()).Cmp(outRecord.Delta))
	}
}

func TestFailedDeliveriesBecomePendingCredits(t *testing.T) {
	f := newFixture(t, fees.Config{EntityWalletFeeBps: 100})
	f.sink.fail = errors.New("sink offline")
	f.payer.fail = errors.New("bank offline")

	res := deposit(t, f.ledger, termA, linearCurve, wad(10))
	state, err := f.ledger.GetVault(termA, linearCurve)
	require.NoError(t, err)
	require.True(t, state.TotalAssets.Eq(res.AssetsAfterFees))

	credit, err := f.ledger.PendingFeeCredit(termA)
	require.NoError(t, err)
	require.True(t, credit.Eq(res.Fees.EntityWallet))

	out, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: bob, TermID: termA, Shares: wad(1)})
	require.NoError(t, err)
	payout, err := f.ledger.PendingPayout(bob)
	require.NoError(t, err)
	require.True(t, payout.Eq(out.Assets))
	require.Len(t, f.recorder.OfType(EventTypeCreditPending), 2)

	report, err := f.ledger.RetryPendingCredits()
	require.NoError(t, err)
	require.Equal(t, RetryReport{Failed: 2}, report)

	f.sink.fail = nil
	f.payer.fail = nil
	report, err = f.ledger.RetryPendingCredits()
	require.NoError(t, err)
	require.Equal(t, RetryReport{Delivered: 2}, report)
	require.True(t, f.sink.total(termA).Eq(res.Fees.EntityWallet))
	require.True(t, f.payer.total(bob).Eq(out.Assets))

	feeCredits, payoutCredits, err := f.ledger.PendingCredits()
	require.NoError(t, err)
	require.Empty(t, feeCredits)
	require.Empty(t, payoutCredits)
}

func TestRetryClearsCreditOnlyAfterDelivery(t *testing.T) {
	f := newFixture(t, fees.Config{EntityWalletFeeBps: 100})
	f.sink.fail = errors.New("sink offline")
	f.payer.fail = errors.New("bank offline")

	res := deposit(t, f.ledger, termA, linearCurve, wad(10))
	out, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: bob, TermID: termA, Shares: wad(1)})
	require.NoError(t, err)

	f.payer.fail = nil
	var duringDelivery *uint256.Int
	f.payer.onPay = func(receiver common.Address) {
		pending, err := f.ledger.PendingPayout(receiver)
		require.NoError(t, err)
		duringDelivery = pending
		// A payout failing elsewhere while the retry is in flight.
		require.NoError(t, f.ledger.RecordPayoutCredit(receiver, u(5)))
	}

	report, err := f.ledger.RetryPendingCredits()
	require.NoError(t, err)
	require.Equal(t, RetryReport{Delivered: 1, Failed: 1}, report)
	require.True(t, duringDelivery.Eq(out.Assets))
	require.True(t, f.payer.total(bob).Eq(out.Assets))

	payout, err := f.ledger.PendingPayout(bob)
	require.NoError(t, err)
	require.Equal(t, uint64(5), payout.Uint64())

	credit, err := f.ledger.PendingFeeCredit(termA)
	require.NoError(t, err)
	require.True(t, credit.Eq(res.Fees.EntityWallet))
}

func TestFeeSinkMayReenterLedger(t *testing.T) {
	f := newFixture(t, fees.Config{EntityWalletFeeBps: 100})
	var observed State
	reentered := false
	f.sink.onNotify = func(termID common.Hash) {
		if reentered {
			return
		}
		reentered = true
		state, err := f.ledger.GetVault(termID, linearCurve)
		require.NoError(t, err)
		observed = state
		_, err = f.ledger.Deposit(DepositRequest{Sender: bob, Receiver: bob, TermID: termID, CurveID: linearCurve, Assets: wad(1)})
		require.NoError(t, err)
	}

	res := deposit(t, f.ledger, termA, linearCurve, wad(10))
	require.True(t, observed.TotalAssets.Eq(res.Vault.TotalAssets))
	require.True(t, observed.TotalShares.Eq(res.Vault.TotalShares))

	shares, err := f.ledger.GetShares(bob, termA, linearCurve)
	require.NoError(t, err)
	require.False(t, shares.IsZero())
	requireConserved(t, f.ledger)
}

func TestDepositedEventCarriesSenderAndTopic(t *testing.T) {
	f := newFixture(t, fees.Config{})
	f.ledger.SetOperationIDFunc(func() string { return "op-1" })
	_, err := f.ledger.Deposit(DepositRequest{Sender: bob, Receiver: alice, TermID: termA, Assets: u(1_000)})
	require.NoError(t, err)

	deposited := f.recorder.OfType(EventTypeDeposited)
	require.Len(t, deposited, 1)
	evt, ok := Unwrap(deposited[0])
	require.True(t, ok)
	require.Equal(t, bob.Hex(), evt.Attribute("sender"))
	require.Equal(t, alice.Hex(), evt.Attribute("receiver"))
	require.Equal(t, "1000", evt.Attribute("shares"))
	require.Equal(t, "1001000", evt.Attribute("totalShares"))
	require.Equal(t, "op-1", evt.Attribute("operationId"))
	require.NotEmpty(t, evt.Topic())
}

func TestStateDigestIsDeterministicAndPersistent(t *testing.T) {
	run := func() (*fixture, [32]byte) {
		f := newFixture(t, fees.Config{EntryFeeBps: 30})
		deposit(t, f.ledger, termB, progressiveCurve, wad(7))
		deposit(t, f.ledger, termA, linearCurve, wad(3))
		_, err := f.ledger.Redeem(RedeemRequest{Owner: alice, Receiver: bob, TermID: termA, Shares: wad(1)})
		require.NoError(t, err)
		digest, err := f.ledger.StateDigest()
		require.NoError(t, err)
		return f, digest
	}
	first, a := run()
	_, b := run()
	require.Equal(t, a, b)

	reopened := NewLedger(first.ledger.curves, fees.Static{})
	reopened.SetStore(storage.NewKVStore(first.db))
	c, err := reopened.StateDigest()
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestConcurrentDepositsConserveShares(t *testing.T) {
	f := newFixture(t, fees.Config{EntryFeeBps: 10})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			curveID := uint64(i % 2)
			for j := 0; j < 10; j++ {
				if _, err := f.ledger.Deposit(DepositRequest{Receiver: alice, TermID: termA, CurveID: curveID, Assets: wad(uint64(j + 1))}); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()
	requireConserved(t, f.ledger)
	require.Len(t, f.recorder.OfType(EventTypeDeposited), 80)
}
