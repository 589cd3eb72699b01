package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"multivault/native/fees"
	"multivault/native/fixedpoint"
	"multivault/native/vault/curve"
)

// DefaultMinShare is the number of floor shares minted to the null owner when
// a vault is initialised. It is negligible against WAD-denominated deposits
// while keeping the supply far from zero.
const DefaultMinShare uint64 = 1_000_000

// DefaultSeedMultiple scales the floor into the smallest net deposit that may
// initialise a vault. The floor then claims at most 0.1% of the seed, so the
// seed depositor can always redeem a non-zero amount.
const DefaultSeedMultiple uint64 = 1_000

// NullOwner holds the floor shares of every vault. It can never deposit or
// receive redemptions.
var NullOwner = common.Address{}

// Key identifies one vault: a term priced on one curve.
type Key struct {
	TermID  common.Hash `json:"termId"`
	CurveID uint64      `json:"curveId"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.TermID.Hex(), k.CurveID)
}

// State is a snapshot of a vault's totals.
type State struct {
	TotalAssets *uint256.Int `json:"totalAssets"`
	TotalShares *uint256.Int `json:"totalShares"`
}

func emptyState() State {
	return State{TotalAssets: fixedpoint.Zero(), TotalShares: fixedpoint.Zero()}
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	return State{TotalAssets: fixedpoint.Clone(s.TotalAssets), TotalShares: fixedpoint.Clone(s.TotalShares)}
}

// DepositRequest describes one deposit. Sender is informational and appears
// in emitted events; shares are credited to Receiver.
type DepositRequest struct {
	Sender    common.Address
	Receiver  common.Address
	TermID    common.Hash
	CurveID   uint64
	Assets    *uint256.Int
	MinShares *uint256.Int
}

// DepositResult reports the outcome of a committed deposit.
type DepositResult struct {
	Key             Key
	Shares          *uint256.Int
	AssetsAfterFees *uint256.Int
	Fees            fees.DepositBreakdown
	Vault           State
	Initialized     bool
	OperationID     string
}

// RedeemRequest describes one redemption of Owner's shares, paid to Receiver.
type RedeemRequest struct {
	Owner     common.Address
	Receiver  common.Address
	TermID    common.Hash
	CurveID   uint64
	Shares    *uint256.Int
	MinAssets *uint256.Int
}

// RedeemResult reports the outcome of a committed redemption. Assets is the
// net amount paid to the receiver.
type RedeemResult struct {
	Key         Key
	Assets      *uint256.Int
	GrossAssets *uint256.Int
	SharesUsed  *uint256.Int
	Fees        fees.RedeemBreakdown
	Vault       State
	OperationID string
}

// UtilizationBasis selects which amount is reported as utilization.
type UtilizationBasis string

const (
	// BasisGross reports gross deposited assets and gross redeemed assets.
	BasisGross UtilizationBasis = "gross"
	// BasisNet reports assets after fees and the net payout.
	BasisNet UtilizationBasis = "net"
)

// ParseUtilizationBasis validates a configured basis.
func ParseUtilizationBasis(raw string) (UtilizationBasis, error) {
	switch UtilizationBasis(raw) {
	case "", BasisGross:
		return BasisGross, nil
	case BasisNet:
		return BasisNet, nil
	default:
		return "", fmt.Errorf("vault: unknown utilization basis %q", raw)
	}
}

// UtilizationRecord is the signed utilization delta produced by one deposit
// or redemption.
type UtilizationRecord struct {
	Actor       common.Address
	TermID      common.Hash
	CurveID     uint64
	Delta       *big.Int
	Timestamp   int64
	OperationID string
}

// UtilizationReporter consumes utilization deltas. Reports are delivered after
// the ledger commits and outside its lock.
type UtilizationReporter interface {
	ReportUtilization(UtilizationRecord)
}

// FeeSink receives the entity-wallet share of deposit fees. A failed
// notification is kept as a pending credit and never reverts the deposit.
type FeeSink interface {
	NotifyFeeCollected(termID common.Hash, amount *uint256.Int) error
}

// Payer transfers redeemed assets to receivers. A failed transfer is kept as a
// pending payout credit.
type Payer interface {
	Pay(receiver common.Address, amount *uint256.Int) error
}

// CurveResolver resolves curve ids; *curve.Registry implements it.
type CurveResolver interface {
	Resolve(id uint64) (curve.Curve, error)
}
