package fees

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"multivault/native/fixedpoint"
)

var ErrFeesExceedAmount = errors.New("fees: fees exceed amount")

var bpsDenominator = uint256.NewInt(BasisPointsDenominator)

// FeeOnRaw returns ceil(amount*bps/10000). Rounding the fee up rounds the
// amount left to the user down.
func FeeOnRaw(amount *uint256.Int, bps uint32) (*uint256.Int, error) {
	if bps == 0 || fixedpoint.IsZero(amount) {
		return fixedpoint.Zero(), nil
	}
	return fixedpoint.MulDivUp(amount, uint256.NewInt(uint64(bps)), bpsDenominator)
}

// DepositBreakdown itemises the fees charged on a deposit.
type DepositBreakdown struct {
	Gross        *uint256.Int
	Entry        *uint256.Int
	Protocol     *uint256.Int
	EntityWallet *uint256.Int
	Total        *uint256.Int
	Net          *uint256.Int
}

// RedeemBreakdown itemises the fees charged on a redemption.
type RedeemBreakdown struct {
	Gross    *uint256.Int
	Exit     *uint256.Int
	Protocol *uint256.Int
	Total    *uint256.Int
	Net      *uint256.Int
}

// Engine computes fee breakdowns from the configuration exposed by a Source.
type Engine struct {
	source Source
}

// NewEngine constructs an engine reading from source.
func NewEngine(source Source) *Engine {
	return &Engine{source: source}
}

// Config returns the current configuration after re-validating it; the source
// is owned by an external collaborator and may not have validated it.
func (e *Engine) Config() (Config, error) {
	if e == nil || e.source == nil {
		return Config{}, fmt.Errorf("%w: fee source not configured", ErrInvalidConfig)
	}
	cfg := e.source.FeeConfig()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Deposit computes the entry, protocol and entity-wallet fees on gross.
func (e *Engine) Deposit(gross *uint256.Int) (DepositBreakdown, error) {
	cfg, err := e.Config()
	if err != nil {
		return DepositBreakdown{}, err
	}
	out := DepositBreakdown{Gross: fixedpoint.Clone(gross)}
	if out.Entry, err = FeeOnRaw(gross, cfg.EntryFeeBps); err != nil {
		return DepositBreakdown{}, err
	}
	if out.Protocol, err = FeeOnRaw(gross, cfg.ProtocolFeeBps); err != nil {
		return DepositBreakdown{}, err
	}
	if out.EntityWallet, err = FeeOnRaw(gross, cfg.EntityWalletFeeBps); err != nil {
		return DepositBreakdown{}, err
	}
	out.Total, out.Net, err = settle(gross, out.Entry, out.Protocol, out.EntityWallet)
	if err != nil {
		return DepositBreakdown{}, err
	}
	return out, nil
}

// Redeem computes the exit and protocol fees on gross.
func (e *Engine) Redeem(gross *uint256.Int) (RedeemBreakdown, error) {
	cfg, err := e.Config()
	if err != nil {
		return RedeemBreakdown{}, err
	}
	out := RedeemBreakdown{Gross: fixedpoint.Clone(gross)}
	if out.Exit, err = FeeOnRaw(gross, cfg.ExitFeeBps); err != nil {
		return RedeemBreakdown{}, err
	}
	if out.Protocol, err = FeeOnRaw(gross, cfg.ProtocolFeeBps); err != nil {
		return RedeemBreakdown{}, err
	}
	out.Total, out.Net, err = settle(gross, out.Exit, out.Protocol)
	if err != nil {
		return RedeemBreakdown{}, err
	}
	return out, nil
}

// Retained returns the fees that stay with the protocol, i.e. everything but
// the entity-wallet share.
func (b DepositBreakdown) Retained() *uint256.Int {
	return new(uint256.Int).Add(fixedpoint.Clone(b.Entry), fixedpoint.Clone(b.Protocol))
}

func settle(gross *uint256.Int, parts ...*uint256.Int) (*uint256.Int, *uint256.Int, error) {
	total := fixedpoint.Zero()
	for _, part := range parts {
		sum, err := fixedpoint.Add(total, part)
		if err != nil {
			return nil, nil, err
		}
		total = sum
	}
	net, err := fixedpoint.Sub(gross, total)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fees %s on %s", ErrFeesExceedAmount, total.Dec(), fixedpoint.Clone(gross).Dec())
	}
	return total, net, nil
}
