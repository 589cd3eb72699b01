package curve

import (
	"fmt"

	"github.com/holiman/uint256"

	"multivault/native/fixedpoint"
)

// LinearName is the registry name of the constant-ratio curve.
const LinearName = "linear"

// Linear prices shares pro rata to the vault's asset backing. A vault without
// assets mints shares 1:1.
type Linear struct{}

// NewLinear returns the constant-ratio curve.
func NewLinear() *Linear { return &Linear{} }

func (*Linear) Name() string { return LinearName }

func (l *Linear) PreviewDeposit(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return l.ConvertToShares(assets, totalAssets, totalShares)
}

func (l *Linear) PreviewRedeem(shares, totalShares, totalAssets *uint256.Int) (*uint256.Int, error) {
	return l.ConvertToAssets(shares, totalShares, totalAssets)
}

func (*Linear) ConvertToShares(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(assets) {
		return fixedpoint.Zero(), nil
	}
	if fixedpoint.IsZero(totalShares) || fixedpoint.IsZero(totalAssets) {
		return fixedpoint.Clone(assets), nil
	}
	shares, err := fixedpoint.MulDivDown(assets, totalShares, totalAssets)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDomainExceeded, err)
	}
	return shares, nil
}

func (*Linear) ConvertToAssets(shares, totalShares, totalAssets *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(shares) {
		return fixedpoint.Zero(), nil
	}
	if fixedpoint.Clone(shares).Gt(fixedpoint.Clone(totalShares)) {
		return nil, ErrInsufficientSupply
	}
	assets, err := fixedpoint.MulDivDown(shares, totalAssets, totalShares)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDomainExceeded, err)
	}
	return assets, nil
}

func (*Linear) CurrentPrice(totalShares, totalAssets *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(totalShares) || fixedpoint.IsZero(totalAssets) {
		return fixedpoint.Clone(fixedpoint.WAD), nil
	}
	return fixedpoint.MulDivDown(fixedpoint.WAD, totalAssets, totalShares)
}

func (*Linear) MaxShares() *uint256.Int { return fixedpoint.Max() }

func (*Linear) MaxAssets() *uint256.Int { return fixedpoint.Max() }
