// Package curve implements the bonding-curve strategies that price vault
// deposits and redemptions, together with the append-only registry the vault
// ledger resolves them from.
//
// Curves are stateless: every method is a pure function of its arguments and
// of parameters fixed at construction time.
package curve

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrDomainExceeded     = errors.New("curve: input outside curve domain")
	ErrInsufficientSupply = errors.New("curve: shares exceed total supply")
	ErrInvalidParameter   = errors.New("curve: invalid parameter")
)

// Curve converts between assets and shares given the current vault totals.
type Curve interface {
	// Name is the unique, human readable identifier of the curve.
	Name() string
	// PreviewDeposit returns the shares minted for assets, rounded down.
	PreviewDeposit(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error)
	// PreviewRedeem returns the assets released for shares, rounded down.
	PreviewRedeem(shares, totalShares, totalAssets *uint256.Int) (*uint256.Int, error)
	ConvertToShares(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error)
	ConvertToAssets(shares, totalShares, totalAssets *uint256.Int) (*uint256.Int, error)
	// CurrentPrice returns the asset value of one share unit (WAD) at the
	// supplied totals.
	CurrentPrice(totalShares, totalAssets *uint256.Int) (*uint256.Int, error)
	MaxShares() *uint256.Int
	MaxAssets() *uint256.Int
}
