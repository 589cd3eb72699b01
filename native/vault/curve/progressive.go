package curve

import (
	"fmt"

	"github.com/holiman/uint256"

	"multivault/native/fixedpoint"
)

const (
	ProgressiveName       = "progressive"
	OffsetProgressiveName = "offset_progressive"
)

var (
	// supplyCeiling bounds the effective supply (shares + offset) so that the
	// squared supply plus a deposit term stays inside 256 bits.
	supplyCeiling = new(uint256.Int).Lsh(uint256.NewInt(1), 126)
	// twoWadSquared rescales slope·s²/2 from WAD³ back to raw asset units.
	twoWadSquared = new(uint256.Int).Mul(new(uint256.Int).Mul(fixedpoint.WAD, fixedpoint.WAD), uint256.NewInt(2))
)

// Progressive prices shares along price(s) = slope·s, so the assets backing a
// supply s equal slope·s²/2. The optional offset shifts the curve as if offset
// shares already existed, giving an empty vault a non-zero starting price.
type Progressive struct {
	name      string
	slope     *uint256.Int
	offset    *uint256.Int
	maxShares *uint256.Int
	maxAssets *uint256.Int
}

// NewProgressive constructs a progressive curve with a WAD-scaled slope.
func NewProgressive(slope *uint256.Int) (*Progressive, error) {
	return newProgressive(ProgressiveName, slope, nil)
}

// NewOffsetProgressive constructs a progressive curve shifted by offset shares.
func NewOffsetProgressive(slope, offset *uint256.Int) (*Progressive, error) {
	return newProgressive(OffsetProgressiveName, slope, offset)
}

func newProgressive(name string, slope, offset *uint256.Int) (*Progressive, error) {
	if fixedpoint.IsZero(slope) {
		return nil, fmt.Errorf("%w: slope must be positive", ErrInvalidParameter)
	}
	off := fixedpoint.Clone(offset)
	if !off.Lt(supplyCeiling) {
		return nil, fmt.Errorf("%w: offset must be below 2^126", ErrInvalidParameter)
	}
	p := &Progressive{
		name:   name,
		slope:  fixedpoint.Clone(slope),
		offset: off,
	}
	p.maxShares = new(uint256.Int).Sub(supplyCeiling, off)
	p.maxAssets = p.saturatedArea(supplyCeiling, off)
	return p, nil
}

// WithName returns a copy registered under a different name, for deployments
// that run several progressive curves side by side.
func (p *Progressive) WithName(name string) *Progressive {
	clone := *p
	clone.name = name
	return &clone
}

func (p *Progressive) Name() string { return p.name }

// Slope returns the WAD-scaled slope.
func (p *Progressive) Slope() *uint256.Int { return fixedpoint.Clone(p.slope) }

// Offset returns the virtual share offset.
func (p *Progressive) Offset() *uint256.Int { return fixedpoint.Clone(p.offset) }

func (p *Progressive) PreviewDeposit(assets, totalAssets, totalShares *uint256.Int) (*uint256.Int, error) {
	return p.ConvertToShares(assets, totalAssets, totalShares)
}

func (p *Progressive) PreviewRedeem(shares, totalShares, totalAssets *uint256.Int) (*uint256.Int, error) {
	return p.ConvertToAssets(shares, totalShares, totalAssets)
}

// ConvertToShares solves sqrt(s² + 2·assets/slope) - s for the effective
// supply s, rounding every step down.
func (p *Progressive) ConvertToShares(assets, _, totalShares *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(assets) {
		return fixedpoint.Zero(), nil
	}
	s, err := p.effectiveSupply(totalShares)
	if err != nil {
		return nil, err
	}
	term, err := fixedpoint.MulDivDown(assets, twoWadSquared, p.slope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDomainExceeded, err)
	}
	inner, err := fixedpoint.Add(new(uint256.Int).Mul(s, s), term)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDomainExceeded, err)
	}
	next := fixedpoint.Sqrt(inner)
	if next.Gt(supplyCeiling) {
		return nil, ErrDomainExceeded
	}
	return new(uint256.Int).Sub(next, s), nil
}

// ConvertToAssets returns slope·(s² - (s-r)²)/2 = slope·r·(2s-r)/2 for the
// effective supply s, rounded down.
func (p *Progressive) ConvertToAssets(shares, totalShares, _ *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(shares) {
		return fixedpoint.Zero(), nil
	}
	if shares.Gt(fixedpoint.Clone(totalShares)) {
		return nil, ErrInsufficientSupply
	}
	s, err := p.effectiveSupply(totalShares)
	if err != nil {
		return nil, err
	}
	width := new(uint256.Int).Sub(new(uint256.Int).Lsh(s, 1), shares)
	area := new(uint256.Int).Mul(shares, width)
	assets, err := fixedpoint.MulDivDown(area, p.slope, twoWadSquared)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDomainExceeded, err)
	}
	return assets, nil
}

// CurrentPrice returns the marginal price slope·s in WAD units.
func (p *Progressive) CurrentPrice(totalShares, _ *uint256.Int) (*uint256.Int, error) {
	s, err := p.effectiveSupply(totalShares)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDivDown(p.slope, s, fixedpoint.WAD)
}

func (p *Progressive) MaxShares() *uint256.Int { return fixedpoint.Clone(p.maxShares) }

func (p *Progressive) MaxAssets() *uint256.Int { return fixedpoint.Clone(p.maxAssets) }

func (p *Progressive) effectiveSupply(totalShares *uint256.Int) (*uint256.Int, error) {
	s, err := fixedpoint.Add(totalShares, p.offset)
	if err != nil || s.Gt(supplyCeiling) {
		return nil, ErrDomainExceeded
	}
	return s, nil
}

// saturatedArea returns slope·(hi² - lo²)/2 clamped to 2^256-1.
func (p *Progressive) saturatedArea(hi, lo *uint256.Int) *uint256.Int {
	hiSq := new(uint256.Int).Mul(hi, hi)
	loSq := new(uint256.Int).Mul(lo, lo)
	area, err := fixedpoint.MulDivDown(new(uint256.Int).Sub(hiSq, loSq), p.slope, twoWadSquared)
	if err != nil {
		return fixedpoint.Max()
	}
	return area
}
