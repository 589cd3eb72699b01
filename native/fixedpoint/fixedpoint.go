// Package fixedpoint provides the deterministic 256-bit arithmetic shared by the
// bonding curves, the fee engine and the vault ledger. Every helper returns a
// freshly allocated result and never mutates its operands.
package fixedpoint

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrUnderflow      = errors.New("fixedpoint: underflow")
)

// WAD is the 18 decimal fixed-point unit. One share unit equals WAD raw shares.
var WAD = uint256.NewInt(1_000_000_000_000_000_000)

var maxUint256 = new(uint256.Int).SetAllOne()

// Max returns 2^256-1.
func Max() *uint256.Int { return new(uint256.Int).Set(maxUint256) }

// Zero returns a new zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Clone copies v, treating nil as zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

// MulDivDown computes floor(a*b/d) using a 512-bit intermediate product.
func MulDivDown(a, b, d *uint256.Int) (*uint256.Int, error) {
	if IsZero(d) {
		return nil, ErrDivisionByZero
	}
	if IsZero(a) || IsZero(b) {
		return new(uint256.Int), nil
	}
	q, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	return q, nil
}

// MulDivUp computes ceil(a*b/d) using a 512-bit intermediate product.
func MulDivUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	q, err := MulDivDown(a, b, d)
	if err != nil {
		return nil, err
	}
	if q.IsZero() && (IsZero(a) || IsZero(b)) {
		return q, nil
	}
	if rem := new(uint256.Int).MulMod(a, b, d); !rem.IsZero() {
		if q.Eq(maxUint256) {
			return nil, ErrOverflow
		}
		q.AddUint64(q, 1)
	}
	return q, nil
}

// Sqrt returns floor(sqrt(x)).
func Sqrt(x *uint256.Int) *uint256.Int {
	if IsZero(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sqrt(x)
}

// Add returns a+b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrUnderflow when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(Clone(a), Clone(b))
	if underflow {
		return nil, ErrUnderflow
	}
	return diff, nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	prod, overflow := new(uint256.Int).MulOverflow(Clone(a), Clone(b))
	if overflow {
		return nil, ErrOverflow
	}
	return prod, nil
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if Clone(a).Lt(Clone(b)) {
		return Clone(a)
	}
	return Clone(b)
}
