package curve

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Kind identifiers accepted by FromSpec.
const (
	KindLinear            = "linear"
	KindProgressive       = "progressive"
	KindOffsetProgressive = "offset_progressive"
)

// Spec is the declarative description of a curve as found in configuration.
// Slope and Offset are base-10 integers; Slope is WAD scaled.
type Spec struct {
	Name   string `toml:"Name" yaml:"name" json:"name"`
	Kind   string `toml:"Kind" yaml:"kind" json:"kind"`
	Slope  string `toml:"Slope,omitempty" yaml:"slope,omitempty" json:"slope,omitempty"`
	Offset string `toml:"Offset,omitempty" yaml:"offset,omitempty" json:"offset,omitempty"`
}

// FromSpec builds the curve described by spec.
func FromSpec(spec Spec) (Curve, error) {
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	name := strings.TrimSpace(spec.Name)
	switch kind {
	case KindLinear:
		if name != "" && name != LinearName {
			return namedLinear{Linear: NewLinear(), name: name}, nil
		}
		return NewLinear(), nil
	case KindProgressive, KindOffsetProgressive:
		slope, err := parseAmount("slope", spec.Slope)
		if err != nil {
			return nil, err
		}
		var c *Progressive
		if kind == KindProgressive {
			if strings.TrimSpace(spec.Offset) != "" {
				return nil, fmt.Errorf("%w: offset is only valid for %s", ErrInvalidParameter, KindOffsetProgressive)
			}
			c, err = NewProgressive(slope)
		} else {
			offset, perr := parseAmount("offset", spec.Offset)
			if perr != nil {
				return nil, perr
			}
			c, err = NewOffsetProgressive(slope, offset)
		}
		if err != nil {
			return nil, err
		}
		if name != "" {
			c = c.WithName(name)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown curve kind %q", ErrInvalidParameter, spec.Kind)
	}
}

type namedLinear struct {
	*Linear
	name string
}

func (n namedLinear) Name() string { return n.name }

func parseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", ErrInvalidParameter, field)
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, field, err)
	}
	return v, nil
}
