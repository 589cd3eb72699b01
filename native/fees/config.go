package fees

import (
	"errors"
	"fmt"
	"sync"
)

// BasisPointsDenominator is the number of basis points in 100%.
const BasisPointsDenominator = 10_000

var ErrInvalidConfig = errors.New("fees: invalid configuration")

// Config captures the protocol-wide fee parameters, each in basis points.
type Config struct {
	EntryFeeBps        uint32 `toml:"EntryFeeBps" yaml:"entryFeeBps" json:"entryFeeBps"`
	ExitFeeBps         uint32 `toml:"ExitFeeBps" yaml:"exitFeeBps" json:"exitFeeBps"`
	ProtocolFeeBps     uint32 `toml:"ProtocolFeeBps" yaml:"protocolFeeBps" json:"protocolFeeBps"`
	EntityWalletFeeBps uint32 `toml:"EntityWalletFeeBps" yaml:"entityWalletFeeBps" json:"entityWalletFeeBps"`
}

// Validate rejects parameters above 100% and fee combinations that would
// consume more than the whole amount on either side of the vault.
func (c Config) Validate() error {
	for name, bps := range map[string]uint32{
		"entry":         c.EntryFeeBps,
		"exit":          c.ExitFeeBps,
		"protocol":      c.ProtocolFeeBps,
		"entity wallet": c.EntityWalletFeeBps,
	} {
		if bps > BasisPointsDenominator {
			return fmt.Errorf("%w: %s fee %d bps exceeds %d", ErrInvalidConfig, name, bps, BasisPointsDenominator)
		}
	}
	if deposit := uint64(c.EntryFeeBps) + uint64(c.ProtocolFeeBps) + uint64(c.EntityWalletFeeBps); deposit > BasisPointsDenominator {
		return fmt.Errorf("%w: deposit fees total %d bps", ErrInvalidConfig, deposit)
	}
	if redeem := uint64(c.ExitFeeBps) + uint64(c.ProtocolFeeBps); redeem > BasisPointsDenominator {
		return fmt.Errorf("%w: redeem fees total %d bps", ErrInvalidConfig, redeem)
	}
	return nil
}

// Source supplies the current fee configuration. Governance owns mutation; the
// vault engine only reads.
type Source interface {
	FeeConfig() Config
}

// Static is a fixed fee configuration.
type Static Config

// FeeConfig implements Source.
func (s Static) FeeConfig() Config { return Config(s) }

// Governed is a Source whose configuration can be replaced at runtime by the
// governance collaborator. Updates are validated before they become visible.
type Governed struct {
	mu  sync.RWMutex
	cfg Config
}

// NewGoverned returns a governed source seeded with cfg.
func NewGoverned(cfg Config) (*Governed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Governed{cfg: cfg}, nil
}

// FeeConfig implements Source.
func (g *Governed) FeeConfig() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Set replaces the configuration.
func (g *Governed) Set(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	return nil
}
