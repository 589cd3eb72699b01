package vault

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"
)

// AuditReport is the result of CheckInvariants.
type AuditReport struct {
	Vaults     int      `json:"vaults"`
	Holders    int      `json:"holders"`
	Digest     string   `json:"digest"`
	Violations []string `json:"violations,omitempty"`
}

// CheckInvariants verifies share conservation for every vault: total shares
// equal the sum of balances and the floor is never withdrawn. The returned
// error wraps ErrInvariantViolation when any vault fails.
func (l *Ledger) CheckInvariants() (*AuditReport, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.reader()
	keys, err := s.index()
	if err != nil {
		return nil, err
	}
	report := &AuditReport{Vaults: len(keys)}
	for _, key := range keys {
		state, exists, err := s.vault(key)
		if err != nil {
			return nil, err
		}
		if !exists {
			report.Violations = append(report.Violations, fmt.Sprintf("%s: indexed but missing", key))
			continue
		}
		holdings, err := l.holdings(s, key)
		if err != nil {
			return nil, err
		}
		report.Holders += len(holdings)
		sum := new(uint256.Int)
		floorHeld := false
		for _, h := range holdings {
			if _, overflow := sum.AddOverflow(sum, h.Shares); overflow {
				report.Violations = append(report.Violations, fmt.Sprintf("%s: balance sum overflows", key))
				break
			}
			if h.Owner == NullOwner {
				floorHeld = true
			}
		}
		if !sum.Eq(state.TotalShares) {
			report.Violations = append(report.Violations,
				fmt.Sprintf("%s: total shares %s, balances sum to %s", key, state.TotalShares.Dec(), sum.Dec()))
		}
		if !floorHeld {
			report.Violations = append(report.Violations, fmt.Sprintf("%s: floor shares missing", key))
		}
	}
	digest, err := l.stateDigest(s)
	if err != nil {
		return nil, err
	}
	report.Digest = hex.EncodeToString(digest[:])
	if len(report.Violations) > 0 {
		l.metrics.IncInvariantFailure()
		return report, fmt.Errorf("%w: %d vault(s) failed audit", ErrInvariantViolation, len(report.Violations))
	}
	return report, nil
}

// StateDigest returns a blake3 digest over every vault's totals and
// balances in canonical order. Two ledgers that applied the same operations
// produce the same digest.
func (l *Ledger) StateDigest() ([32]byte, error) {
	if err := l.ready(); err != nil {
		return [32]byte{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stateDigest(l.reader())
}

func (l *Ledger) stateDigest(s ledgerStore) ([32]byte, error) {
	keys, err := s.index()
	if err != nil {
		return [32]byte{}, err
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(vaultKeyBytes(keys[i]), vaultKeyBytes(keys[j])) < 0
	})
	var buf bytes.Buffer
	for _, key := range keys {
		state, _, err := s.vault(key)
		if err != nil {
			return [32]byte{}, err
		}
		holdings, err := l.holdings(s, key)
		if err != nil {
			return [32]byte{}, err
		}
		sort.Slice(holdings, func(i, j int) bool {
			return bytes.Compare(holdings[i].Owner[:], holdings[j].Owner[:]) < 0
		})
		buf.Write(vaultKeyBytes(key))
		writeWord(&buf, state.TotalAssets)
		writeWord(&buf, state.TotalShares)
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(holdings)))
		buf.Write(count[:])
		for _, h := range holdings {
			buf.Write(h.Owner[:])
			writeWord(&buf, h.Shares)
		}
	}
	return blake3.Sum256(buf.Bytes()), nil
}

func writeWord(buf *bytes.Buffer, v *uint256.Int) {
	word := v.Bytes32()
	buf.Write(word[:])
}
