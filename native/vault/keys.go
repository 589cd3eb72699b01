package vault

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

var (
	vaultStatePrefix     = []byte("vault/state/")
	vaultBalancePrefix   = []byte("vault/balance/")
	vaultHoldersPrefix   = []byte("vault/holders/")
	vaultHolderPrefix    = []byte("vault/holder/")
	vaultIndexKey        = []byte("vault/index")
	protocolFeesKey      = []byte("vault/fees/protocol")
	feeCreditPrefix      = []byte("vault/credit/fee/")
	feeCreditIndexKey    = []byte("vault/credit/fee/index")
	payoutCreditPrefix   = []byte("vault/credit/payout/")
	payoutCreditIndexKey = []byte("vault/credit/payout/index")
)

func vaultKeyBytes(key Key) []byte {
	buf := make([]byte, common.HashLength+8)
	copy(buf, key.TermID[:])
	binary.BigEndian.PutUint64(buf[common.HashLength:], key.CurveID)
	return buf
}

func prefixed(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return buf
}

func vaultStateKey(key Key) []byte {
	return prefixed(vaultStatePrefix, vaultKeyBytes(key))
}

func vaultBalanceKey(key Key, owner common.Address) []byte {
	return prefixed(vaultBalancePrefix, vaultKeyBytes(key), owner[:])
}

func seqBytes(i uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	return buf[:]
}

// vaultHoldersKey holds the number of holders ever recorded for key;
// vaultHolderAtKey holds the i-th of them in first-deposit order.
func vaultHoldersKey(key Key) []byte {
	return prefixed(vaultHoldersPrefix, vaultKeyBytes(key))
}

func vaultHolderAtKey(key Key, i uint64) []byte {
	return prefixed(vaultHoldersPrefix, vaultKeyBytes(key), seqBytes(i))
}

// vaultHolderMarkKey is present once owner has been recorded as a holder.
func vaultHolderMarkKey(key Key, owner common.Address) []byte {
	return prefixed(vaultHolderPrefix, vaultKeyBytes(key), owner[:])
}

func vaultIndexAtKey(i uint64) []byte {
	return prefixed(vaultIndexKey, []byte("/"), seqBytes(i))
}

func feeCreditKey(termID common.Hash) []byte {
	return prefixed(feeCreditPrefix, termID[:])
}

func payoutCreditKey(receiver common.Address) []byte {
	return prefixed(payoutCreditPrefix, receiver[:])
}
