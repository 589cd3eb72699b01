package types

import (
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Event represents a typed event emitted after a committed state change.
type Event struct {
	Type       string            `json:"type"`
	Signature  string            `json:"signature,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

// Topic returns the keccak256 hash of the event signature, matching the log
// topic indexers filter on. Events without a signature have no topic.
func (e *Event) Topic() string {
	if e == nil || e.Signature == "" {
		return ""
	}
	return ethcrypto.Keccak256Hash([]byte(e.Signature)).Hex()
}

// Attribute returns the named attribute or the empty string.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Keys returns the attribute names in sorted order.
func (e *Event) Keys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, 0, len(e.Attributes))
	for key := range e.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
