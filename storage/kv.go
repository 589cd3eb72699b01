package storage

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var ErrTxClosed = errors.New("storage: transaction already closed")

// KVStore exposes RLP-encoded values addressed by keccak256-hashed keys on top
// of a Database. Writes are grouped in transactions that commit atomically.
type KVStore struct {
	db Database
	mu sync.Mutex
}

// NewKVStore wraps db.
func NewKVStore(db Database) *KVStore {
	return &KVStore{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (s *KVStore) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := s.db.Get(kvKey(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVPut encodes value and stores it under key outside of any transaction.
func (s *KVStore) KVPut(key []byte, value interface{}) error {
	tx := s.Begin()
	if err := tx.KVPut(key, value); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// KVGetList decodes the RLP list stored under key into the slice pointed to by
// out, initialising an empty slice when the key is absent.
func (s *KVStore) KVGetList(key []byte, out interface{}) error {
	ok, err := s.KVGet(key, out)
	if err != nil || ok {
		return err
	}
	return emptySlice(out)
}

// Begin opens a write transaction. Commits are serialised so that batches
// from different transactions never interleave.
func (s *KVStore) Begin() *Tx {
	return &Tx{store: s, writes: make(map[string][]byte), order: nil}
}

// Tx buffers writes in memory; reads observe the buffered writes first.
type Tx struct {
	store  *KVStore
	writes map[string][]byte
	order  []string
	closed bool
}

// KVGet reads through the transaction's pending writes.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.closed {
		return false, ErrTxClosed
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	if data, ok := tx.writes[string(kvKey(key))]; ok {
		return decodeInto(data, out)
	}
	return tx.store.KVGet(key, out)
}

// KVPut buffers value under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	hashed := string(kvKey(key))
	if _, seen := tx.writes[hashed]; !seen {
		tx.order = append(tx.order, hashed)
	}
	tx.writes[hashed] = encoded
	return nil
}

// KVGetList behaves like KVStore.KVGetList within the transaction.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	ok, err := tx.KVGet(key, out)
	if err != nil || ok {
		return err
	}
	return emptySlice(out)
}

// Pending returns the number of buffered writes.
func (tx *Tx) Pending() int { return len(tx.order) }

// Commit writes every buffered value in one atomic batch.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	if len(tx.order) == 0 {
		return nil
	}
	batch := new(Batch)
	for _, hashed := range tx.order {
		batch.Put([]byte(hashed), tx.writes[hashed])
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	return tx.store.db.Write(batch)
}

// Discard drops the buffered writes. It is safe to call after Commit.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
	tx.order = nil
}

func decodeInto(data []byte, out interface{}) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func emptySlice(out interface{}) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	return nil
}
