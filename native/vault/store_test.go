package vault

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"multivault/storage"
)

// countingKV tallies the records each ledgerStore call touches.
type countingKV struct {
	kvState
	gets, puts int
}

func (c *countingKV) KVGet(key []byte, out interface{}) (bool, error) {
	c.gets++
	return c.kvState.KVGet(key, out)
}

func (c *countingKV) KVPut(key []byte, value interface{}) error {
	c.puts++
	return c.kvState.KVPut(key, value)
}

func (c *countingKV) reset() { c.gets, c.puts = 0, 0 }

func addressN(i int) common.Address {
	var addr common.Address
	binary.BigEndian.PutUint64(addr[12:], uint64(i+1))
	return addr
}

func TestAddHolderCostIsIndependentOfHolderCount(t *testing.T) {
	kv := &countingKV{kvState: storage.NewKVStore(storage.NewMemDB())}
	s := ledgerStore{kv: kv}
	key := Key{TermID: termA, CurveID: linearCurve}

	var want []common.Address
	for i := 0; i < 250; i++ {
		owner := addressN(i)
		kv.reset()
		require.NoError(t, s.addHolder(key, owner))
		require.Equal(t, 2, kv.gets, "holder %d", i)
		require.Equal(t, 3, kv.puts, "holder %d", i)
		want = append(want, owner)
	}

	kv.reset()
	require.NoError(t, s.addHolder(key, addressN(17)))
	require.Equal(t, 1, kv.gets)
	require.Zero(t, kv.puts)

	got, err := s.holders(key)
	require.NoError(t, err)
	require.Equal(t, want, got)

	other, err := s.holders(Key{TermID: termB, CurveID: linearCurve})
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestAppendIndexCostIsIndependentOfVaultCount(t *testing.T) {
	kv := &countingKV{kvState: storage.NewKVStore(storage.NewMemDB())}
	s := ledgerStore{kv: kv}

	var want []Key
	for i := 0; i < 250; i++ {
		key := Key{TermID: common.BigToHash(addressN(i).Big()), CurveID: uint64(i % 3)}
		kv.reset()
		require.NoError(t, s.appendIndex(key))
		require.Equal(t, 1, kv.gets)
		require.Equal(t, 2, kv.puts)
		want = append(want, key)
	}
	got, err := s.index()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestHolderSequenceSurvivesTransactionCommit(t *testing.T) {
	store := storage.NewKVStore(storage.NewMemDB())
	key := Key{TermID: termA, CurveID: progressiveCurve}

	tx := store.Begin()
	txs := ledgerStore{kv: tx}
	require.NoError(t, txs.putBalance(key, alice, u(5)))
	require.NoError(t, txs.putBalance(key, bob, u(0)))
	require.NoError(t, txs.putBalance(key, bob, u(3)))
	require.NoError(t, txs.putBalance(key, alice, u(9)))
	require.NoError(t, tx.Commit())

	got, err := ledgerStore{kv: store}.holders(key)
	require.NoError(t, err)
	require.Equal(t, []common.Address{alice, bob}, got)
}
