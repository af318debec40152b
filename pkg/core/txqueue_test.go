package core

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signedTx(sk SK, nonce uint64, gasPrice int64) *Transaction {
	tx := &Transaction{Nonce: nonce, GasPrice: big.NewInt(gasPrice), Gas: 21000, Value: big.NewInt(0)}
	tx.SignWith(sk)
	return tx
}

func TestTxQueueDedupsByHash(t *testing.T) {
	_, sk := RandKeyPair()
	q := NewTxQueue()

	tx := signedTx(sk, 0, 1)
	assert.True(t, q.Add(tx))
	assert.False(t, q.Add(tx))
	assert.Equal(t, 1, q.Len())
}

func TestTxQueuePendingOrdersByNonceThenGasPrice(t *testing.T) {
	_, sk := RandKeyPair()
	q := NewTxQueue()

	low := signedTx(sk, 1, 5)
	high := signedTx(sk, 1, 50)
	first := signedTx(sk, 0, 1)

	q.Add(high)
	q.Add(low)
	q.Add(first)

	pending := q.Pending()
	assert.Len(t, pending, 3)
	assert.Equal(t, uint64(0), pending[0].Nonce)
	assert.Equal(t, uint64(1), pending[1].Nonce)
	assert.Equal(t, uint64(1), pending[2].Nonce)
	assert.Equal(t, high.Hash(), pending[1].Hash())
	assert.Equal(t, low.Hash(), pending[2].Hash())
}

func TestTxQueuePendingPutsUnrecoverableSendersLast(t *testing.T) {
	_, sk := RandKeyPair()
	q := NewTxQueue()

	good := signedTx(sk, 0, 1)
	bad := &Transaction{Nonce: 0, GasPrice: big.NewInt(1), Gas: 21000, Value: big.NewInt(0)}

	q.Add(bad)
	q.Add(good)

	pending := q.Pending()
	assert.Equal(t, good.Hash(), pending[0].Hash())
	assert.Equal(t, bad.Hash(), pending[1].Hash())
}

func TestTxQueueDropAndClear(t *testing.T) {
	_, sk := RandKeyPair()
	q := NewTxQueue()

	tx := signedTx(sk, 0, 1)
	q.Add(tx)
	assert.True(t, q.Has(tx.Hash()))

	q.Drop(tx.Hash())
	assert.False(t, q.Has(tx.Hash()))

	q.Add(tx)
	q.Clear()
	assert.Equal(t, 0, q.Len())
}
