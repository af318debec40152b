package core

import (
	"math/big"
	"sort"
	"sync"
)

// TxQueue is the set of transactions waiting to be mined, keyed by hash
// and deduplicated, mirroring the shape of a FIFO+dedup import queue
// (spec.md §3) while additionally supporting priority iteration.
type TxQueue struct {
	mu   sync.Mutex
	txs  map[Hash]*Transaction
}

// NewTxQueue creates an empty transaction queue.
func NewTxQueue() *TxQueue {
	return &TxQueue{txs: make(map[Hash]*Transaction)}
}

// Add inserts tx into the queue, returning false if it is already
// present (dedup).
func (q *TxQueue) Add(tx *Transaction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	h := tx.Hash()
	if _, ok := q.txs[h]; ok {
		return false
	}

	q.txs[h] = tx
	return true
}

// Get returns the transaction with the given hash, or nil.
func (q *TxQueue) Get(h Hash) *Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.txs[h]
}

// Drop removes the transaction with the given hash.
func (q *TxQueue) Drop(h Hash) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.txs, h)
}

// Clear empties the queue.
func (q *TxQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.txs = make(map[Hash]*Transaction)
}

// Len returns the number of queued transactions.
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.txs)
}

// Has reports whether h is currently queued.
func (q *TxQueue) Has(h Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.txs[h]
	return ok
}

// Pending returns every queued transaction ordered by priority:
// ascending sender address, ascending nonce, descending gas price
// (spec.md §3, "(sender, nonce, gasPrice)"). Transactions whose sender
// cannot be recovered sort last.
func (q *TxQueue) Pending() []*Transaction {
	q.mu.Lock()
	txs := make([]*Transaction, 0, len(q.txs))
	for _, tx := range q.txs {
		txs = append(txs, tx)
	}
	q.mu.Unlock()

	type keyed struct {
		tx     *Transaction
		sender Addr
		ok     bool
	}
	ks := make([]keyed, len(txs))
	for i, tx := range txs {
		addr, err := tx.Sender()
		ks[i] = keyed{tx: tx, sender: addr, ok: err == nil}
	}

	sort.SliceStable(ks, func(i, j int) bool {
		a, b := ks[i], ks[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.sender != b.sender {
			return lessAddr(a.sender, b.sender)
		}
		if a.tx.Nonce != b.tx.Nonce {
			return a.tx.Nonce < b.tx.Nonce
		}
		return gasPriceCmp(a.tx.GasPrice, b.tx.GasPrice) > 0
	})

	out := make([]*Transaction, len(ks))
	for i, k := range ks {
		out[i] = k.tx
	}
	return out
}

func lessAddr(a, b Addr) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func gasPriceCmp(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}
