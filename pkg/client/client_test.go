package client

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/stretchr/testify/assert"

	"github.com/subtly/cpp-ethereum-micro/pkg/core"
	"github.com/subtly/cpp-ethereum-micro/pkg/filters"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	diskDB := ethdb.NewMemDatabase()
	genesis := &core.Block{Header: &core.Header{Number: 0, Difficulty: 4}}
	chain := core.NewBlockChain(diskDB, genesis, core.NewStubEngine())

	var author core.Addr
	c, err := New(diskDB, chain, core.NewSimpleExecutive(), core.NewStubEngine(), author)
	assert.NoError(t, err)
	return c
}

func zeroCostTx(nonce uint64) *core.Transaction {
	_, sk := core.RandKeyPair()
	tx := &core.Transaction{Nonce: nonce, GasPrice: big.NewInt(0), Gas: 0, Value: big.NewInt(0)}
	tx.SignWith(sk)
	return tx
}

func TestInjectDeliversPendingChanged(t *testing.T) {
	c := newTestClient(t)
	defer c.Stop()

	watchID := c.NewWatch(filters.PendingChanged)
	preMineBefore := c.PreMineRoot()

	tx := zeroCostTx(0)
	assert.NoError(t, c.Inject(tx.Encode(true)))

	c.FlushTransactions()

	assert.Equal(t, 1, c.PendingCount())
	assert.Equal(t, preMineBefore, c.PreMineRoot())

	changes := c.PollWatch(watchID)
	assert.Len(t, changes, 1)
}

func TestRebuildIdempotence(t *testing.T) {
	c := newTestClient(t)
	defer c.Stop()

	c.FlushTransactions()
	rootAfterFirst := c.PreMineRoot()
	pendingAfterFirst := c.PendingCount()

	c.FlushTransactions()
	assert.Equal(t, rootAfterFirst, c.PreMineRoot())
	assert.Equal(t, pendingAfterFirst, c.PendingCount())
}

func TestMineOneBlockAdvancesHeadAndClearsPending(t *testing.T) {
	c := newTestClient(t)
	defer c.Stop()
	defer c.StopMining()

	watchID := c.NewWatch(filters.ChainChanged)

	tx := zeroCostTx(0)
	assert.NoError(t, c.Inject(tx.Encode(true)))
	c.FlushTransactions()
	assert.Equal(t, 1, c.PendingCount())

	c.SetMiningThreads(1)
	c.StartMining()

	deadline := time.Now().Add(2 * time.Second)
	for c.Chain().CurrentBlock().Number() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("chain head never advanced")
		}
		c.FlushTransactions()
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, uint64(1), c.Chain().CurrentBlock().Number())
	assert.Equal(t, 0, c.TxQueue().Len())

	changes := c.PollWatch(watchID)
	assert.NotEmpty(t, changes)
}

func TestReorgRequeuesTransactionsUniqueToDeadBranch(t *testing.T) {
	c := newTestClient(t)
	defer c.Stop()

	genesisHash := c.Chain().Genesis()

	aTx := zeroCostTx(0)
	a1 := &core.Block{Header: &core.Header{ParentHash: genesisHash, Number: 1, Difficulty: 1}, Transactions: []*core.Transaction{aTx}}

	c.BlockQueue().Push(a1)
	c.FlushTransactions()
	assert.Equal(t, a1.Hash(), c.Chain().CurrentBlock().Hash())

	b1 := &core.Block{Header: &core.Header{ParentHash: genesisHash, Number: 1, Difficulty: 2}}
	b2 := &core.Block{Header: &core.Header{ParentHash: b1.Hash(), Number: 2, Difficulty: 2}}

	c.BlockQueue().Push(b1)
	c.BlockQueue().Push(b2)
	c.FlushTransactions()

	assert.Equal(t, b2.Hash(), c.Chain().CurrentBlock().Hash())
	assert.True(t, c.TxQueue().Has(aTx.Hash()), "transaction unique to the dead branch must re-enter the tx queue")
}

func TestCallDoesNotMutatePostMine(t *testing.T) {
	c := newTestClient(t)
	defer c.Stop()

	rootBefore := c.PreMineRoot()
	postMineBefore := c.postMine.Hash()

	var to core.Addr
	to[0] = 0x55
	c.Call(&to, nil, 21000, big.NewInt(5), big.NewInt(1), core.Addr{0x01})

	assert.Equal(t, postMineBefore, c.postMine.Hash())
	assert.Equal(t, rootBefore, c.PreMineRoot())
	assert.Equal(t, 0, c.PendingCount())
}
