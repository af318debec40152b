package gasprice

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/subtly/cpp-ethereum-micro/pkg/core"
)

type fakeChain struct {
	blocks map[core.Hash]*core.Block
	head   core.Hash
}

func newFakeChain() *fakeChain {
	return &fakeChain{blocks: make(map[core.Hash]*core.Block)}
}

func (c *fakeChain) add(parent core.Hash, number uint64, txs ...*core.Transaction) core.Hash {
	h := &core.Header{ParentHash: parent, Number: number}
	b := &core.Block{Header: h, Transactions: txs}
	c.blocks[b.Hash()] = b
	c.head = b.Hash()
	return b.Hash()
}

func (c *fakeChain) CurrentBlock() *core.Block       { return c.blocks[c.head] }
func (c *fakeChain) GetBlock(h core.Hash) *core.Block { return c.blocks[h] }

func txAt(price, gas int64) *core.Transaction {
	return &core.Transaction{GasPrice: big.NewInt(price), Gas: uint64(gas)}
}

func TestBasicPricerOctilesFromThreeBlockWindow(t *testing.T) {
	chain := newFakeChain()
	genesis := chain.add(core.Hash{}, 0)
	b1 := chain.add(genesis, 1, txAt(10, 100))
	b2 := chain.add(b1, 2, txAt(20, 100))
	chain.add(b2, 3, txAt(30, 100))

	p := NewBasicPricer()
	p.Update(chain)

	want := []uint64{10, 10, 10, 20, 20, 20, 30, 30, 30}
	for q, w := range want {
		assert.Equal(t, w, p.Octile(q), "octile %d", q)
	}
	assert.Equal(t, uint64(20), p.Price())
}

func TestBasicPricerOctilesAreMonotonic(t *testing.T) {
	chain := newFakeChain()
	genesis := chain.add(core.Hash{}, 0)
	b1 := chain.add(genesis, 1, txAt(5, 21000), txAt(50, 21000))
	chain.add(b1, 2, txAt(12, 50000), txAt(90, 1000))

	p := NewBasicPricer()
	p.Update(chain)

	for q := 1; q <= 8; q++ {
		assert.GreaterOrEqual(t, p.Octile(q), p.Octile(q-1))
	}
}

func TestBasicPricerKeepsPreviousOctilesWhenWindowEmpty(t *testing.T) {
	chain := newFakeChain()
	genesis := chain.add(core.Hash{}, 0)
	b1 := chain.add(genesis, 1, txAt(10, 100))
	chain.head = b1

	p := NewBasicPricer()
	p.Update(chain)
	before := p.Price()

	empty := newFakeChain()
	empty.add(core.Hash{}, 0)
	p.Update(empty)

	assert.Equal(t, before, p.Price())
}

func TestTrivialPricerIgnoresHistory(t *testing.T) {
	p := NewTrivialPricer(42)
	chain := newFakeChain()
	chain.add(core.Hash{}, 0, txAt(999, 1))
	p.Update(chain)

	assert.Equal(t, uint64(42), p.Price())
	assert.Equal(t, uint64(42), p.Octile(0))
	assert.Equal(t, uint64(42), p.Octile(8))
}
