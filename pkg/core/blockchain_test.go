package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/stretchr/testify/assert"
)

func mkBlock(parent Hash, number uint64, difficulty uint64, extra byte) *Block {
	h := &Header{ParentHash: parent, Number: number, Difficulty: difficulty, Extra: []byte{extra}}
	return &Block{Header: h}
}

func TestBlockChainExtendsLinearly(t *testing.T) {
	genesis := mkBlock(Hash{}, 0, 1, 0)
	chain := NewBlockChain(ethdb.NewMemDatabase(), genesis, NewStubEngine())

	b1 := mkBlock(genesis.Hash(), 1, 1, 1)
	q := NewBlockQueue()
	q.Push(b1)

	fresh, dead, stillGotWork := chain.Sync(q, 100)
	assert.Equal(t, []Hash{b1.Hash()}, fresh)
	assert.Empty(t, dead)
	assert.False(t, stillGotWork)
	assert.Equal(t, b1.Hash(), chain.CurrentBlock().Hash())
	assert.Equal(t, genesis.Hash(), chain.CurrentHeader().ParentHash)
}

func TestBlockChainReorgsToHeavierBranch(t *testing.T) {
	genesis := mkBlock(Hash{}, 0, 1, 0)
	chain := NewBlockChain(ethdb.NewMemDatabase(), genesis, NewStubEngine())

	a1 := mkBlock(genesis.Hash(), 1, 1, 0xA1)
	a2 := mkBlock(a1.Hash(), 2, 1, 0xA2)

	q := NewBlockQueue()
	q.Push(a1)
	q.Push(a2)
	fresh, dead, _ := chain.Sync(q, 100)
	assert.ElementsMatch(t, []Hash{a1.Hash(), a2.Hash()}, fresh)
	assert.Empty(t, dead)
	assert.Equal(t, a2.Hash(), chain.CurrentBlock().Hash())

	b1 := mkBlock(genesis.Hash(), 1, 1, 0xB1)
	b2 := mkBlock(b1.Hash(), 2, 1, 0xB2)
	b3 := mkBlock(b2.Hash(), 3, 1, 0xB3)

	q2 := NewBlockQueue()
	q2.Push(b1)
	q2.Push(b2)
	q2.Push(b3)
	fresh2, dead2, _ := chain.Sync(q2, 100)

	assert.ElementsMatch(t, []Hash{b1.Hash(), b2.Hash(), b3.Hash()}, fresh2)
	assert.ElementsMatch(t, []Hash{a1.Hash(), a2.Hash()}, dead2)
	assert.Equal(t, b3.Hash(), chain.CurrentBlock().Hash())
}

func TestBlockChainDropsUnknownParent(t *testing.T) {
	genesis := mkBlock(Hash{}, 0, 1, 0)
	chain := NewBlockChain(ethdb.NewMemDatabase(), genesis, NewStubEngine())

	orphan := mkBlock(Hash{0xff}, 1, 1, 1)
	q := NewBlockQueue()
	q.Push(orphan)

	fresh, dead, _ := chain.Sync(q, 100)
	assert.Empty(t, fresh)
	assert.Empty(t, dead)
	assert.Equal(t, genesis.Hash(), chain.CurrentBlock().Hash())
}
