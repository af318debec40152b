package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockQueueDedupsByHash(t *testing.T) {
	q := NewBlockQueue()
	b := mkBlock(Hash{}, 1, 1, 1)

	assert.True(t, q.Push(b))
	assert.False(t, q.Push(b))
	assert.Equal(t, 1, q.Len())
}

func TestBlockQueuePopIsFIFO(t *testing.T) {
	q := NewBlockQueue()
	b1 := mkBlock(Hash{}, 1, 1, 1)
	b2 := mkBlock(Hash{}, 1, 1, 2)
	b3 := mkBlock(Hash{}, 1, 1, 3)

	q.Push(b1)
	q.Push(b2)
	q.Push(b3)

	got := q.Pop(2)
	assert.Equal(t, []*Block{b1, b2}, got)
	assert.Equal(t, 1, q.Len())

	rest := q.Pop(10)
	assert.Equal(t, []*Block{b3}, rest)
	assert.Equal(t, 0, q.Len())
}
