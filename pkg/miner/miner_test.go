package miner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/subtly/cpp-ethereum-micro/pkg/core"
)

func waitComplete(t *testing.T, m Miner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !m.IsComplete() {
		if time.Now().After(deadline) {
			t.Fatal("miner never completed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLocalMinerSealsWithStubEngine(t *testing.T) {
	m := NewLocalMiner(core.NewStubEngine())
	parent := &core.Header{Number: 0, Difficulty: 4}

	m.Setup(parent, 0, core.Hash{})
	waitComplete(t, m)

	data := m.BlockData()
	assert.NotEmpty(t, data)

	b, err := core.DecodeBlock(data)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), b.Number())
}

func TestLocalMinerNoteStateChangeAbortsSearch(t *testing.T) {
	m := NewLocalMiner(core.NewHashEngine())
	parent := &core.Header{Number: 0, Difficulty: 1 << 60}

	m.Setup(parent, 0, core.Hash{})
	m.NoteStateChange()

	time.Sleep(10 * time.Millisecond)
	assert.False(t, m.IsComplete())
}

func TestRemoteMinerGetWorkSubmitWork(t *testing.T) {
	m := NewRemoteMiner()
	parent := &core.Header{Number: 0, Difficulty: 4}
	m.Setup(parent, 0, core.Hash{})

	_, difficulty, ok := m.GetWork()
	assert.True(t, ok)
	assert.Equal(t, uint64(4), difficulty)

	assert.True(t, m.SubmitWork(0, core.Hash{1}))
	assert.True(t, m.IsComplete())
	assert.NotEmpty(t, m.BlockData())
}

func TestPoolSetThreadsForcesOneWhenAccelerated(t *testing.T) {
	p := NewPool(core.NewStubEngine())
	p.SetThreads(4)
	assert.Len(t, p.local, 4)

	p.SetForceMining(true)
	p.SetAccelerated(true)
	assert.Len(t, p.local, 1)
}

func TestPoolMinesOneBlock(t *testing.T) {
	p := NewPool(core.NewStubEngine())
	p.SetThreads(1)

	genesis := &core.Header{Number: 0, Difficulty: 4}
	p.Start(genesis, core.Hash{}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for len(p.Completed()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pool never produced a sealed block")
		}
		time.Sleep(time.Millisecond)
	}

	completed := p.Completed()
	assert.Len(t, completed, 1)
}

func TestPoolMiningProgressAggregatesAcrossMiners(t *testing.T) {
	p := NewPool(core.NewHashEngine())
	p.SetThreads(2)

	genesis := &core.Header{Number: 0, Difficulty: 1}
	p.Start(genesis, core.Hash{}, nil)

	time.Sleep(20 * time.Millisecond)
	p.Stop()

	progress := p.MiningProgress()
	assert.Equal(t, p.local[0].MiningProgress().HashesTried+p.local[1].MiningProgress().HashesTried, progress.HashesTried)
}
