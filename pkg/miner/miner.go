// Package miner implements the local and remote mining pool named in
// spec.md §4.4: a set of workers that each chase proof-of-work on top of
// a shared sealing task, polymorphic over where the hashing happens.
package miner

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/helinwang/log15"

	"github.com/subtly/cpp-ethereum-micro/pkg/core"
)

// Progress is a point-in-time sample of a miner's work.
type Progress struct {
	HashRate    uint64
	HashesTried uint64
	Elapsed     time.Duration
}

// combine merges two progress samples, used to aggregate across miners.
// It is commutative: combine(a, b) == combine(b, a).
func combine(a, b Progress) Progress {
	return Progress{
		HashRate:    a.HashRate + b.HashRate,
		HashesTried: a.HashesTried + b.HashesTried,
		Elapsed:     a.Elapsed + b.Elapsed,
	}
}

// Miner is the capability set shared by local and remote miners
// (spec.md §4.4).
type Miner interface {
	Setup(parent *core.Header, index int, stateRoot core.Hash)
	NoteStateChange()
	MiningProgress() Progress
	MiningHistory() []Progress
	IsComplete() bool
	BlockData() []byte
}

// Task is the sealing assignment handed to a miner: a candidate header
// (already stamped with parent/number/difficulty/coinbase) plus the
// transactions that will ride in the block once sealed.
type Task struct {
	Header *core.Header
	Body   []*core.Transaction
}

// LocalMiner owns a worker goroutine that repeatedly attempts proofs
// against its assigned task until it succeeds or is told the state
// changed underneath it.
type LocalMiner struct {
	engine core.PowEngine
	index  int

	mu      sync.Mutex
	task    *Task
	abort   chan struct{}
	done    chan struct{}
	sealed  *core.Block
	history []Progress
	started time.Time
	hashes  uint64
}

// NewLocalMiner constructs a local miner sealing with engine.
func NewLocalMiner(engine core.PowEngine) *LocalMiner {
	return &LocalMiner{engine: engine}
}

// Setup assigns parent and ordinal index to the miner and starts a
// fresh worker sealing against stateRoot, aborting whatever it was
// doing before.
func (m *LocalMiner) Setup(parent *core.Header, index int, stateRoot core.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.abort != nil {
		select {
		case <-m.abort:
		default:
			close(m.abort)
		}
	}

	m.index = index
	m.sealed = nil
	m.hashes = 0
	m.abort = make(chan struct{})
	m.done = make(chan struct{})
	m.started = time.Now()

	header := &core.Header{
		ParentHash: parent.Hash(),
		Number:     parent.Number + 1,
		Time:       uint64(time.Now().Unix()),
		Difficulty: difficultyFor(parent),
		GasLimit:   parent.GasLimit,
		StateRoot:  stateRoot,
	}
	m.task = &Task{Header: header}

	go m.run(header, m.abort, m.done)
}

// SetBody attaches the block body (the postMine pending transactions)
// to the current task, without restarting the seal search.
func (m *LocalMiner) SetBody(txs []*core.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task != nil {
		m.task.Body = txs
	}
}

func difficultyFor(parent *core.Header) uint64 {
	d := parent.Difficulty
	if d == 0 {
		d = 4
	}
	return d
}

func (m *LocalMiner) run(header *core.Header, abort, done chan struct{}) {
	defer close(done)

	nonce, mix, ok := m.engine.Seal(header, abort)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-abort:
		return
	default:
	}

	sealed := *header
	sealed.Nonce = nonce
	sealed.MixDigest = mix

	var body []*core.Transaction
	if m.task != nil {
		body = m.task.Body
	}

	m.sealed = &core.Block{Header: &sealed, Transactions: body}
	m.hashes += nonce + 1
	m.history = append(m.history, Progress{
		HashesTried: m.hashes,
		Elapsed:     time.Since(m.started),
	})

	log.Info("local miner sealed block", "index", m.index, "number", sealed.Number)
}

// NoteStateChange aborts the current search; the pool is expected to
// call Setup again with a fresh task afterward.
func (m *LocalMiner) NoteStateChange() {
	m.mu.Lock()
	abort := m.abort
	m.mu.Unlock()
	if abort != nil {
		select {
		case <-abort:
		default:
			close(abort)
		}
	}
}

// IsComplete reports whether a valid seal has been found.
func (m *LocalMiner) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealed != nil
}

// BlockData returns the RLP encoding of the sealed block, or nil.
func (m *LocalMiner) BlockData() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed == nil {
		return nil
	}
	return m.sealed.Encode()
}

// MiningProgress reports hashrate estimated from hashes tried since the
// current task was assigned.
func (m *LocalMiner) MiningProgress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.started)
	var rate uint64
	if elapsed > 0 {
		rate = uint64(float64(m.hashes) / elapsed.Seconds())
	}
	return Progress{HashRate: rate, HashesTried: m.hashes, Elapsed: elapsed}
}

// MiningHistory returns every progress sample recorded by this miner.
func (m *LocalMiner) MiningHistory() []Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Progress, len(m.history))
	copy(out, m.history)
	return out
}

// RemoteMiner implements the getWork/submitWork protocol of spec.md
// §4.4 for an out-of-process mining client.
type RemoteMiner struct {
	mu     sync.Mutex
	task   *Task
	sealed *core.Block
}

// NewRemoteMiner constructs an empty remote miner.
func NewRemoteMiner() *RemoteMiner {
	return &RemoteMiner{}
}

func (m *RemoteMiner) Setup(parent *core.Header, index int, stateRoot core.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sealed = nil
	header := &core.Header{
		ParentHash: parent.Hash(),
		Number:     parent.Number + 1,
		Time:       uint64(time.Now().Unix()),
		Difficulty: difficultyFor(parent),
		GasLimit:   parent.GasLimit,
		StateRoot:  stateRoot,
	}
	m.task = &Task{Header: header}
}

func (m *RemoteMiner) SetBody(txs []*core.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task != nil {
		m.task.Body = txs
	}
}

// NoteStateChange is a no-op for the remote miner: the remote worker
// finds out its task is stale the next time it calls GetWork.
func (m *RemoteMiner) NoteStateChange() {}

// GetWork returns the seal hash and difficulty of the current task.
func (m *RemoteMiner) GetWork() (core.Hash, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task == nil {
		return core.Hash{}, 0, false
	}
	return m.task.Header.SealHash(), m.task.Header.Difficulty, true
}

// SubmitWork accepts a remotely-found nonce/mixDigest pair, sealing the
// current task if there is one. The proof is not checked here; the
// chain verifies the seal when the block is imported.
func (m *RemoteMiner) SubmitWork(nonce uint64, mixDigest core.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task == nil {
		return false
	}

	sealed := *m.task.Header
	sealed.Nonce = nonce
	sealed.MixDigest = mixDigest

	m.sealed = &core.Block{Header: &sealed, Transactions: m.task.Body}
	return true
}

func (m *RemoteMiner) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealed != nil
}

func (m *RemoteMiner) BlockData() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed == nil {
		return nil
	}
	return m.sealed.Encode()
}

func (m *RemoteMiner) MiningProgress() Progress  { return Progress{} }
func (m *RemoteMiner) MiningHistory() []Progress { return nil }

// Pool is the mining pool: N local miners plus one remote miner,
// resizable at runtime (spec.md §4.4).
type Pool struct {
	engine core.PowEngine

	mu            sync.RWMutex
	local         []*LocalMiner
	remote        *RemoteMiner
	forceMining   bool
	accelerated   bool
	active        int32 // atomic: 1 while mining is running
}

// NewPool constructs a mining pool with no local miners and one remote
// miner, sealing with engine.
func NewPool(engine core.PowEngine) *Pool {
	return &Pool{engine: engine, remote: NewRemoteMiner()}
}

// SetThreads stops all local miners and resizes the pool to n, or to 1
// if an accelerator is active and force-mining is on (the accelerator
// is internally parallel; extra host threads would only contend).
func (p *Pool) SetThreads(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accelerated && p.forceMining {
		n = 1
	}
	if n < 0 {
		n = 0
	}

	for _, m := range p.local {
		m.NoteStateChange()
	}

	p.local = make([]*LocalMiner, n)
	for i := range p.local {
		p.local[i] = NewLocalMiner(p.engine)
	}
}

// SetAccelerated records whether a hardware-accelerated backend is
// available, re-applying the one-thread rule if force-mining is on.
func (p *Pool) SetAccelerated(accelerated bool) {
	p.mu.Lock()
	p.accelerated = accelerated
	n := len(p.local)
	p.mu.Unlock()
	if accelerated && p.IsForceMining() {
		p.SetThreads(1)
	} else {
		p.SetThreads(n)
	}
}

// SetForceMining records whether mining should continue even without
// peers, re-applying the one-thread rule against an accelerator.
func (p *Pool) SetForceMining(force bool) {
	p.mu.Lock()
	p.forceMining = force
	accelerated := p.accelerated
	n := len(p.local)
	p.mu.Unlock()
	if accelerated && force {
		p.SetThreads(1)
	} else {
		p.SetThreads(n)
	}
}

func (p *Pool) IsForceMining() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.forceMining
}

// Start marks the pool active and assigns every miner a task derived
// from parent and sealing against stateRoot.
func (p *Pool) Start(parent *core.Header, stateRoot core.Hash, body []*core.Transaction) {
	atomic.StoreInt32(&p.active, 1)
	p.Restart(parent, stateRoot, body)
}

// Restart re-seats every local and the remote miner's task without
// altering the active flag, used on every postMine change.
func (p *Pool) Restart(parent *core.Header, stateRoot core.Hash, body []*core.Transaction) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.IsMining() {
		return
	}

	for i, m := range p.local {
		m.Setup(parent, i, stateRoot)
		m.SetBody(body)
	}
	p.remote.Setup(parent, len(p.local), stateRoot)
	p.remote.SetBody(body)
}

// Stop halts every local miner and marks the pool inactive.
func (p *Pool) Stop() {
	atomic.StoreInt32(&p.active, 0)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.local {
		m.NoteStateChange()
	}
}

// IsMining reports whether the pool is currently active.
func (p *Pool) IsMining() bool {
	return atomic.LoadInt32(&p.active) == 1
}

// NoteStateChange broadcasts a state-change notification to every local
// miner, aborting in-flight seal searches (spec.md §4.6, Phase E).
func (p *Pool) NoteStateChange() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.local {
		m.NoteStateChange()
	}
}

// Completed returns the RLP bytes of every local or remote miner whose
// search has finished, local miners first (in index order) and the
// remote miner last.
func (p *Pool) Completed() [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out [][]byte
	for _, m := range p.local {
		if m.IsComplete() {
			out = append(out, m.BlockData())
		}
	}
	if p.remote.IsComplete() {
		out = append(out, p.remote.BlockData())
	}
	return out
}

// Remote exposes the pool's remote miner for the getWork/submitWork
// public API.
func (p *Pool) Remote() *RemoteMiner {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote
}

// MiningProgress aggregates every miner's progress via a commutative
// combine (spec.md §4.4).
func (p *Pool) MiningProgress() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total Progress
	for _, m := range p.local {
		total = combine(total, m.MiningProgress())
	}
	total = combine(total, p.remote.MiningProgress())
	return total
}

// MiningHistory zip-combines per-time-step samples across every local
// miner (the remote miner does not report history).
func (p *Pool) MiningHistory() []Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var longest int
	histories := make([][]Progress, len(p.local))
	for i, m := range p.local {
		histories[i] = m.MiningHistory()
		if len(histories[i]) > longest {
			longest = len(histories[i])
		}
	}

	out := make([]Progress, longest)
	for _, h := range histories {
		for i, s := range h {
			out[i] = combine(out[i], s)
		}
	}
	return out
}

// Hashrate is a convenience accessor over MiningProgress.
func (p *Pool) Hashrate() uint64 {
	return p.MiningProgress().HashRate
}
