package client

import (
	"math/big"
	"time"

	log "github.com/helinwang/log15"

	"github.com/subtly/cpp-ethereum-micro/pkg/core"
	"github.com/subtly/cpp-ethereum-micro/pkg/filters"
	"github.com/subtly/cpp-ethereum-micro/pkg/miner"
)

// Inject pushes a transaction into the tx queue and wakes the worker if
// it is idle (spec.md §6, "inject(rawTxRLP)").
func (c *Client) Inject(raw []byte) error {
	tx, err := core.DecodeTransaction(raw)
	if err != nil {
		return err
	}
	c.txQueue.Add(tx)
	c.Start()
	c.wake()
	return nil
}

// FlushTransactions forces one synchronous work cycle.
func (c *Client) FlushTransactions() {
	c.doWork()
}

// GetWork exposes the remote-miner protocol's work descriptor.
func (c *Client) GetWork() (core.Hash, uint64, bool) {
	return c.pool.Remote().GetWork()
}

// SubmitWork accepts a remotely-found proof.
func (c *Client) SubmitWork(nonce uint64, mixDigest core.Hash) bool {
	return c.pool.Remote().SubmitWork(nonce, mixDigest)
}

// MiningProgress, MiningHistory and Hashrate are read-only telemetry
// over the mining pool.
func (c *Client) MiningProgress() miner.Progress   { return c.pool.MiningProgress() }
func (c *Client) MiningHistory() []miner.Progress  { return c.pool.MiningHistory() }
func (c *Client) Hashrate() uint64                 { return c.pool.Hashrate() }

// SetMiningThreads resizes the local miner pool.
func (c *Client) SetMiningThreads(n int) {
	c.pool.SetThreads(n)
	c.restartMining()
}

// SetForceMining controls whether mining continues without peers.
func (c *Client) SetForceMining(force bool) {
	c.pool.SetForceMining(force)
}

// StartMining marks the pool active and seats every miner with the
// current postMine snapshot.
func (c *Client) StartMining() {
	c.Start()
	c.muState.Lock()
	root, err := c.postMine.Commit()
	var body []*core.Transaction
	for _, h := range c.postMinePend {
		if tx := c.txQueue.Get(h); tx != nil {
			body = append(body, tx)
		}
	}
	c.muState.Unlock()
	if err != nil {
		log.Warn("failed to commit postMine for sealing", "err", err)
		return
	}
	c.pool.Start(c.chain.CurrentHeader(), root, body)
}

// StopMining halts every local miner without stopping the worker.
func (c *Client) StopMining() {
	c.pool.Stop()
}

// IsMining reports whether the pool is active.
func (c *Client) IsMining() bool {
	return c.pool.IsMining()
}

// KillChain implements spec.md §4.8: stop mining, stop the worker,
// clear the queues and miners, drop state snapshots, reopen the chain
// and state DB as if freshly constructed against a wiped database,
// then run one cycle and restart the worker.
func (c *Client) KillChain(genesis *core.Block, engine core.PowEngine) error {
	c.StopMining()
	c.Stop()

	c.txQueue.Clear()
	for c.blockQueue.Len() > 0 {
		c.blockQueue.Pop(c.blockQueue.Len())
	}

	c.muState.Lock()
	c.chain = core.NewBlockChain(c.diskDB, genesis, engine)
	genesisRoot := genesis.Header.StateRoot
	preMine, err := core.NewStateAt(genesisRoot, c.diskDB)
	if err != nil {
		preMine = core.NewState(c.diskDB)
	}
	c.preMine = preMine
	c.preMineRoot = genesisRoot
	c.postMine = preMine.Clone()
	c.postMinePend = nil
	c.muState.Unlock()

	c.pool = miner.NewPool(engine)

	if h, ok := c.hostHandle.Upgrade(); ok {
		h.Reset()
	}

	c.doWork()
	c.Start()
	return nil
}

// ClearPending drops every queued transaction and resets postMine back
// to preMine.
func (c *Client) ClearPending() {
	c.txQueue.Clear()
	c.muState.Lock()
	c.postMine = c.preMine.Clone()
	c.postMinePend = nil
	c.muState.Unlock()
}

// InstallFilter registers f and returns its id.
func (c *Client) InstallFilter(f *filters.Filter) core.Hash {
	return c.registry.Install(f)
}

// UninstallFilter removes a previously installed filter.
func (c *Client) UninstallFilter(id core.Hash) {
	c.registry.Uninstall(id)
}

// NewWatch creates a watch on filterID (which may be a pseudo-filter
// id such as filters.PendingChanged).
func (c *Client) NewWatch(filterID core.Hash) uint64 {
	return c.registry.NewWatch(filterID)
}

// UninstallWatch removes a watch.
func (c *Client) UninstallWatch(id uint64) {
	c.registry.UninstallWatch(id)
}

// PollWatch drains a watch's accumulated changes.
func (c *Client) PollWatch(id uint64) []core.Log {
	return c.registry.Poll(id, time.Now())
}

// PeekWatch returns a watch's accumulated changes without draining
// them, exempting it from the idle-watch GC until its next PollWatch.
func (c *Client) PeekWatch(id uint64) []core.Log {
	return c.registry.Peek(id)
}

// Call performs read-only speculative execution against postMine
// without committing anything (spec.md §4.7, property P5).
func (c *Client) Call(dest *core.Addr, data []byte, gas uint64, value, gasPrice *big.Int, from core.Addr) ExecutionResult {
	c.muState.RLock()
	scratch := c.postMine.Clone()
	c.muState.RUnlock()

	credit := new(big.Int).Add(valueOrZero(value), new(big.Int).Mul(gasPriceOrZero(gasPrice), new(big.Int).SetUint64(gas)))
	account := scratch.Account(from)
	account.AddBalance(credit)

	// Call is speculative execution against a scratch snapshot (spec.md
	// §4.7, property P5), not a transaction the sender actually signed,
	// so it is seated at the sender's current nonce rather than forcing
	// the caller to track one.
	tx := &core.Transaction{Nonce: account.Nonce(), GasPrice: gasPriceOrZero(gasPrice), Gas: gas, To: dest, Value: valueOrZero(value), Data: data}

	receipt, err := c.exec.RunAs(scratch, tx, c.chain.CurrentHeader(), from)
	if err != nil {
		return ExecutionResult{Failed: true, Err: err}
	}
	return ExecutionResult{UsedGas: receipt.GasUsed, Logs: receipt.Logs, Failed: !receipt.Status}
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func gasPriceOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// StateAt returns a read-only snapshot of account state at the given
// block hash (spec.md §6, "state(block)" / "asOf(block)").
func (c *Client) StateAt(blockHash core.Hash) (*core.State, error) {
	b := c.chain.GetBlock(blockHash)
	if b == nil {
		return nil, core.ErrUnknownParent
	}
	return core.NewStateAt(b.Header.StateRoot, c.diskDB)
}

// StateBeforePendingTx returns the state as it stood immediately before
// the txIndex-th transaction currently applied onto postMine (spec.md
// §6, "state(txIndex)" -> m_postMine.fromPending(txIndex)).
func (c *Client) StateBeforePendingTx(txIndex int) (*core.State, error) {
	c.muState.RLock()
	preMine := c.preMine
	pendHashes := append([]core.Hash(nil), c.postMinePend...)
	head := c.chain.CurrentHeader()
	c.muState.RUnlock()

	pending := make([]*core.Transaction, 0, len(pendHashes))
	for _, h := range pendHashes {
		if tx := c.txQueue.Get(h); tx != nil {
			pending = append(pending, tx)
		}
	}
	return preMine.FromPending(txIndex, pending, c.exec, head)
}

// StateBeforeBlockTx returns the state as it stood immediately before
// the txIndex-th transaction of the named block (spec.md §6,
// "state(txIndex, block)").
func (c *Client) StateBeforeBlockTx(blockHash core.Hash, txIndex int) (*core.State, error) {
	b := c.chain.GetBlock(blockHash)
	if b == nil {
		return nil, core.ErrUnknownParent
	}

	var parentRoot core.Hash
	if parent := c.chain.GetBlock(b.Header.ParentHash); parent != nil {
		parentRoot = parent.Header.StateRoot
	}

	base, err := core.NewStateAt(parentRoot, c.diskDB)
	if err != nil {
		return nil, err
	}
	return base.FromPending(txIndex, b.Transactions, c.exec, b.Header)
}

// PendingCount returns the number of transactions applied onto postMine
// since it was last rebuilt from preMine.
func (c *Client) PendingCount() int {
	c.muState.RLock()
	defer c.muState.RUnlock()
	return len(c.postMinePend)
}

// PreMineRoot returns preMine's current state root.
func (c *Client) PreMineRoot() core.Hash {
	c.muState.RLock()
	defer c.muState.RUnlock()
	return c.preMineRoot
}

// GasPrice returns the gas pricer's current recommendation, refreshed
// against the current chain head.
func (c *Client) GasPrice() uint64 {
	c.pricer.Update(chainAdapter{c.chain})
	return c.pricer.Price()
}

type chainAdapter struct{ chain *core.BlockChain }

func (a chainAdapter) CurrentBlock() *core.Block       { return a.chain.CurrentBlock() }
func (a chainAdapter) GetBlock(h core.Hash) *core.Block { return a.chain.GetBlock(h) }
