// Package client ties together the block chain, the transaction and
// block queues, the pre-mine/post-mine state pair, the mining pool and
// the filter/watch registry into a single periodic work cycle — the
// core of a full-node client, per spec.md §4.6.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	log "github.com/helinwang/log15"

	"github.com/subtly/cpp-ethereum-micro/pkg/core"
	"github.com/subtly/cpp-ethereum-micro/pkg/filters"
	"github.com/subtly/cpp-ethereum-micro/pkg/gasprice"
	"github.com/subtly/cpp-ethereum-micro/pkg/host"
	"github.com/subtly/cpp-ethereum-micro/pkg/miner"
)

const (
	gcInterval   = 5 * time.Second
	watchTTL     = 20 * time.Second
	idleSleep    = 100 * time.Millisecond
	maxSyncBatch = 100
)

// ExecutionResult is the outcome of a speculative Call.
type ExecutionResult struct {
	UsedGas uint64
	Logs    []core.Log
	Failed  bool
	Err     error
}

// Client is the work-cycle driver described in spec.md §4.6.
type Client struct {
	diskDB     ethdb.Database
	chain      *core.BlockChain
	txQueue    *core.TxQueue
	blockQueue *core.BlockQueue
	exec       core.Executive
	pricer     gasprice.Pricer
	pool       *miner.Pool
	registry   *filters.Registry
	hostHandle host.WeakHandle

	// x_stateDB guards preMine/postMine and the pending-tx bookkeeping
	// that derives postMine from preMine.
	muState      sync.RWMutex
	preMine      *core.State
	preMineRoot  core.Hash
	postMine     *core.State
	postMinePend []core.Hash // tx hashes already applied onto postMine, in order
	author       core.Addr
	lastAuthor   core.Addr

	mu          sync.Mutex
	stopCh      chan struct{}
	wakeCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
	lastGC      time.Time
}

// New constructs a client over an already-opened chain and disk
// database, starting from the chain's current head and sealing with
// engine when mining is enabled.
func New(diskDB ethdb.Database, chain *core.BlockChain, exec core.Executive, engine core.PowEngine, author core.Addr) (*Client, error) {
	head := chain.CurrentHeader()

	preMine, err := core.NewStateAt(head.StateRoot, diskDB)
	if err != nil {
		return nil, err
	}

	c := &Client{
		diskDB:      diskDB,
		chain:       chain,
		txQueue:     core.NewTxQueue(),
		blockQueue:  core.NewBlockQueue(),
		exec:        exec,
		pricer:      gasprice.NewBasicPricer(),
		registry:    filters.NewRegistry(),
		pool:        miner.NewPool(engine),
		preMine:     preMine,
		preMineRoot: head.StateRoot,
		postMine:    preMine.Clone(),
		author:      author,
		lastAuthor:  author,
		wakeCh:      make(chan struct{}, 1),
		lastGC:      time.Now(),
	}
	return c, nil
}

// RegisterHost registers cap with h and remembers the resulting weak
// handle for the "notify the host" steps of the work cycle.
func (c *Client) RegisterHost(h host.Host, cap *host.Capability) {
	c.hostHandle = host.RegisterCapability(h, cap)
}

// TxQueue, BlockQueue, Chain and Pool expose the client's collaborators
// for wiring into a peer host capability.
func (c *Client) TxQueue() *core.TxQueue       { return c.txQueue }
func (c *Client) BlockQueue() *core.BlockQueue { return c.blockQueue }
func (c *Client) Chain() *core.BlockChain      { return c.chain }
func (c *Client) Pool() *miner.Pool            { return c.pool }

// Start launches the worker goroutine that repeatedly drives doWork.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.workerLoop(c.stopCh)
}

// Stop joins the worker goroutine (spec.md §5, "stopWorking()").
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) workerLoop(stop chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		busy := c.doWork()

		if busy {
			continue
		}

		select {
		case <-stop:
			return
		case <-c.wakeCh:
		case <-time.After(idleSleep):
		}
	}
}

// wake nudges the worker loop if it is sleeping, without blocking.
func (c *Client) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// doWork runs one work-cycle, phases A through F of spec.md §4.6, and
// reports whether the cycle did real work (so the driver should not
// sleep before the next one).
func (c *Client) doWork() bool {
	var changedSet []core.Hash
	needsRestart := false
	didWork := false

	// Phase A — harvest completed miners.
	if completed := c.pool.Completed(); len(completed) > 0 {
		didWork = true
		c.muState.Lock()
		for _, raw := range completed {
			imported, head, err := c.chain.AttemptImport(raw)
			if err != nil {
				log.Warn("rejecting sealed block", "err", err)
				continue
			}
			for _, h := range imported {
				if h == head {
					continue
				}
				if b := c.chain.GetBlock(h); b != nil {
					changedSet = append(changedSet, c.registry.OnNewCanonicalBlock(b, c.receiptsFor(b))...)
				}
			}
			if len(imported) > 0 {
				changedSet = append(changedSet, filters.ChainChanged)
				needsRestart = true
			}
		}
		c.muState.Unlock()
		c.pool.NoteStateChange()
	}

	// Phase B — drain the block queue into the chain.
	fresh, dead, stillGotWork := c.chain.Sync(c.blockQueue, maxSyncBatch)
	if stillGotWork {
		didWork = true
	}
	for _, h := range dead {
		if b := c.chain.GetBlock(h); b != nil {
			for _, tx := range b.Transactions {
				c.txQueue.Add(tx)
			}
		}
	}
	for _, h := range fresh {
		if b := c.chain.GetBlock(h); b != nil {
			for _, tx := range b.Transactions {
				c.txQueue.Drop(tx.Hash())
			}
			changedSet = append(changedSet, c.registry.OnNewCanonicalBlock(b, c.receiptsFor(b))...)
		}
	}
	if len(fresh) > 0 || len(dead) > 0 {
		changedSet = append(changedSet, filters.ChainChanged)
		didWork = true
	}

	// Phase C — rebuild preMine.
	c.muState.Lock()
	head := c.chain.CurrentHeader()
	authorChanged := c.lastAuthor != c.author
	if head.StateRoot != c.preMineRoot || authorChanged {
		if newPreMine, err := core.NewStateAt(head.StateRoot, c.diskDB); err == nil {
			c.preMine = newPreMine
			c.preMineRoot = head.StateRoot
		}
		c.postMine = c.preMine.Clone()
		c.postMinePend = nil
		c.lastAuthor = c.author
		changedSet = append(changedSet, filters.PendingChanged)
		needsRestart = true
	}

	// Phase D — apply the tx queue onto postMine.
	applied, pendingChanged := c.applyPendingLocked(head)
	changedSet = append(changedSet, pendingChanged...)
	c.muState.Unlock()

	if len(applied) > 0 {
		changedSet = append(changedSet, filters.PendingChanged)
		needsRestart = true
		didWork = true
		if h, ok := c.hostHandle.Upgrade(); ok {
			h.NoteNewTransactions()
		}
	}

	// Phase E — notify.
	if len(changedSet) > 0 {
		if h, ok := c.hostHandle.Upgrade(); ok {
			h.NoteNewBlocks()
		}
	}
	if needsRestart {
		c.restartMining()
	}
	c.registry.NoteChanged(changedSet)

	// Phase F — back-off and GC.
	if time.Since(c.lastGC) >= gcInterval {
		c.lastGC = time.Now()
		c.registry.GCWatches(time.Now(), watchTTL)
		c.chain.GC()
	}

	return didWork
}

// applyPendingLocked applies every not-yet-applied queued transaction
// onto postMine, tapping the filter registry for each accepted receipt.
// Must be called with muState held.
func (c *Client) applyPendingLocked(head *core.Header) ([]*core.Receipt, []core.Hash) {
	already := make(map[core.Hash]bool, len(c.postMinePend))
	for _, h := range c.postMinePend {
		already[h] = true
	}

	var receipts []*core.Receipt
	var changed []core.Hash
	for _, tx := range c.txQueue.Pending() {
		h := tx.Hash()
		if already[h] {
			continue
		}

		receipt, err := c.exec.Run(c.postMine, tx, head)
		if err != nil {
			log.Warn("dropping pending transaction", "hash", h, "err", err)
			c.txQueue.Drop(h)
			continue
		}

		c.postMinePend = append(c.postMinePend, h)
		receipts = append(receipts, receipt)
		changed = append(changed, c.registry.OnNewPendingReceipt(receipt, h, head.Number+1)...)
	}
	return receipts, changed
}

// receiptsFor re-derives a block's receipts by replaying its
// transactions against its parent's committed state. The executive is
// deterministic, so this is safe to call as often as needed rather than
// maintaining a persistent receipt store.
func (c *Client) receiptsFor(b *core.Block) []*core.Receipt {
	var parentRoot core.Hash
	if parent := c.chain.GetBlock(b.Header.ParentHash); parent != nil {
		parentRoot = parent.Header.StateRoot
	}

	scratch, err := core.NewStateAt(parentRoot, c.diskDB)
	if err != nil {
		scratch = core.NewState(c.diskDB)
	}

	receipts := make([]*core.Receipt, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		receipt, err := c.exec.Run(scratch, tx, b.Header)
		if err != nil {
			continue
		}
		receipts = append(receipts, receipt)
	}
	return receipts
}

// restartMining freezes postMine (commitToMine) and re-seats every
// miner's task, broadcasting a state-change notification first so that
// in-flight searches against the stale task stop promptly.
func (c *Client) restartMining() {
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

	c.pool.NoteStateChange()
	c.pool.Restart(c.chain.CurrentHeader(), root, body)
}

// ErrNotMining is the error for an operation that requires mining to be
// active. No function in this package returns it.
var ErrNotMining = errors.New("not mining")
