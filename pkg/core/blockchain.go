package core

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
	log "github.com/helinwang/log15"
)

// ErrUnknownParent is returned when a block's parent has not been seen.
var ErrUnknownParent = errors.New("unknown parent block")

type chainNode struct {
	block  *Block
	weight uint64 // cumulative difficulty from genesis
}

// BlockChain is the append-only block store with reorg support named in
// spec.md §3 ("Block Chain (external)"). Fork choice is the heaviest
// cumulative-difficulty branch, the usual proof-of-work rule.
type BlockChain struct {
	diskDB ethdb.Database
	engine PowEngine

	mu        sync.RWMutex
	nodes     map[Hash]*chainNode
	canonical []Hash // genesis..head, in order
	canonSet  map[Hash]bool
}

// NewBlockChain opens a chain store rooted at genesis.
func NewBlockChain(diskDB ethdb.Database, genesis *Block, engine PowEngine) *BlockChain {
	gh := genesis.Hash()
	c := &BlockChain{
		diskDB: diskDB,
		engine: engine,
		nodes:  map[Hash]*chainNode{gh: {block: genesis, weight: genesis.Header.Difficulty}},
		canonical: []Hash{gh},
		canonSet:  map[Hash]bool{gh: true},
	}
	return c
}

// Genesis returns the hash of the genesis block.
func (c *BlockChain) Genesis() Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.canonical[0]
}

// CurrentHeader returns the header of the canonical head.
func (c *BlockChain) CurrentHeader() *Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	head := c.canonical[len(c.canonical)-1]
	return c.nodes[head].block.Header
}

// CurrentBlock returns the canonical head block.
func (c *BlockChain) CurrentBlock() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	head := c.canonical[len(c.canonical)-1]
	return c.nodes[head].block
}

// GetBlock returns the block with the given hash, or nil.
func (c *BlockChain) GetBlock(h Hash) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[h]
	if !ok {
		return nil
	}
	return n.block
}

// IsCanonical reports whether h is on the current canonical chain.
func (c *BlockChain) IsCanonical(h Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.canonSet[h]
}

// insert adds b to the node set if its parent is known, returning its
// weight. Must be called with c.mu held for writing.
func (c *BlockChain) insert(b *Block) (uint64, error) {
	h := b.Hash()
	if n, ok := c.nodes[h]; ok {
		return n.weight, nil
	}

	parent, ok := c.nodes[b.Header.ParentHash]
	if !ok {
		return 0, ErrUnknownParent
	}

	w := parent.weight + b.Header.Difficulty
	c.nodes[h] = &chainNode{block: b, weight: w}
	return w, nil
}

// reorgTo switches the canonical chain to end at newHead, returning the
// hashes that left (dead) and joined (fresh) the canonical chain, root
// to tip, per spec.md §3.
func (c *BlockChain) reorgTo(newHead Hash) (fresh, dead []Hash) {
	newChain := c.pathToGenesis(newHead)

	oldSet := c.canonSet
	newSet := make(map[Hash]bool, len(newChain))
	for _, h := range newChain {
		newSet[h] = true
	}

	for _, h := range c.canonical {
		if !newSet[h] {
			dead = append(dead, h)
		}
	}
	for _, h := range newChain {
		if !oldSet[h] {
			fresh = append(fresh, h)
		}
	}

	c.canonical = newChain
	c.canonSet = newSet
	return
}

// pathToGenesis walks h back to the genesis block, returning the path in
// genesis-to-h order.
func (c *BlockChain) pathToGenesis(h Hash) []Hash {
	genesis := c.canonical[0]

	var rev []Hash
	for {
		rev = append(rev, h)
		if h == genesis {
			break
		}
		h = c.nodes[h].block.Header.ParentHash
	}

	out := make([]Hash, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out
}

// Sync drains up to limit blocks from q, extending the chain and
// reorging to the heaviest branch as needed. fresh/dead are as in
// spec.md §3; stillGotWork is true when q was not fully drained.
func (c *BlockChain) Sync(q *BlockQueue, limit int) (fresh, dead []Hash, stillGotWork bool) {
	blocks := q.Pop(limit)
	stillGotWork = q.Len() > 0

	c.mu.Lock()
	defer c.mu.Unlock()

	headHash := c.canonical[len(c.canonical)-1]
	headWeight := c.nodes[headHash].weight

	for _, b := range blocks {
		if c.engine != nil && !c.engine.Verify(b.Header) {
			log.Warn("dropping block with invalid seal", "hash", b.Hash())
			continue
		}

		w, err := c.insert(b)
		if err != nil {
			log.Warn("dropping block with unknown parent", "hash", b.Hash(), "err", err)
			continue
		}

		if w > headWeight {
			f, d := c.reorgTo(b.Hash())
			fresh = append(fresh, f...)
			dead = append(dead, d...)
			headWeight = w
		}
	}

	return
}

// AttemptImport decodes and imports a single sealed block (e.g. one just
// mined locally), returning the imported hashes and the resulting
// canonical head. When the block becomes the new head, the hashes are
// every block that became canonical as a result; when it lands on a
// side chain, they are the block's own hash alone; a block already known
// yields none.
func (c *BlockChain) AttemptImport(raw []byte) (imported []Hash, head Hash, err error) {
	b, err := DecodeBlock(raw)
	if err != nil {
		return nil, Hash{}, err
	}

	if c.engine != nil && !c.engine.Verify(b.Header) {
		return nil, Hash{}, errors.New("invalid seal")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	h := b.Hash()
	_, alreadyKnown := c.nodes[h]

	headHash := c.canonical[len(c.canonical)-1]
	headWeight := c.nodes[headHash].weight

	w, err := c.insert(b)
	if err != nil {
		return nil, headHash, err
	}

	if w > headWeight {
		fresh, _ := c.reorgTo(h)
		return fresh, h, nil
	}

	if alreadyKnown {
		return nil, headHash, nil
	}
	return []Hash{h}, headHash, nil
}

// GC drops block bodies that are deep enough below the canonical head
// that they can no longer be reorg targets, keeping headers. A
// conservative depth is used since this is advisory housekeeping, not a
// correctness requirement.
func (c *BlockChain) GC() {
	const keepDepth = 256

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.canonical) <= keepDepth {
		return
	}

	cutoff := len(c.canonical) - keepDepth
	for _, h := range c.canonical[:cutoff] {
		if n, ok := c.nodes[h]; ok {
			n.block.Transactions = nil
		}
	}
}
