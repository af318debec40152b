// Package gasprice computes a recommended gas price from recent chain
// history, the Gas Pricer named in spec.md §4.2.
package gasprice

import (
	"math/big"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/subtly/cpp-ethereum-micro/pkg/core"
)

// windowSize is the maximum number of blocks walked back from the head
// when refreshing the octile histogram.
const windowSize = 1000

// Chain is the minimal chain surface the gas pricer needs.
type Chain interface {
	CurrentBlock() *core.Block
	GetBlock(h core.Hash) *core.Block
}

// Pricer recommends a gas price for newly-submitted transactions. It is
// polymorphic per spec.md §4.2: a basic variant derived from history, a
// trivial variant that ignores it.
type Pricer interface {
	Update(chain Chain)
	Price() uint64
	Octile(q int) uint64
}

// BasicPricer maintains nine octile thresholds over a sliding window of
// recent blocks, weighted by gas used.
type BasicPricer struct {
	mu      sync.Mutex
	octiles [9]uint64

	// blockCache memoizes each block's own (price -> gasUsed) bins,
	// keyed by block hash, so a block already seen in a previous
	// window walk need not be re-scanned transaction by transaction.
	blockCache *lru.Cache
}

// NewBasicPricer constructs a pricer with all octiles at zero until the
// first Update.
func NewBasicPricer() *BasicPricer {
	cache, err := lru.New(windowSize)
	if err != nil {
		panic(err)
	}
	return &BasicPricer{blockCache: cache}
}

// Update walks back at most windowSize blocks from chain's head, bins
// observed (gasPrice, gasUsed) pairs, and recomputes the nine octiles. If
// the window contains no transactions the previous octiles are kept.
func (p *BasicPricer) Update(chain Chain) {
	gasAtPrice := make(map[uint64]uint64)

	b := chain.CurrentBlock()
	for i := 0; b != nil && i < windowSize; i++ {
		h := b.Hash()
		bins, ok := p.blockCache.Get(h)
		if !ok {
			computed := make(map[uint64]uint64, len(b.Transactions))
			for _, tx := range b.Transactions {
				computed[gasPriceUint64(tx.GasPrice)] += tx.Gas
			}
			p.blockCache.Add(h, computed)
			bins = computed
		}
		for price, gas := range bins.(map[uint64]uint64) {
			gasAtPrice[price] += gas
		}

		if b.Header.ParentHash == (core.Hash{}) {
			break
		}
		b = chain.GetBlock(b.Header.ParentHash)
	}

	if len(gasAtPrice) == 0 {
		return
	}

	prices := make([]uint64, 0, len(gasAtPrice))
	for price := range gasAtPrice {
		prices = append(prices, price)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })

	var total uint64
	for _, price := range prices {
		total += gasAtPrice[price]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.octiles[0] = prices[0]
	p.octiles[8] = prices[len(prices)-1]

	var cumulative uint64
	idx := 0
	for q := 1; q <= 7; q++ {
		threshold := (total * uint64(q)) / 8
		for idx < len(prices) && cumulative < threshold {
			cumulative += gasAtPrice[prices[idx]]
			idx++
		}
		if idx == 0 {
			p.octiles[q] = prices[0]
		} else {
			p.octiles[q] = prices[idx-1]
		}
	}
}

// Price returns the median (fourth) octile as the recommended gas price.
func (p *BasicPricer) Price() uint64 {
	return p.Octile(4)
}

// Octile returns the q-th threshold, q in [0, 8].
func (p *BasicPricer) Octile(q int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.octiles[q]
}

func gasPriceUint64(v *big.Int) uint64 {
	if v == nil {
		return 0
	}
	return v.Uint64()
}

// TrivialPricer always recommends a fixed price, ignoring chain history.
type TrivialPricer struct {
	fixed uint64
}

// NewTrivialPricer constructs a pricer that always returns fixed.
func NewTrivialPricer(fixed uint64) *TrivialPricer {
	return &TrivialPricer{fixed: fixed}
}

func (p *TrivialPricer) Update(chain Chain) {}

func (p *TrivialPricer) Price() uint64 { return p.fixed }

func (p *TrivialPricer) Octile(q int) uint64 { return p.fixed }
