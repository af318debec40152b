// Package filters implements the installed-filter / user-watch
// notification registry named in spec.md §4.5 and §3: filters match
// logs against a block-range envelope and a bloom test, watches observe
// a filter id and accumulate delivered changes until polled.
package filters

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/subtly/cpp-ethereum-micro/pkg/core"
)

// blockBloomCacheSize bounds the aggregate-bloom memoization cache
// below, one entry per recently-tapped block.
const blockBloomCacheSize = 256

// Block-range envelope sentinels, mirroring "Pending"/"Latest" ranges.
const (
	Pending int64 = -2
	Latest  int64 = -1
)

// PendingChanged and ChainChanged are the reserved pseudo-filter ids of
// spec.md §3: watches referencing them receive a single marker entry
// rather than a matched log.
var (
	PendingChanged = core.SHA3([]byte("pseudo-filter:pending-changed"))
	ChainChanged   = core.SHA3([]byte("pseudo-filter:chain-changed"))
)

// Filter is an installed log filter: a block-range envelope plus an
// address/topic predicate, keyed by the content hash of that predicate.
type Filter struct {
	ID        core.Hash
	FromBlock int64
	ToBlock   int64
	Addresses []core.Addr
	Topics    []core.Hash

	// pendingChanges and chainChanges are kept apart rather than one
	// combined list so that NoteChanged can drain pending-receipt taps
	// before chain-reorg taps accumulated in the same cycle, per
	// spec.md §4.5's ordering guarantee, while still draining each in
	// its own recorded (FIFO) order.
	pendingChanges []core.Log
	chainChanges   []core.Log
}

// NewFilter builds a filter and derives its content-addressed id.
func NewFilter(fromBlock, toBlock int64, addresses []core.Addr, topics []core.Hash) *Filter {
	f := &Filter{FromBlock: fromBlock, ToBlock: toBlock, Addresses: addresses, Topics: topics}
	f.ID = f.hash()
	return f
}

func (f *Filter) hash() core.Hash {
	var buf []byte
	buf = append(buf, byte(f.FromBlock), byte(f.FromBlock>>8), byte(f.FromBlock>>16), byte(f.FromBlock>>24))
	buf = append(buf, byte(f.ToBlock), byte(f.ToBlock>>8), byte(f.ToBlock>>16), byte(f.ToBlock>>24))
	for _, a := range f.Addresses {
		buf = append(buf, a[:]...)
	}
	for _, t := range f.Topics {
		buf = append(buf, t[:]...)
	}
	return core.SHA3(buf)
}

// acceptsPending reports whether the filter's envelope covers a pending
// receipt about to land at blockNumber (head+1).
func (f *Filter) acceptsPending(blockNumber uint64) bool {
	if f.FromBlock == Pending {
		return true
	}
	return f.FromBlock >= 0 && uint64(f.FromBlock) <= blockNumber
}

// acceptsLatest reports whether the filter's envelope covers a newly
// canonical block at blockNumber.
func (f *Filter) acceptsLatest(blockNumber uint64) bool {
	if f.FromBlock == Pending {
		return false
	}

	from := f.FromBlock
	if from == Latest {
		from = int64(blockNumber)
	}
	to := f.ToBlock
	if to == Latest || to == Pending {
		to = int64(blockNumber)
	}

	return int64(blockNumber) >= from && int64(blockNumber) <= to
}

// matchesBloom reports whether bloom could contain a log this filter
// cares about; an empty predicate matches everything.
func (f *Filter) matchesBloom(bloom core.Bloom) bool {
	if len(f.Addresses) == 0 && len(f.Topics) == 0 {
		return true
	}
	for _, a := range f.Addresses {
		if bloom.Test(a[:]) {
			return true
		}
	}
	for _, t := range f.Topics {
		if bloom.Test(t[:]) {
			return true
		}
	}
	return false
}

// matches reports whether log satisfies this filter's address/topic
// predicate.
func (f *Filter) matches(l core.Log) bool {
	if len(f.Addresses) > 0 {
		found := false
		for _, a := range f.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Topics) == 0 {
		return true
	}
	for _, want := range f.Topics {
		for _, got := range l.Topics {
			if want == got {
				return true
			}
		}
	}
	return false
}

// NeverPolled is the "never garbage collected" LastPoll sentinel,
// mirroring the original's time_point::max() guard: GCWatches skips
// any watch whose LastPoll equals it, exempting an actively-peeked
// watch from the 20s idle timeout until its next consuming Poll.
var NeverPolled = time.Unix(1<<61, 0)

// Watch observes one filter id, accumulating delivered changes until
// Poll drains them.
type Watch struct {
	FilterID core.Hash
	LastPoll time.Time
	Changes  []core.Log
}

// Registry is the filter/watch notification subsystem.
type Registry struct {
	mu          sync.Mutex
	filters     map[core.Hash]*Filter
	watches     map[uint64]*Watch
	nextWatchID uint64

	// blockBloom memoizes each block's aggregate (OR'd) receipt bloom,
	// keyed by block hash, so that re-tapping the same block for many
	// filters need not re-derive the aggregate each time.
	blockBloom *lru.Cache
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	cache, err := lru.New(blockBloomCacheSize)
	if err != nil {
		panic(err)
	}
	return &Registry{
		filters:    make(map[core.Hash]*Filter),
		watches:    make(map[uint64]*Watch),
		blockBloom: cache,
	}
}

// aggregateBloom returns the OR of every receipt's bloom for block,
// computing and caching it on first use.
func (r *Registry) aggregateBloom(block *core.Block, receipts []*core.Receipt) core.Bloom {
	h := block.Hash()
	if v, ok := r.blockBloom.Get(h); ok {
		return v.(core.Bloom)
	}

	var agg core.Bloom
	for _, receipt := range receipts {
		for i := range agg {
			agg[i] |= receipt.Bloom[i]
		}
	}
	r.blockBloom.Add(h, agg)
	return agg
}

// Install registers f, returning its id. Installing the same predicate
// twice returns the existing id and does not reset its changes.
func (r *Registry) Install(f *Filter) core.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.filters[f.ID]; !ok {
		r.filters[f.ID] = f
	}
	return f.ID
}

// Uninstall removes a filter. Watches referencing it are left in place
// but will never receive further changes.
func (r *Registry) Uninstall(id core.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.filters, id)
}

// NewWatch creates a watch on filterID, returning its opaque id.
func (r *Registry) NewWatch(filterID core.Hash) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextWatchID++
	id := r.nextWatchID
	r.watches[id] = &Watch{FilterID: filterID, LastPoll: time.Now()}
	return id
}

// UninstallWatch removes a watch.
func (r *Registry) UninstallWatch(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, id)
}

// Poll drains and returns a watch's accumulated changes, resetting its
// last-poll time.
func (r *Registry) Poll(id uint64, now time.Time) []core.Log {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[id]
	if !ok {
		return nil
	}

	out := w.Changes
	w.Changes = nil
	w.LastPoll = now
	return out
}

// Peek returns a watch's accumulated changes without draining them,
// and marks the watch as actively observed so GCWatches exempts it
// until its next consuming Poll.
func (r *Registry) Peek(id uint64) []core.Log {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[id]
	if !ok {
		return nil
	}

	w.LastPoll = NeverPolled
	return w.Changes
}

// OnNewPendingReceipt taps every filter whose envelope accepts a
// pending receipt about to be mined at blockNumber, appending matched,
// localised logs to its change list (spec.md §4.5).
func (r *Registry) OnNewPendingReceipt(receipt *core.Receipt, txHash core.Hash, blockNumber uint64) []core.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []core.Hash
	for _, f := range r.filters {
		if !f.acceptsPending(blockNumber) {
			continue
		}

		var matched bool
		for _, l := range receipt.Logs {
			if !f.matches(l) {
				continue
			}
			localised := l
			localised.BlockNumber = blockNumber
			localised.TxHash = txHash
			f.pendingChanges = append(f.pendingChanges, localised)
			matched = true
		}
		if matched {
			changed = append(changed, f.ID)
		}
	}
	return changed
}

// OnNewCanonicalBlock taps every filter whose envelope and bloom test
// accept the block, appending matched, localised logs from each
// receipt (spec.md §4.5).
func (r *Registry) OnNewCanonicalBlock(block *core.Block, receipts []*core.Receipt) []core.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()

	number := block.Number()
	agg := r.aggregateBloom(block, receipts)

	var changed []core.Hash
	for _, f := range r.filters {
		if !f.acceptsLatest(number) {
			continue
		}
		if !f.matchesBloom(agg) {
			continue
		}

		var matched bool
		for _, receipt := range receipts {
			if !f.matchesBloom(receipt.Bloom) {
				continue
			}
			for _, l := range receipt.Logs {
				if !f.matches(l) {
					continue
				}
				localised := l
				localised.BlockNumber = number
				localised.TxHash = receipt.TxHash
				f.chainChanges = append(f.chainChanges, localised)
				matched = true
			}
		}
		if matched {
			changed = append(changed, f.ID)
		}
	}
	return changed
}

// NoteChanged drains every changed filter/pseudo-filter id into the
// watches observing it, under the single registry mutex (spec.md
// §4.5). Per-filter change lists are cleared only once drained.
func (r *Registry) NoteChanged(changedIDs []core.Hash) {
	if len(changedIDs) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changedSet := make(map[core.Hash]bool, len(changedIDs))
	for _, id := range changedIDs {
		changedSet[id] = true
	}

	for _, w := range r.watches {
		if !changedSet[w.FilterID] {
			continue
		}

		if w.FilterID == PendingChanged || w.FilterID == ChainChanged {
			w.Changes = append(w.Changes, core.Log{Address: w.FilterID.Addr()})
			continue
		}

		f, ok := r.filters[w.FilterID]
		if !ok {
			continue
		}
		// Pending-receipt taps drain before chain-reorg taps recorded
		// in the same cycle, regardless of which phase produced them.
		w.Changes = append(w.Changes, f.pendingChanges...)
		w.Changes = append(w.Changes, f.chainChanges...)
	}

	for _, id := range changedIDs {
		if f, ok := r.filters[id]; ok {
			f.pendingChanges = nil
			f.chainChanges = nil
		}
	}
}

// GCWatches uninstalls every watch whose last poll is finite and older
// than ttl as of now, returning the evicted watch ids (spec.md §4.6
// Phase F: "any whose lastPoll is finite and older than 20s is
// uninstalled"). A watch last touched by Peek rather than Poll carries
// the NeverPolled sentinel and is skipped.
func (r *Registry) GCWatches(now time.Time, ttl time.Duration) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []uint64
	for id, w := range r.watches {
		if w.LastPoll == NeverPolled {
			continue
		}
		if now.Sub(w.LastPoll) > ttl {
			evicted = append(evicted, id)
			delete(r.watches, id)
		}
	}
	return evicted
}
