// Package host models the peer-to-peer host as an external
// collaborator (spec.md §1, §6, §9): a capability is registered with
// it and a weak handle is returned, since the host may outlive or
// predecease the client independently.
package host

import (
	"sync"

	"github.com/subtly/cpp-ethereum-micro/pkg/core"
)

// Host is the peer-to-peer host interface consumed by the client.
type Host interface {
	SetNetworkID(id uint64)
	DownloadMan() DownloadManager
	IsSyncing() bool
	NoteNewTransactions()
	NoteNewBlocks()
	Reset()
}

// DownloadManager reports block-download back-pressure from the host.
type DownloadManager interface {
	IsBusy() bool
}

// Capability is the "Ethereum host" capability registered with the
// peer-to-peer host: it is constructed over the chain, tx queue, block
// queue and network id, and is what the host actually drives.
type Capability struct {
	Chain       ChainReader
	TxQueue     TxQueueReader
	BlockQueue  BlockQueueWriter
	NetworkID   uint64
}

// ChainReader is the chain surface a capability needs to answer peer
// requests.
type ChainReader interface {
	CurrentBlock() *core.Block
	GetBlock(h core.Hash) *core.Block
}

// TxQueueReader is the tx-queue surface a capability needs to answer
// peer requests.
type TxQueueReader interface {
	Pending() []*core.Transaction
}

// BlockQueueWriter is the block-queue surface a capability needs to
// accept blocks arriving from peers.
type BlockQueueWriter interface {
	Push(b *core.Block) bool
}

// NewCapability constructs the Ethereum host capability over the
// client's chain, tx queue and block queue.
func NewCapability(chain ChainReader, txQueue TxQueueReader, blockQueue BlockQueueWriter, networkID uint64) *Capability {
	return &Capability{Chain: chain, TxQueue: txQueue, BlockQueue: blockQueue, NetworkID: networkID}
}

// registry holds every registered host not yet unregistered, so that a
// WeakHandle can attempt to upgrade to a live Host without the host
// itself holding a reference back. Entries are removed on Unregister,
// modelling the host predeceasing the client.
var registry = struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]Host
}{live: make(map[uint64]Host)}

// WeakHandle is a non-owning reference to a registered host, per
// spec.md §9 ("a lookup(handle) → Option<Host> relation, not
// ownership").
type WeakHandle struct {
	id uint64
}

// RegisterCapability registers cap with host and returns a weak handle
// to it, the `registerCapability(capability) → weakHostHandle`
// operation of spec.md §6.
func RegisterCapability(h Host, cap *Capability) WeakHandle {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.next++
	id := registry.next
	registry.live[id] = h
	return WeakHandle{id: id}
}

// Upgrade attempts to resolve the weak handle to a live host. ok is
// false once the host has been unregistered (spec.md §7, "LostHost":
// dependent operations become no-ops).
func (w WeakHandle) Upgrade() (Host, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	h, ok := registry.live[w.id]
	return h, ok
}

// Unregister drops the host from the registry, as if it had predeceased
// the client; every WeakHandle referencing it fails to upgrade from
// this point on.
func (w WeakHandle) Unregister() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.live, w.id)
}
