package core

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	log "github.com/helinwang/log15"
)

// accountRLP is the RLP representation of an account stored in the state
// trie, keyed by address.
type accountRLP struct {
	Nonce   uint64
	Balance *big.Int
	Code    []byte
}

// Account is a cached, mutable proxy onto the state trie's account
// record, in the style of a write-back cache: reads pull from the trie
// once, writes stay local until commitCache flushes them back.
type Account struct {
	state *State
	addr  Addr

	loaded  bool
	nonce   uint64
	balance *big.Int
	code    []byte
	dirty   bool
}

func (a *Account) load() {
	if a.loaded {
		return
	}
	a.loaded = true

	b := a.state.trie.Get(a.addr[:])
	if len(b) == 0 {
		a.balance = new(big.Int)
		return
	}

	var rec accountRLP
	if err := rlp.DecodeBytes(b, &rec); err != nil {
		log.Error("corrupt account record", "addr", a.addr, "err", err)
		a.balance = new(big.Int)
		return
	}

	a.nonce = rec.Nonce
	a.balance = rec.Balance
	a.code = rec.Code
}

// Nonce returns the account's current nonce.
func (a *Account) Nonce() uint64 {
	a.load()
	return a.nonce
}

// SetNonce sets the account's nonce.
func (a *Account) SetNonce(n uint64) {
	a.load()
	a.nonce = n
	a.dirty = true
}

// Balance returns the account's current balance.
func (a *Account) Balance() *big.Int {
	a.load()
	return new(big.Int).Set(a.balance)
}

// AddBalance credits amt to the account's balance.
func (a *Account) AddBalance(amt *big.Int) {
	a.load()
	a.balance.Add(a.balance, amt)
	a.dirty = true
}

// SubBalance debits amt from the account's balance.
func (a *Account) SubBalance(amt *big.Int) {
	a.load()
	a.balance.Sub(a.balance, amt)
	a.dirty = true
}

// Code returns the account's associated code, if any.
func (a *Account) Code() []byte {
	a.load()
	return a.code
}

func (a *Account) commit() {
	if !a.dirty {
		return
	}

	b, err := rlp.EncodeToBytes(&accountRLP{Nonce: a.nonce, Balance: a.balance, Code: a.code})
	if err != nil {
		panic(err)
	}

	a.state.trie.Update(a.addr[:], b)
	a.dirty = false
}

// State is the account state over the overlay database: a snapshot of
// balances/nonces committed to a patricia trie, shared copy-on-write
// across clones (spec.md §9, "cheap overlay handoff").
type State struct {
	diskDB ethdb.Database
	db     *trie.Database

	mu      sync.Mutex
	trie    *trie.Trie
	cache   map[Addr]*Account
}

// NewState opens the state trie at its zero (empty) root.
func NewState(diskDB ethdb.Database) *State {
	s, err := NewStateAt(Hash{}, diskDB)
	if err != nil {
		// the empty root always exists
		panic(err)
	}
	return s
}

// NewStateAt reopens the state trie at the given root, as required by
// preMine.sync(chain) reseating to the current head (spec.md §3).
func NewStateAt(root Hash, diskDB ethdb.Database) (*State, error) {
	db := trie.NewDatabase(diskDB)
	t, err := trie.New(common.Hash(root), db)
	if err != nil {
		return nil, err
	}

	return &State{
		diskDB: diskDB,
		db:     db,
		trie:   t,
		cache:  make(map[Addr]*Account),
	}, nil
}

// Account returns the cached account proxy for addr, creating an empty
// one on first access.
func (s *State) Account(addr Addr) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.cache[addr]; ok {
		return a
	}

	a := &Account{state: s, addr: addr}
	s.cache[addr] = a
	return a
}

// commitCache flushes every cached account's dirty fields into the trie.
// Must be called with s.mu held.
func (s *State) commitCache() {
	for _, a := range s.cache {
		a.commit()
	}
}

// Commit flushes the account cache and persists the trie, returning the
// new state root.
func (s *State) Commit() (Hash, error) {
	s.mu.Lock()
	s.commitCache()
	root, err := s.trie.Commit(nil)
	s.mu.Unlock()
	if err != nil {
		return Hash{}, err
	}

	if err := s.db.Commit(root, false); err != nil {
		return Hash{}, err
	}

	return Hash(root), nil
}

// Hash returns the state root without persisting anything, after
// flushing the in-memory account cache (used by speculative states that
// are never committed, e.g. postMine between cycles).
func (s *State) Hash() Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCache()
	return Hash(s.trie.Hash())
}

// FromPending replays the first n entries of pending (an ordered list
// of already-applied transactions, capped at len(pending)) onto a
// clone of s using exec, stopping short and returning an error if any
// replay fails. It implements the `fromPending(i)` State operation:
// "materialises the state just before the i-th pending transaction".
func (s *State) FromPending(n int, pending []*Transaction, exec Executive, header *Header) (*State, error) {
	clone := s.Clone()
	if n > len(pending) {
		n = len(pending)
	}
	for _, tx := range pending[:n] {
		if _, err := exec.Run(clone, tx, header); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// Clone returns an independent State sharing the same underlying trie
// database (copy-on-write at the node level, per spec.md §9) so that
// mutating the clone never affects s.
func (s *State) Clone() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitCache()

	// a shallow copy of the trie value shares the underlying node
	// database (content-addressed, so this is safe) but has its own
	// root pointer, giving copy-on-write semantics.
	clonedTrie := *s.trie
	return &State{
		diskDB: s.diskDB,
		db:     s.db,
		trie:   &clonedTrie,
		cache:  make(map[Addr]*Account),
	}
}
