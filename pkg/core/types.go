package core

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/rlp"
)

// Bloom is a fixed-size probabilistic set used to cheaply reject blocks
// that cannot possibly contain logs matching a filter (the "bloom test"
// of the filter/watch registry).
type Bloom [256]byte

func bloomBit(topic []byte) (byteIdx int, bitMask byte) {
	h := SHA3(topic)
	byteIdx = (int(h[0])<<8 | int(h[1])) % len(Bloom{})
	bitMask = 1 << (h[2] % 8)
	return
}

// Add records topic (an address or a log topic) in the bloom filter.
func (b *Bloom) Add(topic []byte) {
	i, mask := bloomBit(topic)
	b[i] |= mask
}

// Test reports whether topic might be present; false negatives never
// occur, false positives are expected.
func (b Bloom) Test(topic []byte) bool {
	i, mask := bloomBit(topic)
	return b[i]&mask != 0
}

// Header is a block header.
type Header struct {
	ParentHash Hash
	Number     uint64
	Time       uint64
	GasLimit   uint64
	GasUsed    uint64
	Coinbase   Addr
	StateRoot  Hash
	TxRoot     Hash
	ReceiptRoot Hash
	Bloom      Bloom
	Difficulty uint64
	Nonce      uint64
	MixDigest  Hash
	Extra      []byte
}

// Encode returns the RLP encoding of the header. When sealed is false the
// proof-of-work fields are zeroed, producing the hash the miner seals
// against.
func (h *Header) Encode(sealed bool) []byte {
	en := *h
	if !sealed {
		en.Nonce = 0
		en.MixDigest = Hash{}
	}

	b, err := rlp.EncodeToBytes(&en)
	if err != nil {
		panic(err)
	}
	return b
}

// Hash returns the canonical hash of the sealed header.
func (h *Header) Hash() Hash {
	return SHA3(h.Encode(true))
}

// SealHash returns the hash a proof-of-work engine seals against.
func (h *Header) SealHash() Hash {
	return SHA3(h.Encode(false))
}

// Transaction is a signed value transfer / contract call.
type Transaction struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *Addr
	Value    *big.Int
	Data     []byte
	Sig      Sig

	hash   atomic.Value
	sender atomic.Value
}

type txRLP struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *Addr `rlp:"nil"` // nil means contract creation
	Value    *big.Int
	Data     []byte
	Sig      Sig
}

// Encode returns the RLP encoding of the transaction. When signed is
// false the signature is omitted, producing the payload that gets signed.
func (tx *Transaction) Encode(signed bool) []byte {
	en := txRLP{
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		Gas:      tx.Gas,
		To:       tx.To,
		Value:    tx.Value,
		Data:     tx.Data,
	}
	if signed {
		en.Sig = tx.Sig
	}

	b, err := rlp.EncodeToBytes(&en)
	if err != nil {
		panic(err)
	}
	return b
}

// DecodeTransaction decodes an RLP-encoded, signed transaction.
func DecodeTransaction(b []byte) (*Transaction, error) {
	var en txRLP
	if err := rlp.DecodeBytes(b, &en); err != nil {
		return nil, err
	}

	return &Transaction{
		Nonce:    en.Nonce,
		GasPrice: en.GasPrice,
		Gas:      en.Gas,
		To:       en.To,
		Value:    en.Value,
		Data:     en.Data,
		Sig:      en.Sig,
	}, nil
}

// Hash returns the transaction's content-addressed hash, caching the
// result.
func (tx *Transaction) Hash() Hash {
	if h := tx.hash.Load(); h != nil {
		return h.(Hash)
	}
	h := SHA3(tx.Encode(true))
	tx.hash.Store(h)
	return h
}

// SignWith signs the transaction with sk, setting Sig.
func (tx *Transaction) SignWith(sk SK) {
	tx.Sig = sk.Sign(tx.Encode(false))
}

// Sender recovers and caches the sender address from the signature.
func (tx *Transaction) Sender() (Addr, error) {
	if s := tx.sender.Load(); s != nil {
		return s.(Addr), nil
	}

	pk, err := tx.Sig.Recover(tx.Encode(false))
	if err != nil {
		return Addr{}, err
	}

	addr := pk.Addr()
	tx.sender.Store(addr)
	return addr, nil
}

// Log is a localised event log, matching spec.md's "localised log entry".
type Log struct {
	Address     Addr
	Topics      []Hash
	Data        []byte
	BlockNumber uint64
	TxHash      Hash
	TxIndex     uint32
	Removed     bool
}

// Receipt is the outcome of running a single transaction.
type Receipt struct {
	TxHash  Hash
	Status  bool
	GasUsed uint64
	Logs    []Log
	Bloom   Bloom
}

// Block is a sealed header plus its transaction list.
type Block struct {
	Header       *Header
	Transactions []*Transaction
}

// Hash returns the block's hash, which is its header's hash.
func (b *Block) Hash() Hash { return b.Header.Hash() }

// Number returns the block's height.
func (b *Block) Number() uint64 { return b.Header.Number }

type blockRLP struct {
	Header *Header
	Txs    []*txRLP
}

// Encode returns the RLP encoding of the whole block.
func (b *Block) Encode() []byte {
	txs := make([]*txRLP, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = &txRLP{
			Nonce: tx.Nonce, GasPrice: tx.GasPrice, Gas: tx.Gas,
			To: tx.To, Value: tx.Value, Data: tx.Data, Sig: tx.Sig,
		}
	}

	en := blockRLP{Header: b.Header, Txs: txs}
	out, err := rlp.EncodeToBytes(&en)
	if err != nil {
		panic(err)
	}
	return out
}

// DecodeBlock decodes an RLP-encoded block, as produced by a sealed
// miner task (spec.md §4.4's "blockData()").
func DecodeBlock(raw []byte) (*Block, error) {
	var en blockRLP
	if err := rlp.DecodeBytes(raw, &en); err != nil {
		return nil, err
	}

	txs := make([]*Transaction, len(en.Txs))
	for i, t := range en.Txs {
		txs[i] = &Transaction{
			Nonce: t.Nonce, GasPrice: t.GasPrice, Gas: t.Gas,
			To: t.To, Value: t.Value, Data: t.Data, Sig: t.Sig,
		}
	}

	return &Block{Header: en.Header, Transactions: txs}, nil
}
