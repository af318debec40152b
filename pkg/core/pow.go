package core

import (
	"encoding/binary"
	"math/big"
)

// PowEngine seals and verifies block headers, standing in for the
// proof-of-work engine named as an external collaborator in spec.md §1
// ("hashing, verification").
type PowEngine interface {
	// Seal searches for a nonce/mixDigest pair satisfying the header's
	// difficulty, returning ok=false if abort is closed first.
	Seal(h *Header, abort <-chan struct{}) (nonce uint64, mixDigest Hash, ok bool)
	// Verify reports whether the header's seal satisfies its difficulty.
	Verify(h *Header) bool
}

// target returns the maximum seal hash (interpreted as a big-endian
// integer) allowed at the given difficulty.
func target(difficulty uint64) *big.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Div(max, new(big.Int).SetUint64(difficulty))
}

func nonceBytes(nonce uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, nonce)
	return b
}

// sealHashBelowTarget hashes the header's nonce-independent seal hash
// together with the candidate nonce and mix digest, so the result
// actually varies across nonces, and checks it against the header's
// difficulty target.
func sealHashBelowTarget(h *Header, nonce uint64, mixDigest Hash) bool {
	sealHash := h.SealHash()
	hash := SHA3(sealHash[:], nonceBytes(nonce), mixDigest[:])

	var v big.Int
	v.SetBytes(hash[:])
	return v.Cmp(target(h.Difficulty)) <= 0
}

// HashEngine is a lightweight proof-of-work: repeated SHA3 hashing of
// the sealed header below a difficulty target. It stands in for ethash
// (explicitly out of scope, spec.md §1) while still making §4.4's
// "repeatedly attempts proofs ... until isComplete()" meaningful.
type HashEngine struct{}

// NewHashEngine constructs the default proof-of-work engine.
func NewHashEngine() *HashEngine { return &HashEngine{} }

func (e *HashEngine) Seal(h *Header, abort <-chan struct{}) (uint64, Hash, bool) {
	sealHash := h.SealHash()
	for nonce := uint64(0); ; nonce++ {
		select {
		case <-abort:
			return 0, Hash{}, false
		default:
		}

		mix := SHA3(sealHash[:], nonceBytes(nonce))
		if sealHashBelowTarget(h, nonce, mix) {
			return nonce, mix, true
		}
	}
}

func (e *HashEngine) Verify(h *Header) bool {
	return sealHashBelowTarget(h, h.Nonce, h.MixDigest)
}

// StubEngine completes on the very first attempt regardless of
// difficulty, used to make mining deterministic and instantaneous in
// tests (spec.md §8, scenario 2: "stub proof-of-work to complete
// immediately").
type StubEngine struct{}

// NewStubEngine constructs a proof-of-work engine that always succeeds
// immediately.
func NewStubEngine() *StubEngine { return &StubEngine{} }

func (e *StubEngine) Seal(h *Header, abort <-chan struct{}) (uint64, Hash, bool) {
	select {
	case <-abort:
		return 0, Hash{}, false
	default:
	}
	return 0, SHA3(h.Encode(false)), true
}

func (e *StubEngine) Verify(h *Header) bool { return true }
