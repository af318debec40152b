package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashEngineSealsBelowTarget(t *testing.T) {
	e := NewHashEngine()
	h := &Header{Number: 1, Difficulty: 4}

	nonce, mix, ok := e.Seal(h, nil)
	assert.True(t, ok)

	h.Nonce = nonce
	h.MixDigest = mix
	assert.True(t, e.Verify(h))
}

func TestHashEngineSealAborts(t *testing.T) {
	e := NewHashEngine()
	h := &Header{Number: 1, Difficulty: 1 << 62}

	abort := make(chan struct{})
	close(abort)

	_, _, ok := e.Seal(h, abort)
	assert.False(t, ok)
}

func TestHashEngineRejectsTamperedSeal(t *testing.T) {
	e := NewHashEngine()
	// A low difficulty would give a tampered nonce a non-negligible
	// chance of independently hashing below target, flaking the test;
	// at this difficulty that chance is about one in 65,536, while
	// sealing still takes well under a second.
	h := &Header{Number: 1, Difficulty: 1 << 16}

	nonce, mix, ok := e.Seal(h, nil)
	assert.True(t, ok)

	h.Nonce = nonce + 1
	h.MixDigest = mix
	assert.False(t, e.Verify(h))
}

func TestStubEngineAlwaysSeals(t *testing.T) {
	e := NewStubEngine()
	h := &Header{Number: 1, Difficulty: 1 << 62}

	_, _, ok := e.Seal(h, nil)
	assert.True(t, ok)
	assert.True(t, e.Verify(h))
}
