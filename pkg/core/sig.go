package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto/secp256k1"
)

// PK is a serialized secp256k1 public key.
type PK []byte

// SK is a serialized secp256k1 private key.
type SK []byte

// Sig is a serialized secp256k1 signature.
type Sig []byte

// RandKeyPair generates a fresh account key pair.
func RandKeyPair() (PK, SK) {
	key, err := ecdsa.GenerateKey(secp256k1.S256(), rand.Reader)
	if err != nil {
		panic(err)
	}

	pk := elliptic.Marshal(secp256k1.S256(), key.X, key.Y)
	return PK(pk), SK(math.PaddedBigBytes(key.D, 32))
}

// Addr derives the account address from the public key.
func (p PK) Addr() Addr {
	return SHA3(p).Addr()
}

// Sign signs msg, returning a recoverable signature.
func (s SK) Sign(msg []byte) Sig {
	h := SHA3(msg)
	sig, err := secp256k1.Sign(h[:], s)
	if err != nil {
		panic(err)
	}
	return Sig(sig)
}

// Verify checks that sig is msg signed by the holder of pk.
func (s Sig) Verify(msg []byte, pk PK) bool {
	if len(s) < 64 || len(pk) == 0 {
		return false
	}
	h := SHA3(msg)
	return secp256k1.VerifySignature(pk, h[:], s[:64])
}

// Recover recovers the public key that produced sig over msg.
func (s Sig) Recover(msg []byte) (PK, error) {
	h := SHA3(msg)
	pk, err := secp256k1.RecoverPubkey(h[:], s)
	if err != nil {
		return nil, err
	}
	return PK(pk), nil
}
