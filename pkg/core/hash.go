package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const (
	hashBytes = 32
	addrBytes = 20
)

// Hash is the hash of a piece of RLP-encoded data.
type Hash [hashBytes]byte

// Addr is the address of an account, derived from its public key.
type Addr [addrBytes]byte

func (a Addr) String() string {
	return fmt.Sprintf("%x", a[:])
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// ParseAddr parses a hex-encoded address such as one passed on the
// command line, tolerating an optional "0x" prefix.
func ParseAddr(s string) Addr {
	return Addr(common.HexToAddress(s))
}

// Addr returns the address embedded in the tail of the hash.
func (h Hash) Addr() Addr {
	var addr Addr
	copy(addr[:], h[hashBytes-addrBytes:])
	return addr
}

// SHA3 hashes the concatenation of b.
func SHA3(b ...[]byte) Hash {
	d := sha3.New256()
	for _, e := range b {
		if _, err := d.Write(e); err != nil {
			// sha3.state.Write never errors
			panic(err)
		}
	}

	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}
