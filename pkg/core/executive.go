package core

import (
	"errors"
	"math/big"
)

// ErrInsufficientBalance is returned when a transaction's sender cannot
// cover value + gasPrice*gas.
var ErrInsufficientBalance = errors.New("insufficient balance for transfer and gas")

// ErrNonceMismatch is returned when a transaction's nonce does not match
// the sender account's current nonce, including for a dead-block
// transaction replayed against a chain that has since moved the
// sender's account forward.
var ErrNonceMismatch = errors.New("transaction nonce does not match account nonce")

// Executive runs a single transaction against a state, in place of the
// EVM executive named as an external collaborator in spec.md §1. It is
// the minimal stand-in that lets the Work Cycle (§4.6) and Call Interface
// (§4.7) be exercised end-to-end.
type Executive interface {
	Run(state *State, tx *Transaction, header *Header) (*Receipt, error)
	// RunAs executes tx as if sent by sender, bypassing signature
	// recovery. Used for speculative calls (spec.md §4.7) where the
	// caller supplies "from" directly rather than a signed transaction.
	RunAs(state *State, tx *Transaction, header *Header, sender Addr) (*Receipt, error)
}

// SimpleExecutive charges gas at a flat rate and performs a value
// transfer from the sender to the recipient. Contract creation (To ==
// nil) stores Data as the recipient account's code without executing it.
type SimpleExecutive struct{}

// NewSimpleExecutive constructs the default executive.
func NewSimpleExecutive() *SimpleExecutive { return &SimpleExecutive{} }

func (e *SimpleExecutive) Run(state *State, tx *Transaction, header *Header) (*Receipt, error) {
	sender, err := tx.Sender()
	if err != nil {
		return nil, err
	}
	return e.RunAs(state, tx, header, sender)
}

func (e *SimpleExecutive) RunAs(state *State, tx *Transaction, header *Header, sender Addr) (*Receipt, error) {
	from := state.Account(sender)

	if tx.Nonce != from.Nonce() {
		return &Receipt{TxHash: tx.Hash(), Status: false, GasUsed: tx.Gas}, ErrNonceMismatch
	}

	gasCost := new(big.Int).Mul(tx.GasPrice, new(big.Int).SetUint64(tx.Gas))
	total := new(big.Int).Add(gasCost, valueOf(tx.Value))

	if from.Balance().Cmp(total) < 0 {
		return &Receipt{TxHash: tx.Hash(), Status: false, GasUsed: tx.Gas}, ErrInsufficientBalance
	}

	from.SubBalance(total)
	from.SetNonce(from.Nonce() + 1)

	receipt := &Receipt{TxHash: tx.Hash(), Status: true, GasUsed: tx.Gas}

	if tx.To != nil {
		to := state.Account(*tx.To)
		to.AddBalance(valueOf(tx.Value))
		receipt.Logs = append(receipt.Logs, Log{
			Address: *tx.To,
			TxHash:  tx.Hash(),
		})
	} else {
		addr := contractAddr(sender, tx.Nonce)
		code := state.Account(addr)
		code.AddBalance(valueOf(tx.Value))
		code.SetNonce(1)
		if len(tx.Data) > 0 {
			code.code = tx.Data
			code.dirty = true
		}
		receipt.Logs = append(receipt.Logs, Log{Address: addr, TxHash: tx.Hash()})
	}

	for i := range receipt.Logs {
		receipt.Logs[i].TxHash = tx.Hash()
		receipt.Bloom.Add(receipt.Logs[i].Address[:])
	}

	return receipt, nil
}

func valueOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func contractAddr(sender Addr, nonce uint64) Addr {
	b := make([]byte, len(sender)+8)
	copy(b, sender[:])
	for i := 0; i < 8; i++ {
		b[len(sender)+i] = byte(nonce >> (8 * uint(i)))
	}
	return SHA3(b).Addr()
}
