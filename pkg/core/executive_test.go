package core

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/stretchr/testify/assert"
)

func TestSimpleExecutiveTransfersValue(t *testing.T) {
	state := NewState(ethdb.NewMemDatabase())
	pk, sk := RandKeyPair()

	sender := pk.Addr()
	state.Account(sender).AddBalance(big.NewInt(100000))

	var to Addr
	to[0] = 0x42

	tx := &Transaction{Nonce: 0, GasPrice: big.NewInt(2), Gas: 21000, To: &to, Value: big.NewInt(100)}
	tx.SignWith(sk)

	exec := NewSimpleExecutive()
	receipt, err := exec.Run(state, tx, &Header{})
	assert.NoError(t, err)
	assert.True(t, receipt.Status)

	wantSenderBalance := big.NewInt(100000 - 100 - 2*21000)
	assert.Equal(t, wantSenderBalance, state.Account(sender).Balance())
	assert.Equal(t, big.NewInt(100), state.Account(to).Balance())
	assert.Equal(t, uint64(1), state.Account(sender).Nonce())
	assert.True(t, receipt.Bloom.Test(to[:]))
}

func TestSimpleExecutiveRejectsInsufficientBalance(t *testing.T) {
	state := NewState(ethdb.NewMemDatabase())
	pk, sk := RandKeyPair()
	sender := pk.Addr()
	state.Account(sender).AddBalance(big.NewInt(10))

	var to Addr
	to[0] = 0x42

	tx := &Transaction{Nonce: 0, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(0)}
	tx.SignWith(sk)

	exec := NewSimpleExecutive()
	receipt, err := exec.Run(state, tx, &Header{})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.False(t, receipt.Status)
}

func TestSimpleExecutiveCreatesContract(t *testing.T) {
	state := NewState(ethdb.NewMemDatabase())
	pk, sk := RandKeyPair()
	sender := pk.Addr()
	state.Account(sender).AddBalance(big.NewInt(100000))

	tx := &Transaction{Nonce: 0, GasPrice: big.NewInt(1), Gas: 21000, Value: big.NewInt(0), Data: []byte{0x60, 0x00}}
	tx.SignWith(sk)

	exec := NewSimpleExecutive()
	receipt, err := exec.Run(state, tx, &Header{})
	assert.NoError(t, err)
	assert.Len(t, receipt.Logs, 1)

	created := state.Account(receipt.Logs[0].Address)
	assert.Equal(t, []byte{0x60, 0x00}, created.Code())
}
