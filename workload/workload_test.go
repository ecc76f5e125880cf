package workload

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountFromSeedDeterministic(t *testing.T) {
	a := AccountFromSeed(7)
	b := AccountFromSeed(7)
	c := AccountFromSeed(8)

	assert.Equal(t, a.Address, b.Address)
	assert.NotEqual(t, a.Address, c.Address)
	assert.NotEqual(t, common.Address{}, a.Address)
}

func TestSignAndVerify(t *testing.T) {
	sender := AccountFromSeed(1)
	recipient := AccountFromSeed(2)

	tx, err := NewSignedTransaction(sender, recipient.Address, uint256.NewInt(100), 0, 1)
	require.NoError(t, err)

	assert.True(t, tx.Verify())
	recovered, err := tx.RecoverSigner()
	require.NoError(t, err)
	assert.Equal(t, sender.Address, recovered)

	// claiming a different sender breaks recovery
	forged := *tx
	forged.From = recipient.Address
	assert.False(t, forged.Verify())
}

func TestTxHashCoversAllFields(t *testing.T) {
	sender := AccountFromSeed(1)
	to := AccountFromSeed(2).Address

	base, err := NewSignedTransaction(sender, to, uint256.NewInt(100), 0, 1)
	require.NoError(t, err)

	otherNonce, err := NewSignedTransaction(sender, to, uint256.NewInt(100), 1, 1)
	require.NoError(t, err)
	otherChain, err := NewSignedTransaction(sender, to, uint256.NewInt(100), 0, 2)
	require.NoError(t, err)
	otherValue, err := NewSignedTransaction(sender, to, uint256.NewInt(101), 0, 1)
	require.NoError(t, err)

	assert.NotEqual(t, base.Hash, otherNonce.Hash)
	assert.NotEqual(t, base.Hash, otherChain.Hash)
	assert.NotEqual(t, base.Hash, otherValue.Hash)
}

func TestApplyTransfer(t *testing.T) {
	sender := AccountFromSeed(1)
	recipient := AccountFromSeed(2)

	state := map[common.Address]AccountState{
		sender.Address:    {Nonce: 0, Balance: *uint256.NewInt(1000)},
		recipient.Address: {Nonce: 3, Balance: *uint256.NewInt(50)},
	}
	read := func(addr common.Address) AccountState { return state[addr] }

	tx, err := NewSignedTransaction(sender, recipient.Address, uint256.NewInt(300), 0, 1)
	require.NoError(t, err)

	changes, err := ApplyTransfer(tx, read, true)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	assert.Equal(t, sender.Address, changes[0].Address)
	assert.Equal(t, uint64(1), changes[0].State.Nonce)
	assert.Equal(t, uint256.NewInt(700), &changes[0].State.Balance)

	assert.Equal(t, recipient.Address, changes[1].Address)
	assert.Equal(t, uint64(3), changes[1].State.Nonce)
	assert.Equal(t, uint256.NewInt(350), &changes[1].State.Balance)
}

func TestApplyTransferFailures(t *testing.T) {
	sender := AccountFromSeed(1)
	recipient := AccountFromSeed(2)

	state := map[common.Address]AccountState{
		sender.Address: {Nonce: 5, Balance: *uint256.NewInt(100)},
	}
	read := func(addr common.Address) AccountState { return state[addr] }

	badNonce, err := NewSignedTransaction(sender, recipient.Address, uint256.NewInt(10), 4, 1)
	require.NoError(t, err)
	_, err = ApplyTransfer(badNonce, read, false)
	assert.ErrorIs(t, err, ErrBadNonce)

	broke, err := NewSignedTransaction(sender, recipient.Address, uint256.NewInt(101), 5, 1)
	require.NoError(t, err)
	_, err = ApplyTransfer(broke, read, false)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	forged, err := NewSignedTransaction(sender, recipient.Address, uint256.NewInt(10), 5, 1)
	require.NoError(t, err)
	forged.From = recipient.Address
	_, err = ApplyTransfer(forged, read, true)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestApplyTransferSelfTransfer(t *testing.T) {
	sender := AccountFromSeed(1)

	state := map[common.Address]AccountState{
		sender.Address: {Nonce: 0, Balance: *uint256.NewInt(1000)},
	}
	read := func(addr common.Address) AccountState { return state[addr] }

	tx, err := NewSignedTransaction(sender, sender.Address, uint256.NewInt(400), 0, 1)
	require.NoError(t, err)

	changes, err := ApplyTransfer(tx, read, false)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, uint64(1), changes[0].State.Nonce)
	assert.Equal(t, uint256.NewInt(1000), &changes[0].State.Balance)
}

func TestGenerateDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumAccounts = 20
	cfg.NumTransactions = 50

	a, err := Generate(cfg)
	require.NoError(t, err)
	b, err := Generate(cfg)
	require.NoError(t, err)

	require.Len(t, a.Transactions, 50)
	require.Len(t, a.Accounts, 20)
	for i := range a.Transactions {
		assert.Equal(t, a.Transactions[i].Hash, b.Transactions[i].Hash)
		assert.Equal(t, a.Transactions[i].Sig, b.Transactions[i].Sig)
	}
}

func TestGenerateWellFormed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumAccounts = 10
	cfg.NumTransactions = 100
	cfg.ConflictFactor = 0.5

	w, err := Generate(cfg)
	require.NoError(t, err)

	addresses := make(map[common.Address]struct{}, len(w.Accounts))
	for _, account := range w.Accounts {
		addresses[account.Address] = struct{}{}
	}

	nonces := make(map[common.Address]uint64)
	for _, tx := range w.Transactions {
		assert.NotEqual(t, tx.From, tx.To)
		assert.Contains(t, addresses, tx.From)
		assert.Contains(t, addresses, tx.To)
		assert.Equal(t, nonces[tx.From], tx.Nonce)
		assert.True(t, tx.Verify())
		nonces[tx.From]++
	}
}

func TestGenerateFullConflictUsesTwoAccounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumAccounts = 100
	cfg.NumTransactions = 200
	cfg.ConflictFactor = 1

	w, err := Generate(cfg)
	require.NoError(t, err)

	touched := make(map[common.Address]struct{})
	for _, tx := range w.Transactions {
		touched[tx.From] = struct{}{}
		touched[tx.To] = struct{}{}
	}
	assert.Len(t, touched, 2)
}

func TestGenerateRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumAccounts = 1
	_, err := Generate(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.ConflictFactor = 1.5
	_, err = Generate(cfg)
	assert.Error(t, err)
}

func TestInitialState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumAccounts = 5
	cfg.NumTransactions = 0

	w, err := Generate(cfg)
	require.NoError(t, err)

	state := w.InitialState()
	require.Len(t, state, 5)
	for _, st := range state {
		assert.Equal(t, uint64(0), st.Nonce)
		assert.True(t, st.Balance.Eq(InitialBalance()))
	}
}
