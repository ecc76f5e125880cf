package workload

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Per-transaction failure reasons. These are outcomes, not engine errors: a
// failed transfer changes nothing and never affects other transactions.
var (
	ErrBadSignature        = errors.New("signature does not recover to sender")
	ErrBadNonce            = errors.New("nonce mismatch")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ApplyTransfer applies one transfer against the state visible through read
// and returns the resulting account updates in apply order. It is the single
// definition of transfer semantics, shared by the sequential baseline and
// the parallel executor so their outcomes are comparable byte for byte. It
// is a pure function of its reads.
func ApplyTransfer(tx *SignedTransaction, read func(common.Address) AccountState, verify bool) ([]StateChange, error) {
	if verify && !tx.Verify() {
		return nil, ErrBadSignature
	}

	sender := read(tx.From)
	if sender.Nonce != tx.Nonce {
		return nil, errors.Wrapf(ErrBadNonce, "account %s: have %d, tx %d", tx.From, sender.Nonce, tx.Nonce)
	}
	if sender.Balance.Lt(&tx.Value) {
		return nil, errors.Wrapf(ErrInsufficientBalance, "account %s: have %s, need %s", tx.From, sender.Balance.Dec(), tx.Value.Dec())
	}

	newSender := AccountState{Nonce: sender.Nonce + 1}
	newSender.Balance.Sub(&sender.Balance, &tx.Value)

	if tx.To == tx.From {
		// self transfer: the credit lands on the already debited state
		newSender.Balance.Add(&newSender.Balance, &tx.Value)
		return []StateChange{{Address: tx.From, State: newSender}}, nil
	}

	receiver := read(tx.To)
	newReceiver := AccountState{Nonce: receiver.Nonce}
	newReceiver.Balance.Add(&receiver.Balance, &tx.Value)

	return []StateChange{
		{Address: tx.From, State: newSender},
		{Address: tx.To, State: newReceiver},
	}, nil
}

// InitialBalance is what every generated account starts with (10^21 wei,
// 1000 ether).
func InitialBalance() *uint256.Int {
	return uint256.MustFromDecimal("1000000000000000000000")
}
