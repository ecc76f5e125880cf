package workload

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// SignedTransaction is a value transfer signed by the sender. The hash
// covers (from, to, value, nonce, chain id); the signature is the 65-byte
// [R || S || V] form produced by secp256k1 recovery-enabled signing.
type SignedTransaction struct {
	From  common.Address
	To    common.Address
	Value uint256.Int
	Nonce uint64
	Sig   []byte
	Hash  common.Hash
}

// NewSignedTransaction builds and signs a transfer from account to the given
// recipient.
func NewSignedTransaction(account Account, to common.Address, value *uint256.Int, nonce, chainID uint64) (*SignedTransaction, error) {
	hash := txHash(account.Address, to, value, nonce, chainID)
	sig, err := crypto.Sign(hash[:], account.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	return &SignedTransaction{
		From:  account.Address,
		To:    to,
		Value: *value,
		Nonce: nonce,
		Sig:   sig,
		Hash:  hash,
	}, nil
}

// RecoverSigner derives the sender address from the signature. This is the
// expensive per-transaction operation the parallel executors amortize across
// workers.
func (tx *SignedTransaction) RecoverSigner() (common.Address, error) {
	pub, err := crypto.SigToPub(tx.Hash[:], tx.Sig)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether the signature recovers to the claimed sender.
func (tx *SignedTransaction) Verify() bool {
	recovered, err := tx.RecoverSigner()
	return err == nil && recovered == tx.From
}

func txHash(from, to common.Address, value *uint256.Int, nonce, chainID uint64) common.Hash {
	data := make([]byte, 0, 20+20+32+8+8)
	data = append(data, from.Bytes()...)
	data = append(data, to.Bytes()...)
	v := value.Bytes32()
	data = append(data, v[:]...)
	data = binary.BigEndian.AppendUint64(data, nonce)
	data = binary.BigEndian.AppendUint64(data, chainID)
	return crypto.Keccak256Hash(data)
}
