// Package workload generates deterministic benchmark workloads: funded
// accounts with real secp256k1 keys, signed transfer transactions with a
// tunable conflict rate, and the transfer transition shared by every
// execution strategy.
package workload

import (
	"crypto/ecdsa"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Account is a keyed participant. The address is derived from the public key
// the same way Ethereum derives it, so signature recovery round-trips.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// AccountFromSeed derives a deterministic account: the private scalar is the
// Keccak-256 of the seed, re-hashed in the (practically unreachable) case the
// digest is not a valid scalar.
func AccountFromSeed(seed uint64) Account {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seed)

	digest := crypto.Keccak256(buf[:])
	for {
		key, err := crypto.ToECDSA(digest)
		if err == nil {
			return Account{
				PrivateKey: key,
				Address:    crypto.PubkeyToAddress(key.PublicKey),
			}
		}
		digest = crypto.Keccak256(digest)
	}
}

// AccountState is the ledger value under one address. Balance is held by
// value so states can be copied and shared across goroutines freely.
type AccountState struct {
	Nonce   uint64
	Balance uint256.Int
}

func (s AccountState) Equal(o AccountState) bool {
	return s.Nonce == o.Nonce && s.Balance.Eq(&o.Balance)
}

// StateChange is one account update produced by a transaction.
type StateChange struct {
	Address common.Address
	State   AccountState
}
