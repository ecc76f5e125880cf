package workload

import (
	"math/rand"
	"runtime"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"
)

// TransferValue is the amount moved by every generated transaction
// (0.001 ether).
func TransferValue() *uint256.Int {
	return uint256.NewInt(1_000_000_000_000_000)
}

// Config controls workload generation.
type Config struct {
	// NumAccounts is the total account population (at least 2).
	NumAccounts int
	// NumTransactions is the block size to generate.
	NumTransactions int
	// ConflictFactor tunes contention: 0.0 spreads transactions across the
	// whole population, 1.0 funnels them all through two hot accounts.
	ConflictFactor float64
	// Seed makes generation reproducible, including the signing keys.
	Seed uint64
	// ChainID is mixed into every transaction hash.
	ChainID uint64
}

func DefaultConfig() Config {
	return Config{
		NumAccounts:     1000,
		NumTransactions: 100,
		ConflictFactor:  0,
		Seed:            42,
		ChainID:         1,
	}
}

// Workload is a pre-generated block: accounts with signing keys and the
// ordered, pre-signed transactions to execute against them.
type Workload struct {
	Accounts     []Account
	Transactions []*SignedTransaction
	Config       Config
}

// Generate builds a deterministic workload from the configuration. Account
// keys, the pick of senders/recipients, and per-sender nonces depend only on
// the seed. Signing is deterministic too (RFC 6979), so it is fanned out
// over a goroutine pool without affecting reproducibility.
func Generate(cfg Config) (*Workload, error) {
	if cfg.NumAccounts < 2 {
		return nil, errors.Errorf("need at least 2 accounts, got %d", cfg.NumAccounts)
	}
	if cfg.ConflictFactor < 0 || cfg.ConflictFactor > 1 {
		return nil, errors.Errorf("conflict factor %f out of [0, 1]", cfg.ConflictFactor)
	}

	rng := rand.New(rand.NewSource(int64(cfg.Seed)))

	accounts := make([]Account, cfg.NumAccounts)
	for i := range accounts {
		accounts[i] = AccountFromSeed(cfg.Seed + uint64(i))
	}

	// Hot-account pool: at full conflict only two accounts are ever picked,
	// at zero conflict the pool is the whole population.
	hotAccounts := cfg.NumAccounts
	if cfg.ConflictFactor > 0 {
		hotAccounts = int(2.0 + (1.0-cfg.ConflictFactor)*float64(cfg.NumAccounts-2))
		if hotAccounts < 2 {
			hotAccounts = 2
		}
	}

	type draw struct {
		from  int
		to    int
		nonce uint64
	}
	draws := make([]draw, cfg.NumTransactions)
	nonces := make(map[int]uint64, cfg.NumAccounts)
	for i := range draws {
		pool := cfg.NumAccounts
		if rng.Float64() < cfg.ConflictFactor {
			pool = hotAccounts
		}
		from := rng.Intn(pool)
		to := rng.Intn(pool)
		for to == from {
			to = rng.Intn(pool)
		}
		draws[i] = draw{from: from, to: to, nonce: nonces[from]}
		nonces[from]++
	}

	transactions := make([]*SignedTransaction, cfg.NumTransactions)
	signers := runtime.NumCPU()
	if signers > cfg.NumTransactions {
		signers = cfg.NumTransactions
	}
	if signers < 1 {
		signers = 1
	}
	pool, err := ants.NewPool(signers)
	if err != nil {
		return nil, errors.Wrap(err, "signing pool")
	}
	defer pool.Release()

	var (
		wg      sync.WaitGroup
		signErr uatomic.Error
	)
	for i := range draws {
		i := i
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			d := draws[i]
			tx, err := NewSignedTransaction(accounts[d.from], accounts[d.to].Address, TransferValue(), d.nonce, cfg.ChainID)
			if err != nil {
				signErr.Store(err)
				return
			}
			transactions[i] = tx
		}); err != nil {
			wg.Done()
			return nil, errors.Wrap(err, "submit signing task")
		}
	}
	wg.Wait()

	if err := signErr.Load(); err != nil {
		return nil, err
	}
	return &Workload{
		Accounts:     accounts,
		Transactions: transactions,
		Config:       cfg,
	}, nil
}

// InitialState returns the pre-block ledger: every account funded with the
// initial balance at nonce zero.
func (w *Workload) InitialState() map[common.Address]AccountState {
	state := make(map[common.Address]AccountState, len(w.Accounts))
	for _, account := range w.Accounts {
		state[account.Address] = AccountState{Nonce: 0, Balance: *InitialBalance()}
	}
	return state
}
