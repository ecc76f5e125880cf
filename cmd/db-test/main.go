// Command db-test benchmarks the parallel block executor against the
// sequential baseline over a synthetic transfer workload, sweeping worker
// counts and conflict factors, and checks that both produce identical final
// ledgers.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/meyer9/db-test/executor"
	"github.com/meyer9/db-test/workload"
)

func main() {
	if err := run(); err != nil {
		log.Error("run failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	v, err := getViper()
	if err != nil {
		return errors.Wrap(err, "parse flags")
	}

	lvl, err := log.LvlFromString(v.GetString(logLevelKey))
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	threads := v.GetIntSlice(threadsKey)
	conflicts, err := pflag.CommandLine.GetFloat64Slice(conflictsKey)
	if err != nil {
		return errors.Wrap(err, "conflict factors")
	}
	verify := v.GetBool(verifyKey)

	cfg := workload.DefaultConfig()
	cfg.NumAccounts = v.GetInt(accountsKey)
	cfg.NumTransactions = v.GetInt(txsKey)
	cfg.Seed = v.GetUint64(seedKey)
	cfg.ChainID = v.GetUint64(chainIDKey)

	fmt.Printf("%-36s %-9s %11s %8s %10s %8s\n",
		"executor", "conflict", "successful", "aborts", "ms", "tx/s")

	for _, conflict := range conflicts {
		cfg.ConflictFactor = conflict
		log.Info("generating workload",
			"accounts", cfg.NumAccounts,
			"txs", cfg.NumTransactions,
			"conflict", conflict,
			"seed", cfg.Seed)
		w, err := workload.Generate(cfg)
		if err != nil {
			return errors.Wrap(err, "generate workload")
		}
		initial := w.InitialState()

		baseline, err := runOne(executor.NewSequential(verify), initial, w, conflict)
		if err != nil {
			return err
		}

		for _, n := range threads {
			state, err := runOne(executor.NewBlockSTM(n, verify), initial, w, conflict)
			if err != nil {
				return err
			}
			if !statesEqual(baseline, state) {
				return errors.Errorf("final state diverged from sequential baseline (threads=%d, conflict=%f)", n, conflict)
			}
		}
	}
	return nil
}

func runOne(e executor.Executor, initial map[common.Address]workload.AccountState, w *workload.Workload, conflict float64) (map[common.Address]workload.AccountState, error) {
	start := time.Now()
	state, res, err := e.Execute(initial, w)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", e.Name())
	}
	took := time.Since(start)

	tps := float64(res.Total()) / took.Seconds()
	fmt.Printf("%-36s %-9.2f %11d %8d %10.2f %8.0f\n",
		e.Name(), conflict, res.Successful, res.Aborts,
		float64(took.Microseconds())/1000.0, tps)
	return state, nil
}

func statesEqual(a, b map[common.Address]workload.AccountState) bool {
	if len(a) != len(b) {
		return false
	}
	for addr, st := range a {
		other, ok := b[addr]
		if !ok || !st.Equal(other) {
			return false
		}
	}
	return true
}
