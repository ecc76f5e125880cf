package main

import (
	"flag"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	accountsKey  = "accounts"
	txsKey       = "txs"
	seedKey      = "seed"
	chainIDKey   = "chain-id"
	verifyKey    = "verify"
	threadsKey   = "threads"
	conflictsKey = "conflicts"
	logLevelKey  = "log-level"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("db-test", flag.ContinueOnError)

	fs.Int(accountsKey, 1000, "number of accounts in the ledger")
	fs.Int(txsKey, 1000, "number of transactions per block")
	fs.Uint64(seedKey, 42, "workload generation seed")
	fs.Uint64(chainIDKey, 1, "chain id mixed into transaction hashes")
	fs.Bool(verifyKey, false, "verify ECDSA signatures during execution")
	fs.String(logLevelKey, "info", "log level (debug, info, warn, error)")

	return fs
}

// getViper binds the flag set plus the slice-valued pflags the stdlib flag
// package cannot express.
func getViper() (*viper.Viper, error) {
	v := viper.New()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.IntSlice(threadsKey, []int{1, 2, 4, 8}, "worker counts to benchmark")
	pflag.Float64Slice(conflictsKey, []float64{0, 0.5, 1}, "conflict factors to benchmark")
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	return v, nil
}
