// Command kvtier-cli is a small operational tool for inspecting and
// administering a Block Store directly, outside of a running host
// runtime: print usage stats, or force-remove a sequence's blocks.
//
// grafana-tempo's cmd/ tools are Kong-based; this one is deliberately
// stdlib flag-based instead (see DESIGN.md) since the command surface
// here is two subcommands with scalar flags, not tempo-cli's nested
// subcommand tree.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/go-kit/log"

	"github.com/databloom/kvtier/blockstore"
	"github.com/databloom/kvtier/kvtierconfig"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(os.Stderr)

	switch os.Args[1] {
	case "stats":
		runStats(logger, os.Args[2:])
	case "remove-seq":
		runRemoveSeq(logger, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kvtier-cli <stats|remove-seq> -config <path> [args]")
}

func openStore(logger log.Logger, configPath string) (*blockstore.Store, error) {
	cfg, err := kvtierconfig.Load(configPath)
	if err != nil {
		return nil, err
	}
	return blockstore.Open(blockstore.Config{
		LocalPath:         cfg.LocalPath,
		RemotePath:        cfg.RemotePath,
		LocalBudgetBytes:  cfg.LocalBudgetBytes,
		RemoteBudgetBytes: cfg.RemoteBudgetBytes,
		Compress:          cfg.Compress,
		Logger:            logger,
	})
}

func runStats(logger log.Logger, args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to kvtier config YAML")
	fs.Parse(args)

	store, err := openStore(logger, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer store.Close()

	stats := store.Stats()
	fmt.Printf("local:  %d blocks, %d bytes\n", stats.LocalCount, stats.LocalBytes)
	fmt.Printf("remote: %d blocks, %d bytes\n", stats.RemoteCount, stats.RemoteBytes)
}

func runRemoveSeq(logger log.Logger, args []string) {
	fs := flag.NewFlagSet("remove-seq", flag.ExitOnError)
	configPath := fs.String("config", "", "path to kvtier config YAML")
	seqFlag := fs.String("seq", "", "sequence id to remove")
	fs.Parse(args)

	seq, err := strconv.ParseInt(*seqFlag, 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -seq:", err)
		os.Exit(2)
	}

	store, err := openStore(logger, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.RemoveSeq(seq); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("removed sequence %d\n", seq)
}
