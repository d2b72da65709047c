// Command paygatectl is an offline administration tool for the gating
// proxy's key store: it loads a snapshot file, applies one mutation, and
// writes the snapshot back. It never talks to a running server; for live
// administration use the /admin HTTP surface instead.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/paygate/mcpgate/internal/keystore"
	"github.com/paygate/mcpgate/internal/ledger"
	"github.com/paygate/mcpgate/internal/snapshot"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "create":
		runCreate(args)
	case "topup":
		runTopup(args)
	case "revoke":
		runRevoke(args)
	case "list":
		runList(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `paygatectl: offline key store administration

Usage:
  paygatectl create  -snapshot <path> -name <name> -credits <n> [-alias <alias>]
  paygatectl topup   -snapshot <path> -key <id>    -amount <n>  [-memo <text>]
  paygatectl revoke  -snapshot <path> -key <id>
  paygatectl list    -snapshot <path>`)
}

func loadStore(path string) (*keystore.KeyStore, error) {
	store := keystore.New(keystore.Options{Ledger: ledger.New(100)})
	if err := snapshot.Load(path, store); err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return store, nil
}

func saveStore(path string, store *keystore.KeyStore) error {
	w := snapshot.NewWriter(path, store, 0)
	return w.Flush()
}

func runCreate(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "path to snapshot file")
	name := fs.String("name", "", "account name")
	credits := fs.Int64("credits", 0, "initial credit balance")
	alias := fs.String("alias", "", "human-friendly alias")
	allowedTools := fs.String("allowed-tools", "", "comma-separated tool allowlist")
	fs.Parse(args)

	if *snapPath == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "create: -snapshot and -name are required")
		os.Exit(2)
	}

	store, err := loadStore(*snapPath)
	if err != nil {
		fatal(err)
	}

	params := keystore.CreateParams{Name: *name, Credits: *credits, Alias: *alias}
	if *allowedTools != "" {
		params.AllowedTools = strings.Split(*allowedTools, ",")
	}

	keyID, rec, err := store.Create(params)
	if err != nil {
		fatal(err)
	}
	if err := saveStore(*snapPath, store); err != nil {
		fatal(err)
	}

	snap := rec.Snapshot()
	fmt.Printf("created key %s (credits=%d)\n", keyID, snap.Credits)
}

func runTopup(args []string) {
	fs := flag.NewFlagSet("topup", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "path to snapshot file")
	keyID := fs.String("key", "", "key id")
	amount := fs.Int64("amount", 0, "credits to add")
	memo := fs.String("memo", "", "ledger memo")
	fs.Parse(args)

	if *snapPath == "" || *keyID == "" || *amount <= 0 {
		fmt.Fprintln(os.Stderr, "topup: -snapshot, -key, and a positive -amount are required")
		os.Exit(2)
	}

	store, err := loadStore(*snapPath)
	if err != nil {
		fatal(err)
	}

	balance, err := store.AddCredits(*keyID, *amount, *memo)
	if err != nil {
		fatal(err)
	}
	if err := saveStore(*snapPath, store); err != nil {
		fatal(err)
	}

	fmt.Printf("key %s balance is now %d\n", *keyID, balance)
}

func runRevoke(args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "path to snapshot file")
	keyID := fs.String("key", "", "key id")
	fs.Parse(args)

	if *snapPath == "" || *keyID == "" {
		fmt.Fprintln(os.Stderr, "revoke: -snapshot and -key are required")
		os.Exit(2)
	}

	store, err := loadStore(*snapPath)
	if err != nil {
		fatal(err)
	}
	if err := store.Revoke(*keyID); err != nil {
		fatal(err)
	}
	if err := saveStore(*snapPath, store); err != nil {
		fatal(err)
	}

	fmt.Printf("key %s revoked\n", *keyID)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "path to snapshot file")
	fs.Parse(args)

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "list: -snapshot is required")
		os.Exit(2)
	}

	store, err := loadStore(*snapPath)
	if err != nil {
		fatal(err)
	}

	for _, snap := range store.List() {
		fmt.Printf("%s\t%s\tcredits=%d\tactive=%t\n", snap.Key, snap.Name, snap.Credits, snap.Active)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "paygatectl: "+err.Error())
	os.Exit(1)
}
