package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"quotehub/internal/config"
	"quotehub/internal/quote"
	"quotehub/internal/watchlist"
)

const usage = `usage: watchlist [-config path] [-db path] <command> [flags]

commands:
  add    -owner u -class c -market m -symbol s [-name n]
  remove -owner u -class c -symbol s
  list   -owner u [-class c]
  owners
  keys
`

func main() {
	var configPath, dbPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.yaml or config.json (optional)")
	flag.StringVar(&dbPath, "db", "", "watchlist database path (defaults to watchlist.path from config)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if dbPath == "" {
		dbPath = cfg.Watchlist.Path
	}
	store, err := watchlist.Open(dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", dbPath, err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, store, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, store *watchlist.Store, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	owner := fs.String("owner", "default", "owner id")
	class := fs.String("class", "", "asset class")
	market := fs.String("market", "", "market tag")
	symbol := fs.String("symbol", "", "symbol")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "add":
		ac, err := quote.ParseAssetClass(*class)
		if err != nil {
			return err
		}
		entry, added, err := store.Add(ctx, *owner, quote.NewKey(ac, *market, *symbol), *name)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"entry": entry, "added": added})
	case "remove":
		ac, err := quote.ParseAssetClass(*class)
		if err != nil {
			return err
		}
		if err := store.Remove(ctx, *owner, ac, *symbol); err != nil {
			if errors.Is(err, watchlist.ErrNotFound) {
				return fmt.Errorf("%s:%s is not on %s's watchlist", ac, *symbol, *owner)
			}
			return err
		}
		return printJSON(map[string]any{"removed": true})
	case "list":
		var ac quote.AssetClass
		if *class != "" {
			parsed, err := quote.ParseAssetClass(*class)
			if err != nil {
				return err
			}
			ac = parsed
		}
		entries, err := store.List(ctx, *owner, ac)
		if err != nil {
			return err
		}
		return printJSON(entries)
	case "owners":
		owners, err := store.Owners(ctx)
		if err != nil {
			return err
		}
		return printJSON(owners)
	case "keys":
		keys, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k.String())
		}
		return printJSON(out)
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
