package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/scout-hq/scout/cmdb"
	"github.com/scout-hq/scout/config"
)

func openCMDB(dataDir string) (*cmdb.CMDB, error) {
	if dataDir == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		dataDir = cfg.Server.DataDir
	}
	// One-shot commands flush explicitly; no auto-save loop.
	return cmdb.Open(filepath.Join(dataDir, "cmdb.db"), cmdb.Options{})
}

func runMemory(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: scout memory <get|set|query|stats> [flags]")
		return 2
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("memory "+cmd, flag.ContinueOnError)
	var (
		dataDir string
		key     string
		value   string
		pattern string
	)
	fs.StringVar(&dataDir, "data", "", "data directory (default from config)")
	switch cmd {
	case "get":
		fs.StringVar(&key, "key", "", "configuration item key")
	case "set":
		fs.StringVar(&key, "key", "", "configuration item key")
		fs.StringVar(&value, "value", "", "item value as JSON (plain strings accepted)")
	case "query":
		fs.StringVar(&pattern, "pattern", "*", "key pattern, * wildcard only")
	case "stats":
	default:
		fmt.Fprintf(os.Stderr, "unknown memory command: %s\n", cmd)
		return 2
	}
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	store, err := openCMDB(dataDir)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	switch cmd {
	case "get":
		if key == "" {
			fmt.Fprintln(os.Stderr, "Usage: scout memory get --key <key>")
			return 2
		}
		v, ok := store.Get(key)
		if !ok {
			fmt.Fprintf(os.Stderr, "no item under key %q\n", key)
			return 1
		}
		return printJSON(v)
	case "set":
		if key == "" {
			fmt.Fprintln(os.Stderr, "Usage: scout memory set --key <key> --value <json>")
			return 2
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		if err := store.Set(key, parsed); err != nil {
			return fail(err)
		}
		if err := store.Save(context.Background()); err != nil {
			return fail(err)
		}
		fmt.Printf("stored %q\n", key)
	case "query":
		matches, err := store.Query(pattern)
		if err != nil {
			return fail(err)
		}
		return printJSON(matches)
	case "stats":
		return printJSON(store.Stats())
	}
	return 0
}

func printJSON(v any) int {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail(err)
	}
	fmt.Println(string(out))
	return 0
}
