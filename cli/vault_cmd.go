package cli

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/scout-hq/scout/config"
	"github.com/scout-hq/scout/vault"
)

// kvFlags collects repeatable name=value flags.
type kvFlags map[string]string

func (f kvFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f kvFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	f[name] = value
	return nil
}

func openVault(dataDir string) (*vault.Vault, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	if dataDir == "" {
		dataDir = cfg.Server.DataDir
	}
	var opts []vault.Option
	if cfg.Server.CredsKey != "" {
		opts = append(opts, vault.WithMasterKey(cfg.Server.CredsKey))
	}
	opts = append(opts, vault.WithActor("cli"))
	return vault.Open(dataDir, opts...)
}

func runVault(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: scout vault <add|get|list|remove|rotate> [flags]")
		return 2
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("vault "+cmd, flag.ContinueOnError)
	var (
		dataDir  string
		id       string
		typ      string
		username string
		url      string
		notes    string
		keyB64   string
		secrets  = kvFlags{}
	)
	fs.StringVar(&dataDir, "data", "", "data directory (default from config)")
	switch cmd {
	case "add":
		fs.StringVar(&id, "id", "", "credential id")
		fs.StringVar(&typ, "type", "password", "credential type")
		fs.StringVar(&username, "username", "", "account name")
		fs.StringVar(&url, "url", "", "endpoint URL")
		fs.StringVar(&notes, "notes", "", "free-form notes")
		fs.Var(secrets, "secret", "secret field as name=value (repeatable)")
	case "get", "remove":
		fs.StringVar(&id, "id", "", "credential id")
	case "list":
		fs.StringVar(&typ, "type", "", "filter by credential type")
	case "rotate":
		fs.StringVar(&keyB64, "key", "", "new 32-byte master key, base64 (generated when omitted)")
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", cmd)
		return 2
	}
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	v, err := openVault(dataDir)
	if err != nil {
		return fail(err)
	}
	defer v.Close()

	switch cmd {
	case "add":
		if id == "" {
			fmt.Fprintln(os.Stderr, "Usage: scout vault add --id <id> [flags]")
			return 2
		}
		if len(secrets) == 0 {
			value, err := promptSecret("Secret value: ")
			if err != nil {
				return fail(err)
			}
			secrets["value"] = value
		}
		err = v.Add(vault.AddRequest{
			ID:       id,
			Type:     vault.CredentialType(typ),
			Username: username,
			URL:      url,
			Notes:    notes,
			Secrets:  map[string]string(secrets),
		})
		if err != nil {
			return fail(err)
		}
		fmt.Printf("stored credential %q\n", id)
	case "get":
		if id == "" {
			fmt.Fprintln(os.Stderr, "Usage: scout vault get --id <id>")
			return 2
		}
		dec, err := v.Get(id)
		if err != nil {
			return fail(err)
		}
		out, err := json.MarshalIndent(dec, "", "  ")
		if err != nil {
			return fail(err)
		}
		fmt.Println(string(out))
	case "list":
		metas := v.List(vault.CredentialType(typ))
		if len(metas) == 0 {
			fmt.Println("no credentials stored")
			return 0
		}
		fmt.Printf("%-24s %-12s %-20s %s\n", "ID", "TYPE", "USERNAME", "URL")
		for _, m := range metas {
			fmt.Printf("%-24s %-12s %-20s %s\n", m.ID, m.Type, m.Username, m.URL)
		}
	case "remove":
		if id == "" {
			fmt.Fprintln(os.Stderr, "Usage: scout vault remove --id <id>")
			return 2
		}
		if err := v.Remove(id); err != nil {
			return fail(err)
		}
		fmt.Printf("removed credential %q\n", id)
	case "rotate":
		var material []byte
		if keyB64 != "" {
			material, err = base64.StdEncoding.DecodeString(keyB64)
			if err != nil {
				return fail(fmt.Errorf("decoding key: %w", err))
			}
		}
		if err := v.RotateKey(material); err != nil {
			return fail(err)
		}
		fmt.Println("master key rotated")
	}
	return 0
}

// promptSecret reads a secret without echo on a terminal, or a single
// line from piped stdin.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		value, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return string(value), nil
	}
	var value string
	if _, err := fmt.Fscanln(os.Stdin, &value); err != nil {
		return "", fmt.Errorf("reading secret from stdin: %w", err)
	}
	return value, nil
}
