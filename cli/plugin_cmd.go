package cli

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scout-hq/scout/plugin"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/sdk"
)

func runPlugin(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: scout plugin <list|validate|init> [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		return runPluginList(args[1:])
	case "validate":
		return runPluginValidate(args[1:])
	case "init":
		return runPluginInit(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown plugin command: %s\n", args[0])
		return 2
	}
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("plugin list", flag.ContinueOnError)
	var root string
	fs.StringVar(&root, "root", "plugins", "plugins root directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	mgr := plugin.NewManager(root, registry.New(), plugin.Policy{}, plugin.NewKeyring(), nil)
	infos := mgr.Discover()
	if len(infos) == 0 {
		fmt.Println("no plugins found")
		return 0
	}

	fmt.Printf("%-28s %-10s %-12s %-7s %s\n", "ID", "CATEGORY", "STATE", "SIGNED", "ERROR")
	for _, info := range infos {
		signed := "no"
		if info.Signed {
			signed = "yes"
		}
		fmt.Printf("%-28s %-10s %-12s %-7s %s\n",
			info.ID, info.Category, info.State, signed, info.LastError)
	}
	return 0
}

func runPluginValidate(args []string) int {
	fs := flag.NewFlagSet("plugin validate", flag.ContinueOnError)
	var (
		requireSignature bool
		keyPaths         string
	)
	fs.BoolVar(&requireSignature, "require-signature", false, "refuse unsigned plugins")
	fs.StringVar(&keyPaths, "keys", "", "comma-separated trusted public key files")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: scout plugin validate [flags] <plugin-dir>")
		return 2
	}
	dir := fs.Arg(0)

	keyring := plugin.NewKeyring()
	if keyPaths != "" {
		var err error
		keyring, err = plugin.LoadKeyring(strings.Split(keyPaths, ","))
		if err != nil {
			return fail(err)
		}
	}

	if err := sdk.Verify(dir, sdk.VerifyPolicy{
		RequireSignature: requireSignature,
		Keyring:          keyring,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	fmt.Printf("%s is valid\n", dir)
	return 0
}

func runPluginInit(args []string) int {
	fs := flag.NewFlagSet("plugin init", flag.ContinueOnError)
	var (
		dir      string
		name     string
		ver      string
		entry    string
		policy   string
		signKey  string
		generate bool
	)
	fs.StringVar(&dir, "dir", "", "plugin directory to create (default: the plugin name)")
	fs.StringVar(&name, "name", "", "plugin name")
	fs.StringVar(&ver, "plugin-version", "0.1.0", "plugin version (strict semver)")
	fs.StringVar(&entry, "entry", "main.js", "entry point inside dist/")
	fs.StringVar(&policy, "policy", plugin.PolicyBundledOnly, "dependencies policy: bundled-only or none")
	fs.StringVar(&signKey, "sign-key", "", "PEM private key to sign the manifest with")
	fs.BoolVar(&generate, "keygen", false, "generate a signing key pair next to the plugin")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "Usage: scout plugin init --name <name> [flags]")
		return 2
	}
	if dir == "" {
		dir = name
	}

	var priv ed25519.PrivateKey
	switch {
	case signKey != "":
		var err error
		priv, err = sdk.LoadPrivateKey(signKey)
		if err != nil {
			return fail(err)
		}
	case generate:
		parent := filepath.Dir(dir)
		privPath, pubPath, err := sdk.WriteKeyPair(parent, name+"-signing")
		if err != nil {
			return fail(err)
		}
		priv, err = sdk.LoadPrivateKey(privPath)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Wrote signing keys %s and %s\n", privPath, pubPath)
	}

	m, err := sdk.Scaffold(dir, name, ver, sdk.ScaffoldOptions{
		Entry:  entry,
		Policy: policy,
		Key:    priv,
	})
	if err != nil {
		return fail(err)
	}
	fmt.Printf("Created plugin %s in %s/ (dist hash %s)\n", m.ID(), dir, m.Dist.Hash)
	return 0
}
