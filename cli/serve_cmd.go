package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/scout-hq/scout/auth"
	"github.com/scout-hq/scout/cmdb"
	"github.com/scout-hq/scout/config"
	"github.com/scout-hq/scout/discovery"
	"github.com/scout-hq/scout/log"
	"github.com/scout-hq/scout/modules"
	"github.com/scout-hq/scout/plugin"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/server"
	"github.com/scout-hq/scout/transport"
	"github.com/scout-hq/scout/vault"
	"github.com/scout-hq/scout/watch"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var (
		configPath  string
		mode        string
		dataDir     string
		pluginsRoot string
		amqpURL     string
		listenAddr  string
	)
	fs.StringVar(&configPath, "config", "", "path to the YAML config file")
	fs.StringVar(&mode, "transport", "", "transport mode: stdio, http, both, amqp")
	fs.StringVar(&dataDir, "data", "", "data directory override")
	fs.StringVar(&pluginsRoot, "plugins", "", "plugins root override")
	fs.StringVar(&amqpURL, "amqp-url", "", "AMQP broker URL override")
	fs.StringVar(&listenAddr, "listen", "", "HTTP listen address override")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fail(err)
	}
	if mode != "" {
		cfg.Server.Transport = config.TransportMode(mode)
	}
	if dataDir != "" {
		cfg.Server.DataDir = dataDir
	}
	if pluginsRoot != "" {
		cfg.Server.PluginsRoot = pluginsRoot
	}
	if amqpURL != "" {
		cfg.AMQP.URL = amqpURL
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSON: cfg.Log.JSON})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		return fail(err)
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	store, err := cmdb.Open(filepath.Join(cfg.Server.DataDir, "cmdb.db"), cmdb.Options{
		AutoSave:         cfg.Memory.AutoSave,
		AutoSaveInterval: cfg.Memory.AutoSaveInterval,
	})
	if err != nil {
		return fmt.Errorf("opening cmdb: %w", err)
	}
	defer store.Close()

	var vaultOpts []vault.Option
	if cfg.Server.CredsKey != "" {
		vaultOpts = append(vaultOpts, vault.WithMasterKey(cfg.Server.CredsKey))
	}
	vlt, err := vault.Open(cfg.Server.DataDir, vaultOpts...)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer vlt.Close()

	reg := registry.New()
	engine := discovery.New(reg, modules.All(reg, store, vlt), cfg.Server.ModuleRoots...)

	watchOpts := []watch.Option{}
	if len(cfg.Server.ModuleRoots) > 0 {
		watchOpts = append(watchOpts, watch.WithRoots(cfg.Server.ModuleRoots...))
	}
	watcher, err := watch.New(engine, watchOpts...)
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer watcher.Close()

	keyring, err := plugin.LoadKeyring(cfg.Plugin.PublicKeys)
	if err != nil {
		return fmt.Errorf("loading trusted keys: %w", err)
	}
	mgr := plugin.NewManager(cfg.Server.PluginsRoot, reg,
		plugin.Policy{RequireSignature: cfg.Plugin.RequireSignature}, keyring, nil)

	srv := server.New(server.Options{
		Config:   cfg,
		Registry: reg,
		CMDB:     store,
		Vault:    vlt,
		Plugins:  mgr,
		Engine:   engine,
		Watcher:  watcher,
		Version:  version,
	})
	defer srv.Close()

	if err := srv.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	limiter := transport.NewSessionLimiter(cfg.Limits.SessionRPS, cfg.Limits.SessionBurst)
	transports, err := buildTransports(srv, cfg, limiter)
	if err != nil {
		return err
	}

	log.Logger.Info().
		Str("transport", string(cfg.Server.Transport)).
		Str("version", version).
		Msg("scout serving")

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		t := t
		g.Go(func() error { return t.Start(ctx) })
	}
	err = g.Wait()
	for _, t := range transports {
		t.Close()
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Logger.Info().Msg("scout stopped")
	return nil
}

func buildTransports(srv *server.Server, cfg *config.Config, limiter *transport.SessionLimiter) ([]transport.Transport, error) {
	middleware := auth.New(cfg.OAuth, cfg.Production())
	httpTransport := func() transport.Transport {
		return transport.NewHTTP(srv, transport.HTTPOptions{
			Addr:       cfg.Server.ListenAddr,
			ServerName: server.Name,
			Version:    version,
			Limiter:    limiter,
			Middleware: middleware.Wrap,
			Metadata:   auth.MetadataHandler(cfg.OAuth, cfg.Server.URL),
		})
	}

	switch cfg.Server.Transport {
	case config.TransportStdio:
		return []transport.Transport{transport.NewStdio(srv)}, nil
	case config.TransportHTTP:
		return []transport.Transport{httpTransport()}, nil
	case config.TransportBoth:
		return []transport.Transport{transport.NewStdio(srv), httpTransport()}, nil
	case config.TransportAMQP:
		return []transport.Transport{transport.NewAMQP(srv, transport.AMQPOptions{
			URL:                  cfg.AMQP.URL,
			Exchange:             cfg.AMQP.Exchange,
			QueuePrefix:          cfg.AMQP.QueuePrefix,
			MaxReconnectAttempts: cfg.AMQP.MaxReconnectAttempts,
			Limiter:              limiter,
		})}, nil
	default:
		return nil, fmt.Errorf("invalid transport mode %q", cfg.Server.Transport)
	}
}
