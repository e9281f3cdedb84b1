package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odvcencio/parami/pkg/api"
	"github.com/odvcencio/parami/pkg/bus"
	"github.com/odvcencio/parami/pkg/config"
	"github.com/odvcencio/parami/pkg/content"
	"github.com/odvcencio/parami/pkg/kv"
	"github.com/odvcencio/parami/pkg/logging"
	"github.com/odvcencio/parami/pkg/model"
	"github.com/odvcencio/parami/pkg/notify"
	"github.com/odvcencio/parami/pkg/prefs"
	"github.com/odvcencio/parami/pkg/push"
	"github.com/odvcencio/parami/pkg/remote"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	args := os.Args[1:]
	for len(args) > 0 {
		switch args[0] {
		case "--config", "-config":
			if len(args) < 2 {
				fatal(errors.New("--config requires a path"))
			}
			configPath = args[1]
			args = args[2:]
			continue
		}
		break
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "--version", "-v", "version":
		fmt.Printf("parami %s (%s, built %s)\n", version, commit, buildDate)
	case "--help", "-h", "help":
		printUsage()
	case "serve":
		err = runServe(args[1:])
	case "sync":
		err = runSync(args[1:])
	case "today":
		err = runToday(args[1:])
	case "shuffle":
		err = runShuffle(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
}

func printUsage() {
	fmt.Print(`parami - daily rotating practice service

Usage:
  parami [--config path] <command>

Commands:
  serve      Run the API server with background sync and reminders
  sync       Force a content refresh and exit
  today      Print today's parami and its practices
  shuffle    Deal a fresh rotation and print the new selection
  version    Print version information
`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// offlineSource stands in when no remote base URL is configured; every
// sync attempt fails fast and the cache keeps serving bundled or
// previously fetched content.
type offlineSource struct{}

var errRemoteDisabled = errors.New("remote sync disabled: no base URL configured")

func (offlineSource) Metadata(ctx context.Context) (*model.RemoteMetadata, error) {
	return nil, errRemoteDisabled
}

func (offlineSource) Paramis(ctx context.Context) ([]model.Parami, error) {
	return nil, errRemoteDisabled
}

func (offlineSource) PracticeSets(ctx context.Context) (map[int][]model.PracticeEntry, error) {
	return nil, errRemoteDisabled
}

// app holds the wired service dependencies shared by all subcommands.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	store  kv.Store
	bus    bus.MessageBus
	cache  *content.Cache
	prefs  *prefs.Store
}

func initApp(ctx context.Context) (*app, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logDir, err := cfg.LogDir()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logDir)
	if err != nil {
		return nil, err
	}
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	dbPath, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}
	store, err := kv.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	var eventBus bus.MessageBus
	if cfg.Bus.NATSURL != "" {
		eventBus, err = bus.NewNATSBus(bus.Config{URL: cfg.Bus.NATSURL, Name: "parami"})
		if err != nil {
			return nil, err
		}
	} else {
		eventBus = bus.NewMemoryBus()
	}

	var source remote.Source = offlineSource{}
	if cfg.Remote.BaseURL != "" {
		source = remote.NewHTTPSource(cfg.Remote.BaseURL, &http.Client{Timeout: cfg.Remote.Timeout})
	}

	cache := content.New(store, source, content.Options{
		Bus:             eventBus,
		Logger:          logger,
		MinSyncInterval: cfg.Remote.MinSyncInterval,
	})

	prefsStore := prefs.NewStore(store, prefs.Options{Logger: logger})
	if err := prefsStore.Migrate(ctx); err != nil {
		logger.Warn(logging.CategoryStorage, "migrate_failed", "continuing with current record", map[string]any{
			"error": err.Error(),
		})
	}
	if err := seedPreferences(ctx, store, prefsStore, cfg); err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		bus:    eventBus,
		cache:  cache,
		prefs:  prefsStore,
	}, nil
}

// seedPreferences writes the configured reminder defaults on a fresh
// install. An existing record always wins.
func seedPreferences(ctx context.Context, store kv.Store, prefsStore *prefs.Store, cfg *config.Config) error {
	if _, err := store.Get(ctx, kv.KeyPreferences); !errors.Is(err, kv.ErrNotFound) {
		return nil
	}

	seeded := model.DefaultPreferences()
	if cfg.Notifications.Time != "" {
		seeded.NotificationTime = cfg.Notifications.Time
	}
	if cfg.Notifications.Enabled != nil {
		seeded.NotificationsEnabled = *cfg.Notifications.Enabled
	}
	return prefsStore.Save(ctx, seeded)
}

func (a *app) close() {
	a.bus.Close()
	a.store.Close()
	a.logger.Close()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bind := fs.String("bind", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.cache.Initialize(ctx)

	worker, err := push.NewWorker(a.store, &push.Config{
		Subject: a.cfg.Push.Subject,
		Bus:     a.bus,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	defer worker.Close()

	coordinator := notify.NewCoordinator(worker, a.cache, a.prefs, a.prefs, a.cache.Readiness(), notify.Options{
		Bus:    a.bus,
		Logger: a.logger,
	})
	worker.SetResolver(coordinator.CurrentPayload)
	if err := coordinator.Initialize(ctx); err != nil {
		a.logger.Warn(logging.CategoryNotify, "init_failed", "reminders unavailable", map[string]any{
			"error": err.Error(),
		})
	}

	address := a.cfg.API.Bind
	if *bind != "" {
		address = *bind
	}
	server := api.NewServer(api.ServerConfig{
		Address:     address,
		Cache:       a.cache,
		Prefs:       a.prefs,
		Coordinator: coordinator,
		PushWorker:  worker,
		Logger:      a.logger,
	})

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("parami listening on %s\n", address)
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runSync(args []string) error {
	ctx := context.Background()
	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.cache.Initialize(ctx)

	// Initialize detaches a background sync; let it drain so the
	// explicit refresh below is not dropped by the single-flight guard.
	if !awaitSyncIdle(a.cache, 30*time.Second) {
		return errors.New("timed out waiting for background sync")
	}
	if err := a.cache.ForceRefresh(ctx); err != nil {
		return err
	}
	fmt.Printf("content version %d (fetched %s)\n", a.cache.Version(), a.cache.LastFetched().Format(time.RFC3339))
	return nil
}

// awaitSyncIdle polls until no sync attempt is in flight, or the
// timeout expires.
func awaitSyncIdle(cache *content.Cache, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for cache.Syncing() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return true
}

func runToday(args []string) error {
	ctx := context.Background()
	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.cache.Initialize(ctx)
	id, err := a.prefs.TodayItemID(ctx)
	if err != nil {
		return err
	}
	printItem(ctx, a, id)
	return nil
}

func runShuffle(args []string) error {
	ctx := context.Background()
	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.cache.Initialize(ctx)
	id, err := a.prefs.Shuffle(ctx)
	if err != nil {
		return err
	}
	printItem(ctx, a, id)
	return nil
}

func printItem(ctx context.Context, a *app, id int) {
	item, ok := a.cache.Item(id)
	if !ok {
		fmt.Printf("Item %d\n", id)
		return
	}

	fmt.Printf("%s (%s)\n%s\n", item.Name, item.Pali, item.Summary)
	practices := a.cache.PracticeSet(id)
	if len(practices) > 0 {
		fmt.Println("\nPractices:")
		for _, p := range practices {
			fmt.Printf("  - %s\n", p.Title)
		}
	}
	preferences := a.prefs.Load(ctx)
	if custom := preferences.CustomPractices[id]; custom != "" {
		fmt.Printf("\nYour practice: %s\n", custom)
	}
}
