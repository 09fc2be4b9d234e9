package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"stafflow.org/internal/audit"
	"stafflow.org/internal/bus"
	"stafflow.org/internal/config"
	"stafflow.org/internal/guard"
	"stafflow.org/internal/kvstore"
)

// guardctl pokes at the shared guard store from the command line:
// inspect the audit tail, show and clear lockouts, broadcast a
// data-refresh to open app contexts.

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "audit":
		runAudit(os.Args[2:])
	case "lockout":
		runLockout(os.Args[2:])
	case "publish-refresh":
		runPublishRefresh(os.Args[2:])
	default:
		usage()
	}
}

func runAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to guard.toml")
	actor := fs.String("actor", "", "Filter by actor id")
	action := fs.String("action", "", "Filter by action")
	resource := fs.String("resource", "", "Filter by resource")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, logs := openAudit(ctx, *configPath)
	defer store.Close()

	entries := logs.Query(audit.Filter{
		ActorID:  *actor,
		Action:   *action,
		Resource: *resource,
	})
	if len(entries) == 0 {
		fmt.Println("no audit entries")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %-24s %-12s actor=%s resource=%s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.ID[:12], e.ActorID, e.Resource)
	}
	fmt.Printf("%d entries\n", len(entries))
}

func runLockout(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: guardctl lockout show|reset <account> [flags]")
		os.Exit(1)
	}
	sub, account := args[0], args[1]

	fs := flag.NewFlagSet("lockout", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to guard.toml")
	_ = fs.Parse(args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, store := openStore(*configPath)
	defer store.Close()

	logs := audit.New(store,
		audit.WithMaxLogs(cfg.Audit.MaxLogs),
		audit.WithMaxPersisted(cfg.Audit.MaxPersisted),
		audit.WithOrigin("guardctl"),
	)
	logs.LoadPersisted(ctx)
	g := guard.New(store, logs,
		guard.WithMaxAttempts(cfg.Guard.MaxAttempts),
		guard.WithLockoutDuration(time.Duration(cfg.Guard.LockoutMinutes)*time.Minute),
	)

	switch sub {
	case "show":
		st := g.Status(ctx, account)
		fmt.Printf("account:   %s\n", account)
		fmt.Printf("state:     %s\n", st.State)
		fmt.Printf("attempts:  %d\n", st.Attempts)
		if st.RemainingLockout > 0 {
			fmt.Printf("remaining: %s\n", st.RemainingLockout.Round(time.Second))
		}
	case "reset":
		g.Reset(ctx, account)
		fmt.Printf("lockout cleared for %s\n", account)
	default:
		fmt.Fprintf(os.Stderr, "unknown lockout subcommand %q\n", sub)
		os.Exit(1)
	}
}

func runPublishRefresh(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: guardctl publish-refresh <scope> [flags]")
		os.Exit(1)
	}
	scope := args[0]

	fs := flag.NewFlagSet("publish-refresh", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "Path to guard.toml")
	_ = fs.Parse(args[1:])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, store := openStore(*configPath)
	defer store.Close()

	events := bus.New(store)
	defer events.Close()

	ev := events.PublishDataRefresh(ctx, scope)
	// The transient key lives for about a second; wait it out so sibling
	// processes see the write before this one exits.
	time.Sleep(2 * time.Second)
	fmt.Printf("published %s %s (scope %s)\n", ev.Type, ev.ID, scope)
}

func openStore(configPath string) (config.Config, kvstore.Store) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	store, err := open(cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	return cfg, store
}

func openAudit(ctx context.Context, configPath string) (kvstore.Store, *audit.Store) {
	cfg, store := openStore(configPath)
	logs := audit.New(store,
		audit.WithMaxLogs(cfg.Audit.MaxLogs),
		audit.WithMaxPersisted(cfg.Audit.MaxPersisted),
		audit.WithOrigin("guardctl"),
	)
	logs.LoadPersisted(ctx)
	return store, logs
}

func open(cfg config.StoreConfig) (kvstore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return kvstore.NewMemory(), nil
	case "file":
		return kvstore.NewFile(cfg.Path)
	case "postgres":
		return kvstore.OpenPostgres(cfg.PostgresDSN)
	case "redis":
		return kvstore.OpenRedis(cfg.RedisAddr)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command>

commands:
  audit [-actor id] [-action name] [-resource name]   print the audit tail
  lockout show <account>                              show lockout state
  lockout reset <account>                             clear a lockout
  publish-refresh <scope>                             broadcast a data refresh
`, os.Args[0])
	os.Exit(1)
}
