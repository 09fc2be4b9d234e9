package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stafflow.org/internal/activity"
	"stafflow.org/internal/audit"
	"stafflow.org/internal/bus"
	"stafflow.org/internal/config"
	"stafflow.org/internal/fingerprint"
	"stafflow.org/internal/guard"
	"stafflow.org/internal/httpapi"
	"stafflow.org/internal/kvstore"
	"stafflow.org/internal/obs"
	"stafflow.org/internal/session"
)

var version = "0.3.1"

func main() {
	log.SetFlags(0)
	configPath := flag.String("config", config.DefaultPath(), "Path to guard.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Session.Secret == "" {
		log.Fatal("missing session secret: set session.secret or STAFFLOW_SESSION_SECRET")
	}

	obs.Init()

	store, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	auditOpts := []audit.Option{
		audit.WithMaxLogs(cfg.Audit.MaxLogs),
		audit.WithMaxPersisted(cfg.Audit.MaxPersisted),
		audit.WithOrigin(origin()),
	}
	var archive *audit.SQLiteArchive
	if cfg.Audit.ArchivePath != "" {
		archive, err = audit.OpenSQLiteArchive(cfg.Audit.ArchivePath)
		if err != nil {
			log.Fatalf("open audit archive: %v", err)
		}
		defer archive.Close()
		auditOpts = append(auditOpts, audit.WithSink(archive))
	}
	logs := audit.New(store, auditOpts...)
	logs.LoadPersisted(context.Background())

	g := guard.New(store, logs,
		guard.WithMaxAttempts(cfg.Guard.MaxAttempts),
		guard.WithLockoutDuration(time.Duration(cfg.Guard.LockoutMinutes)*time.Minute),
	)

	binder := fingerprint.NewBinder(fingerprint.Host{}, store)
	sessions, err := session.New(store, binder, logs, []byte(cfg.Session.Secret),
		session.WithTTL(time.Duration(cfg.Session.TTLMinutes)*time.Minute),
	)
	if err != nil {
		log.Fatalf("session validator: %v", err)
	}

	monitor := activity.New()

	// The daemon observes the bus for operator visibility: every typed
	// event becomes a structured log line.
	events := bus.New(store)
	defer events.Close()
	for _, typ := range []string{
		bus.TypeLeaveUpdate, bus.TypeAllocationUpdate,
		bus.TypeDataRefresh, bus.TypeUserAction,
	} {
		defer events.Subscribe(typ, func(ev bus.Event) {
			obs.LogEvent(map[string]any{
				"type":    "bus_event",
				"event":   ev.Type,
				"id":      ev.ID,
				"actor":   ev.OriginActorID,
				"payload": ev.Payload,
			})
		})()
	}

	logs.LogSystemEvent(context.Background(), "guardd_start", map[string]any{
		"version": version,
		"backend": cfg.Store.Backend,
	})

	api := httpapi.New(httpapi.Deps{
		Store:       store,
		Guard:       g,
		Audit:       logs,
		Sessions:    sessions,
		Monitor:     monitor,
		IdleTimeout: time.Duration(cfg.Session.IdleTimeoutMinutes) * time.Minute,
		WarningLead: time.Duration(cfg.Session.WarningLeadMinutes) * time.Minute,
		Version:     version,
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting stafflow-guard %s on %s (store: %s)", version, srv.Addr, cfg.Store.Backend)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	logs.LogSystemEvent(context.Background(), "guardd_stop", nil)
	log.Println("Stopped")
}

func openStore(cfg config.StoreConfig) (kvstore.Store, error) {
	switch strings.ToLower(cfg.Backend) {
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

func origin() string {
	host, err := os.Hostname()
	if err != nil {
		return "guardd"
	}
	return "guardd@" + host
}
