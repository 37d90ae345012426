package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"hearthwake.ai/internal/persistence/indexdb"
	persistlog "hearthwake.ai/internal/persistence/log"
	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/catalogs"
	"hearthwake.ai/internal/sim/town"
	"hearthwake.ai/internal/sim/tuning"
	"hearthwake.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		townFlag   = flag.String("town", "", "town id (default: reuse <data>/current_town or mint a new one)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to economy.yaml (default: <configs>/economy.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite history index")
		snapPath   = flag.String("snapshot", "", "path to snapshot to load (default: latest in data dir)")
		keepSnaps  = flag.Int("keep_snapshots", 48, "rotated snapshots to keep (0 keeps all)")
		remoteObs  = flag.Bool("observer_remote", envBool("HW_OBSERVER_REMOTE", false), "allow non-loopback observer clients")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "economy.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	townID, err := resolveTownID(*dataDir, *townFlag)
	if err != nil {
		logger.Fatalf("town id: %v", err)
	}
	townDir := filepath.Join(*dataDir, "towns", townID)
	if err := os.MkdirAll(townDir, 0o755); err != nil {
		logger.Fatalf("town dir: %v", err)
	}

	var (
		idx    *indexdb.SQLiteIndex
		reader *indexdb.Reader
	)
	if !*disableDB {
		dbPath := filepath.Join(townDir, "index", "town.sqlite")
		idx, err = indexdb.OpenSQLite(dbPath)
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalogs(cats, tune); err != nil {
			logger.Printf("index: upsert catalogs: %v", err)
		}
		reader, err = indexdb.OpenReader(dbPath)
		if err != nil {
			logger.Fatalf("open index reader: %v", err)
		}
		defer reader.Close()
	}

	tickLog := persistlog.NewTickLogger(townDir)
	eventLog := persistlog.NewEventLogger(townDir)
	defer tickLog.Close()
	defer eventLog.Close()

	snapCh := make(chan snapshot.SnapshotV1, 4)
	cfg := town.Config{
		ID:             townID,
		Tuning:         tune,
		Templates:      cats.Zones.Templates(),
		Milestones:     cats.Milestones.Defs,
		Tech:           cats.Tech.Nodes,
		CatalogDigests: cats.Digests(),
		Logger:         log.New(os.Stdout, "[town] ", log.LstdFlags|log.Lmicroseconds),
		TickLogger:     multiTickLogger{tickLog},
		EventLogger:    multiEventLogger{eventLog},
		SnapshotSink:   snapCh,
	}
	if idx != nil {
		cfg.TickLogger = multiTickLogger{tickLog, idx.TickWriter(townID)}
		cfg.EventLogger = multiEventLogger{eventLog, idx.EventWriter(townID)}
	}

	boot, err := bootTown(cfg, filepath.Join(townDir, "snapshots"), *snapPath, time.Now().UTC(), logger)
	if err != nil {
		logger.Fatalf("boot: %v", err)
	}
	tw := boot.Town

	ctx, cancel := signalContext()
	defer cancel()

	writer := &snapshotWriter{
		townDir: townDir,
		keep:    *keepSnaps,
		idx:     idx,
		logger:  log.New(os.Stdout, "[snapshot] ", log.LstdFlags),
		prev:    boot.Snapshot,
	}
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writer.Run(writerCtx, snapCh)
	}()

	obsSrv := observer.NewServer(tw, log.New(os.Stdout, "[observer] ", log.LstdFlags))
	obsSrv.AllowRemote = *remoteObs
	go func() { _ = obsSrv.Run(ctx) }()

	townDone := make(chan struct{})
	go func() {
		defer close(townDone)
		if err := tw.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("town stopped: %v", err)
		}
	}()

	a := &app{
		town:     tw,
		observer: obsSrv,
		idx:      idx,
		reader:   reader,
		snaps:    snapCh,
		logger:   logger,
		pprof:    envBool("HW_ENABLE_PPROF_HTTP", false),
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("town=%s listening on %s", townID, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}

	// The loop has exited, so this goroutine owns the town again.
	<-townDone
	stopWriter()
	<-writerDone
	final := tw.Snapshot(time.Now().UTC())
	if path, err := writer.Handle(final); err != nil {
		logger.Printf("final snapshot: %v", err)
	} else {
		logger.Printf("final snapshot %s at tick %s", filepath.Base(path), humanize.Comma(int64(final.Header.Tick)))
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
