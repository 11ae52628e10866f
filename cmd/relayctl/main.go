package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"relayctl/internal/api"
	"relayctl/internal/config"
	"relayctl/internal/macro"
	"relayctl/internal/queue"
	"relayctl/internal/scheduler"
	"relayctl/internal/screen"
	"relayctl/internal/session"
	"relayctl/internal/worker"
)

// liveDelay draws its bounds from the config store on every wait, so a
// config reload changes pacing without a restart.
type liveDelay struct{ store *config.Store }

func (d liveDelay) Wait(ctx context.Context) error {
	min, max := d.store.Get().DelayBounds()
	return macro.UniformDelay{Min: min, Max: max}.Wait(ctx)
}

func main() {
	var (
		addr     = flag.String("addr", ":8080", "HTTP bind address")
		dbPath   = flag.String("db", "relayctl.db", "SQLite DB path")
		cfgPath  = flag.String("config", "relayctl.toml", "rig config file")
		debug    = flag.Bool("debug", false, "debug logging")
		staleAge = flag.Duration("stale-after", 5*time.Minute, "requeue items stuck in processing longer than this at startup")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	store := config.NewStore(cfg)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), *staleAge); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale processing items")
	}

	sess := session.NewManager(func() (session.Transport, error) {
		c := store.Get()
		return session.DialSerial(c.Serial.Port, c.Serial.Baud)
	}, session.Options{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sess.Open(ctx); err != nil {
		// Workers idle and retry Open themselves; don't die here.
		log.Error().Err(err).Msg("relay open failed, workers will retry")
	}

	monitor := screen.NewMonitor(screen.DisplayCapturer{}, screen.Tesseract{
		Binary: cfg.OCR.Binary,
		Lang:   cfg.OCR.Lang,
	})
	delay := liveDelay{store: store}
	seq := macro.NewSequencer(sess, delay,
		macro.Point{X: cfg.Macro.Origin.X, Y: cfg.Macro.Origin.Y}, cfg.MacroSteps())

	queueWorker := worker.NewQueueWorker(repo, sess, monitor, seq, delay, worker.QueueConfig{
		PollInterval:    time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		Region:          cfg.Region(),
		MonitorInterval: time.Duration(cfg.Screen.PollIntervalMs) * time.Millisecond,
		ChangeTimeout:   time.Duration(cfg.Screen.ChangeTimeoutSec) * time.Second,
		Hotkey:          cfg.Queue.Hotkey,
	})
	cycleWorker := worker.NewCycleWorker(sess, delay, store.CycleNames, worker.CycleConfig{
		Point1: macro.Point{X: cfg.Cycle.Point1.X, Y: cfg.Cycle.Point1.Y},
		Point2: macro.Point{X: cfg.Cycle.Point2.X, Y: cfg.Cycle.Point2.Y},
		Hotkey: cfg.Cycle.Hotkey,
	})
	sched := scheduler.NewService(repo, 30*time.Second, cfg.Queue.MaxAttempts)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(repo, sess, cfg.Queue.MaxAttempts)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queueWorker.Run(ctx) })
	g.Go(func() error { return cycleWorker.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return config.Watch(ctx, *cfgPath, store) })
	g.Go(func() error {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		sess.Close()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("worker failed")
	}
}
