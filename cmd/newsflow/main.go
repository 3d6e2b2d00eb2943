package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"newsflow/internal/api"
	"newsflow/internal/batch"
	"newsflow/internal/content"
	"newsflow/internal/fetch"
	"newsflow/internal/generate"
	"newsflow/internal/jobs"
	"newsflow/internal/ratelimit"
	"newsflow/internal/schedule"
	"newsflow/internal/task"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "HTTP bind address")
		dbPath      = flag.String("db", "newsflow.db", "SQLite DB path")
		poll        = flag.Duration("poll", time.Minute, "dispatcher poll interval")
		retention   = flag.Duration("retention", 24*time.Hour, "terminal task retention horizon")
		fetchTO     = flag.Duration("fetch-timeout", 30*time.Second, "per-fetch network timeout")
		genEndpoint = flag.String("generate-endpoint", os.Getenv("NEWSFLOW_GENERATE_ENDPOINT"), "text generation endpoint URL")
		genModel    = flag.String("generate-model", "default", "text generation model name")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := schedule.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schedule schema")
	}
	if err := content.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure content schema")
	}

	registry := task.NewRegistry(*retention)
	store := schedule.NewSQLiteStore(db)

	var generator generate.Client = generate.Disabled{}
	if *genEndpoint != "" {
		generator = generate.NewHTTPClient(*genEndpoint, *genModel, 2*time.Minute)
	} else {
		log.Warn().Msg("no generation endpoint configured; enrichment and reports will be unavailable")
	}

	deps := jobs.Deps{
		Fetcher:   fetch.NewHTTPFetcher(*fetchTO, 2<<20),
		Generator: generator,
		Content:   content.NewSQLiteStore(db),
		FetchExec: ratelimit.New(ratelimit.FetchConfig()),
		GenExec:   ratelimit.New(ratelimit.GenerateConfig()),
		Batch:     batch.DefaultConfig(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := schedule.NewDispatcher(store, registry, jobs.Builders(deps), *poll)
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start dispatcher")
	}

	// Hourly maintenance: drop finished task records past the retention horizon.
	maint := cron.New()
	if _, err := maint.AddFunc("@every 1h", func() { registry.Sweep(time.Now().UTC()) }); err != nil {
		log.Fatal().Err(err).Msg("register maintenance job")
	}
	maint.Start()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(registry, store, dispatcher)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	dispatcher.Stop()
	<-maint.Stop().Done()
	cancel() // cancels every live task cooperatively

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	registry.Wait()
}
