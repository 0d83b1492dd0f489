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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"postflow/internal/aiprovider"
	"postflow/internal/api"
	"postflow/internal/backoff"
	"postflow/internal/domain"
	"postflow/internal/handlers/publish"
	"postflow/internal/handlers/video"
	"postflow/internal/notify"
	"postflow/internal/publisher"
	"postflow/internal/queue"
	"postflow/internal/scheduler"
	"postflow/internal/store"
	"postflow/internal/worker"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "HTTP bind address")
		dbPath      = flag.String("db", "postflow.db", "SQLite DB path")
		workers     = flag.Int("workers", 8, "number of worker goroutines")
		poll        = flag.Duration("poll", 250*time.Millisecond, "poll interval for queue")
		sweep       = flag.Duration("sweep", 30*time.Second, "interval for the due-post sweep")
		webhookURL  = flag.String("webhook-url", os.Getenv("POSTFLOW_WEBHOOK_URL"), "publisher webhook URL")
		providerURL = flag.String("provider-url", os.Getenv("POSTFLOW_PROVIDER_URL"), "video provider gateway base URL")
		debug       = flag.Bool("debug", false, "expose pprof endpoints")
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

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}

	repo := queue.NewSQLiteRepo(db)
	st := store.NewSQLiteStore(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	pub := publisher.NewWebhook(*webhookURL)
	provider := aiprovider.NewGateway(*providerURL)
	notifier := notify.Log{}

	handlers := map[string]worker.Handler{
		domain.TaskPublishPost:     publish.NewHandler(st, pub),
		domain.TaskGenerateVideo:   video.NewGenerator(st, provider, repo),
		domain.TaskCheckVideoState: video.NewChecker(st, provider, repo, notifier),
	}
	policies := map[string]worker.Policy{
		domain.TaskPublishPost: {Backoff: backoff.PublishSchedule, Timeout: 60 * time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(repo, handlers, policies, *workers, *poll)
	go pool.Run(ctx)

	sched := scheduler.NewService(st, repo, *sweep)
	go sched.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(st, repo, *debug)}
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
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
