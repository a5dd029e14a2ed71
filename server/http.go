package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"media-pipeline/config"
	"media-pipeline/constant"
	jobHandler "media-pipeline/handler"
	"media-pipeline/pkg/rabbitmq"
	"media-pipeline/repository"
	"media-pipeline/service"
)

// RunHttp starts the full pipeline process: HTTP API, webhook delivery
// consumer, in-process workers and the stale job reclaimer.
func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("NewRabbitMQConn")
	}

	repo := repository.NewRepo(cfg.DB)
	queue := repository.NewJobQueue(repo.GetDB())
	storage := service.NewStorage(cfg.Storage, cfg.MinIOBucket)
	transcriber := service.NewTranscriber(cfg.Transcription)
	auth := service.NewAuthenticator(repo)
	health := service.NewHealthService(queue)
	deliverer := service.NewDeliverer(repo, cfg.Webhook)

	publisher, err := rabbitmq.NewPublisher(conn, cfg.Queue)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("NewPublisher")
	}
	events := service.NewEventDispatcher(publisher)

	serviceDeps := jobHandler.ServiceDependencies{
		Deliverer: deliverer,
	}

	// Webhook delivery consumer: drains the outbox out-of-band from job
	// completion.
	deliveryConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, cfg.Server.Workers, jobHandler.DeliveryHandler)
	go func() {
		err := deliveryConsumer.Consume(ctx, serviceDeps)
		if err != nil && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("delivery consumer error")
		}
	}()

	startWorkers(ctx, cfg, queue, repo, storage, transcriber, events)

	reclaimer := service.NewReclaimer(queue, repo, events, cfg.Pipeline)
	go reclaimer.Run(ctx)

	r := gin.Default()
	h := jobHandler.NewHandler(repo, queue, storage, events, health, deliverer, cfg)
	h.RegisterRoutes(r, auth)

	httpServer := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

// RunWorker starts a worker-only process: claim loops plus the reclaimer, no
// HTTP surface. Throughput scales by running more of these.
func RunWorker(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("NewRabbitMQConn")
	}

	repo := repository.NewRepo(cfg.DB)
	queue := repository.NewJobQueue(repo.GetDB())
	storage := service.NewStorage(cfg.Storage, cfg.MinIOBucket)
	transcriber := service.NewTranscriber(cfg.Transcription)

	publisher, err := rabbitmq.NewPublisher(conn, cfg.Queue)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("NewPublisher")
	}
	events := service.NewEventDispatcher(publisher)

	startWorkers(ctx, cfg, queue, repo, storage, transcriber, events)

	reclaimer := service.NewReclaimer(queue, repo, events, cfg.Pipeline)
	go reclaimer.Run(ctx)

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("worker process shutdown")
}

func startWorkers(
	ctx context.Context,
	cfg *config.Config,
	queue repository.JobQueue,
	repo repository.Repository,
	storage service.Storage,
	transcriber service.Transcriber,
	events service.EventDispatcher,
) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	numWorkers := cfg.Server.Workers
	if numWorkers < 1 {
		numWorkers = 1
	}

	for i := 1; i <= numWorkers; i++ {
		workerId := fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), i)
		coordinator := service.NewCoordinator(workerId, queue, repo, storage, transcriber, events, cfg)
		go coordinator.Run(ctx)
	}
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
