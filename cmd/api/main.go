package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"slotbook/internal/api"
	"slotbook/internal/clock"
	"slotbook/internal/config"
	"slotbook/internal/database"
	"slotbook/internal/domain"
	"slotbook/internal/events"
	"slotbook/internal/expiry"
	"slotbook/internal/export"
	"slotbook/internal/google"
	"slotbook/internal/logging"
	"slotbook/internal/metrics"
	"slotbook/internal/models"
	"slotbook/internal/notify"
	"slotbook/internal/repository"
	"slotbook/internal/reservation"
	"slotbook/internal/service"
	"slotbook/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	catalog, err := loadCatalog(logger)
	if err != nil {
		return err
	}

	db, err := initDatabase(cfg, catalog, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	loc, err := cfg.Business.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()
	bus.OnError(func(event *events.Event, err error) {
		logger.Warn().Err(err).Str("type", event.Type).Str("key", event.Key).Msg("event handler failed")
	})

	metrics.Register()
	metrics.Subscribe(bus)

	if sink := initKafka(cfg, logger); sink != nil {
		bus.SubscribeAll(sink.Handle)
		defer sink.Close()
	}

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer repository.Close(redisClient)
	}
	locker := initLocker(redisClient, logger)

	initTelegram(cfg, db, loc, bus, logger)

	if sheets := initGoogleSheets(ctx, cfg, loc, logger); sheets != nil {
		sheetsWorker := worker.NewSheetsWorker(db, sheets, redisClient, worker.RetryPolicy{
			MaxRetries:    5,
			InitialDelay:  2 * time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		}, logger)
		sheetsWorker.Subscribe(bus)
		go sheetsWorker.Start(ctx)
		go sheets.StartCacheRefresh(ctx, 10*time.Minute)
	}

	manager := reservation.NewManager(db,
		reservation.WithHoldTTL(cfg.Business.HoldTTL()),
		reservation.WithLocker(locker),
		reservation.WithPublisher(bus),
		reservation.WithLogger(logger),
	)

	bookingService, err := service.NewBookingService(db, db, db, manager, cfg.Business, clock.Real{}, logger)
	if err != nil {
		return fmt.Errorf("init booking service: %w", err)
	}

	go expiry.NewScheduler(db, cfg.Scheduler, clock.Real{}, bus, logger).Start(ctx)
	go database.NewBackupService(db, cfg.Backup, logger).Start(ctx)

	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
	}

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, running background jobs only")
		<-ctx.Done()
		return nil
	}

	httpServer := api.NewHTTPServer(cfg.API, bookingService, export.NewBookingExporter(db, loc), locker, logger)
	return serve(ctx, httpServer, cfg, logger)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

// loadCatalog reads the admin-maintained resources, services and availability
// rules that seed the database on every start.
func loadCatalog(logger *zerolog.Logger) (*models.Catalog, error) {
	catalogPath := os.Getenv("CATALOG_PATH")
	if catalogPath == "" {
		catalogPath = "configs/catalog.yaml"
	}
	data, err := os.ReadFile(catalogPath)
	if err != nil {
		logger.Error().Err(err).Str("catalog_path", catalogPath).Msg("read catalog")
		return nil, err
	}

	var catalog models.Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		logger.Error().Err(err).Str("catalog_path", catalogPath).Msg("parse catalog")
		return nil, err
	}

	logger.Info().
		Int("resources", len(catalog.Resources)).
		Int("services", len(catalog.Services)).
		Int("templates", len(catalog.Templates)).
		Msg("catalog loaded")
	return &catalog, nil
}

func initDatabase(cfg *config.Config, catalog *models.Catalog, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	if err := db.SaveCatalog(context.Background(), catalog); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("save catalog: %w", err)
	}
	return db, nil
}

func initKafka(cfg *config.Config, logger *zerolog.Logger) *events.KafkaSink {
	if !cfg.Kafka.Enabled {
		return nil
	}
	sink, err := events.NewKafkaSink(cfg.Kafka, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("kafka sink init failed, continuing without kafka")
		return nil
	}
	logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka sink enabled")
	return sink
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initLocker(client *redis.Client, logger *zerolog.Logger) domain.SlotLocker {
	memory := repository.NewMemorySlotLocker()
	if client == nil {
		return memory
	}
	return repository.NewFailoverSlotLocker(repository.NewRedisSlotLocker(client), memory, logger)
}

func initTelegram(cfg *config.Config, db *database.DB, loc *time.Location, bus *events.EventBus, logger *zerolog.Logger) {
	if !cfg.Telegram.Enabled {
		return
	}
	bot, err := notify.NewBotAPI(cfg.Telegram)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, notifications disabled")
		return
	}
	notify.NewNotifier(bot, cfg.Telegram.ChatIDs, db, loc, logger).Subscribe(bus)
	logger.Info().Str("bot", bot.Self.UserName).Int("chats", len(cfg.Telegram.ChatIDs)).Msg("telegram notifications enabled")
}

func initGoogleSheets(ctx context.Context, cfg *config.Config, loc *time.Location, logger *zerolog.Logger) *google.SheetsService {
	if !cfg.Google.Enabled() {
		return nil
	}

	sheets, err := google.NewSheetsService(ctx, cfg.Google.GoogleCredentialsFile, cfg.Google.BookingSpreadSheetID, loc, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		return nil
	}

	testCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := sheets.TestConnection(testCtx); err != nil {
		email, _ := google.ServiceAccountEmail(cfg.Google.GoogleCredentialsFile)
		logger.Warn().Err(err).Str("service_account", email).Msg("google sheets unreachable, share the spreadsheet with the service account")
		return nil
	}

	logger.Info().Msg("google sheets connected")
	return sheets
}

func serve(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()
	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
