package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tg-spybot-go/internal/config"
	"github.com/tg-spybot-go/internal/handlers"
	"github.com/tg-spybot-go/internal/i18n"
	"github.com/tg-spybot-go/internal/middleware"
	"github.com/tg-spybot-go/internal/platform"
	"github.com/tg-spybot-go/internal/services/budget"
	"github.com/tg-spybot-go/internal/services/matcher"
	"github.com/tg-spybot-go/internal/services/notify"
	"github.com/tg-spybot-go/internal/services/poller"
	"github.com/tg-spybot-go/internal/services/storage"
	"github.com/tg-spybot-go/pkg/logger"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration. Missing required settings are fatal: the watcher
	// never starts half-configured.
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting keyword watcher...")
	log.WithFields(logrus.Fields{
		"token_length":   len(cfg.Bot.Token),
		"check_interval": cfg.Watch.CheckInterval,
		"max_chats":      cfg.Watch.MaxChats,
		"api_rate_limit": cfg.Watch.APIRateLimit,
		"storage":        cfg.Storage.Type,
	}).Info("Configuration loaded")

	// Initialize bot
	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}

	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}

	// Seed the keyword set from KEYWORDS on an empty store only; after that
	// the control surface owns it.
	if kws, err := storageManager.GetKeywords(ctx); err == nil && len(kws) == 0 && len(cfg.Watch.Keywords) > 0 {
		seed := matcher.Normalize(cfg.Watch.Keywords)
		if err := storageManager.SetKeywords(ctx, seed); err != nil {
			log.WithError(err).Warn("Failed to seed keywords")
		} else {
			log.WithField("keywords", seed).Info("Keyword set seeded from configuration")
		}
	}

	// Initialize the platform rate budget
	tracker := budget.NewTracker(&cfg.Watch, log)

	// Initialize metrics
	metrics := middleware.NewMetrics()

	// Start metrics server if enabled
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Initialize i18n
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Initialize rate limiter for control commands
	rateLimiter := middleware.NewRateLimiter(cfg, log)

	// Platform client: sender, chat resolver and the watched-chat feed
	client := platform.NewTelegramClient(bot, log)

	// Notification dispatcher
	dispatcher := notify.NewDispatcher(cfg, client, metrics, log)

	// Control surface
	commandHandler := handlers.NewCommandHandler(
		bot,
		cfg,
		storageManager,
		client,
		tracker,
		rateLimiter,
		localizer,
		metrics,
		log,
	)

	// Poll scheduler
	watcher := poller.New(&cfg.Watch, storageManager, client, tracker, dispatcher, metrics, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	// Update loop: operator commands go to the control surface, everything
	// else feeds the watched-chat buffer.
	u := tgbotapi.NewUpdate(0)
	u.Timeout = cfg.Bot.UpdateTimeout
	updates := bot.GetUpdatesChan(u)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for update := range updates {
			if update.Message != nil && update.Message.IsCommand() {
				if err := commandHandler.HandleCommand(ctx, update.Message); err != nil {
					log.WithError(err).Error("Failed to handle command")
				}
				continue
			}
			client.Ingest(&update)
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	// Stop the scheduler (the in-flight tick finishes), then the updates.
	cancel()
	bot.StopReceivingUpdates()
	wg.Wait()

	log.Info("Keyword watcher stopped")
}
