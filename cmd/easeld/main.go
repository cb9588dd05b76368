package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/easel/internal/adapters/discord"
	"github.com/manthysbr/easel/internal/adapters/fetch"
	"github.com/manthysbr/easel/internal/adapters/llm"
	"github.com/manthysbr/easel/internal/adapters/sdwebui"
	appconfig "github.com/manthysbr/easel/internal/config"
	"github.com/manthysbr/easel/internal/core/domain"
	"github.com/manthysbr/easel/internal/core/ports"
	"github.com/manthysbr/easel/internal/core/services"
	"github.com/manthysbr/easel/pkg/status"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting easel dispatcher")

	if err := run(logger); err != nil {
		logger.Error("dispatcher startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	configPath := os.Getenv("EASEL_CONFIG")
	if configPath == "" {
		configPath = "easel.json"
	}
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	prefsPath := os.Getenv("EASEL_PREFERENCES")
	if prefsPath == "" {
		prefsPath = "preferences.json"
	}
	prefs, err := appconfig.NewPreferences(logger, prefsPath)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	params := domain.NewParamSet(cfg.Models, cfg.VAEs)
	catalog := appconfig.LoadCatalog(logger, cfg.LoraDir, cfg.EmbeddingsDir, cfg.DocsDir)

	var tagger ports.TagExpander
	if len(cfg.LLMURLs) > 0 {
		endpoints := make([]llm.Endpoint, 0, len(cfg.LLMURLs))
		for _, e := range cfg.LLMURLs {
			endpoints = append(endpoints, llm.Endpoint{URL: e.URL, RequestRate: e.RequestRate})
		}
		tagger = llm.NewTagger(endpoints)
	}

	// The chat surface is optional: without a token the pipeline still runs
	// and results are logged, which keeps local testing possible.
	var bot *discord.Bot
	token := os.Getenv("EASEL_DISCORD_TOKEN")
	if token == "" {
		logger.Error("EASEL_DISCORD_TOKEN not set, chat surface disabled")
	} else {
		if bot, err = discord.NewBot(logger, token, cfg, params, prefs, catalog); err != nil {
			return fmt.Errorf("failed to init discord adapter: %w", err)
		}
	}

	headless := services.NewHeadlessNotifier(logger)
	var typist ports.Typist = headless
	var notifier ports.Notifier = headless
	if bot != nil {
		typist = bot
		notifier = bot
	}

	submissions := make(chan *domain.WorkItem, 4*domain.QueueMaxSize)
	results := make(chan *domain.WorkItem, 4*domain.QueueMaxSize)

	workers := make([]ports.Worker, 0, len(cfg.Backends))
	sdWorkers := make([]*sdwebui.Worker, 0, len(cfg.Backends))
	for _, backend := range cfg.Backends {
		w := sdwebui.NewWorker(logger, sdwebui.NewClient(backend), cfg.Models, results)
		workers = append(workers, w)
		sdWorkers = append(sdWorkers, w)
	}

	scheduler := services.NewScheduler(logger, services.SchedulerConfig{}, cfg.Models, workers, submissions)

	inflight := services.NewInFlight(typist)
	admission := services.NewAdmission(logger, cfg, params, prefs, inflight,
		fetch.NewImageFetcher(), tagger, submissions)
	dispatcher := services.NewResultDispatcher(logger, cfg, inflight, notifier, results)
	if bot != nil {
		bot.SetAdmission(admission)
	}

	statusServer := status.NewServer(logger, status.Config{Addr: cfg.StatusAddr}, scheduler, cfg.Models)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	for _, w := range sdWorkers {
		g.Go(func() error {
			return w.Run(gCtx)
		})
	}

	g.Go(func() error {
		return dispatcher.Run(gCtx)
	})

	g.Go(func() error {
		return prefs.Run(gCtx)
	})

	g.Go(func() error {
		return statusServer.Start()
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return statusServer.Shutdown(shutdownCtx)
	})

	if bot != nil {
		g.Go(func() error {
			return bot.Run(gCtx)
		})
	}

	return g.Wait()
}
