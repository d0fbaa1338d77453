package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/auth"
	"github.com/safehaven/chat-server/internal/classify"
	"github.com/safehaven/chat-server/internal/config"
	"github.com/safehaven/chat-server/internal/escalation"
	"github.com/safehaven/chat-server/internal/events"
	"github.com/safehaven/chat-server/internal/logging"
	"github.com/safehaven/chat-server/internal/moderation"
	"github.com/safehaven/chat-server/internal/notifier"
	"github.com/safehaven/chat-server/internal/pipeline"
	"github.com/safehaven/chat-server/internal/presence"
	"github.com/safehaven/chat-server/internal/ratelimit"
	"github.com/safehaven/chat-server/internal/registry"
	"github.com/safehaven/chat-server/internal/signaling"
	"github.com/safehaven/chat-server/internal/ws"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "serve")
	}

	configFlag := &cli.StringFlag{
		Name:    "config",
		Usage:   "path to a YAML config file",
		Sources: cli.EnvVars("CONFIG_PATH"),
	}

	root := &cli.Command{
		Name:  "chatserver",
		Usage: "Moderated chat message router",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the WebSocket server",
				Action: func(ctx context.Context, c *cli.Command) error {
					return run(ctx, c.String("config"), serve)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations and exit",
				Action: func(ctx context.Context, c *cli.Command) error {
					return run(ctx, c.String("config"), migrate)
				},
			},
			{
				Name:  "seed",
				Usage: "Create befriended development users in a SQLite database and print their tokens",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "user", Usage: "username to create (repeatable)"},
					&cli.DurationFlag{Name: "token-ttl", Value: 24 * time.Hour, Usage: "lifetime of the printed tokens"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return run(ctx, c.String("config"), seed(c.StringSlice("user"), c.Duration("token-ttl")))
				},
			},
			{
				Name:  "watch",
				Usage: "Log moderation events published by running servers",
				Action: func(ctx context.Context, c *cli.Command) error {
					return run(ctx, c.String("config"), watch)
				},
			},
		},
	}

	if err := root.Run(context.Background(), args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, fn func(context.Context, *config.Config, *zap.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	return fn(ctx, cfg, logger)
}

func migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	logger.Info("migrations applied", zap.String("driver", cfg.Database.Driver))
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("chat server starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("server_name", cfg.Server.Name),
		zap.Int("worker_pool", cfg.Server.WorkerPoolSize),
		zap.Int("max_connections", cfg.Server.MaxConnections),
		zap.String("database", cfg.Database.Driver),
		zap.String("classifier", cfg.Classifier.Provider),
		zap.Bool("image_classifier", cfg.Classifier.ImageURL != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("nats", cfg.NATS.URL != ""),
	)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	text, closeText, err := textClassifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeText()

	var image classify.ImageClassifier
	if cfg.Classifier.ImageURL != "" {
		image = classify.NewHTTPImageClassifier(cfg.Classifier.ImageURL, cfg.Classifier.ImageToken)
	}
	gateway := classify.NewGateway(text, image, moderation.NewFilter(), cfg.Classifier.Timeout, logger)

	reg := registry.New(logger)

	ledger, err := escalation.NewLedger(st, escalation.Thresholds{
		Warning: cfg.Moderation.WarningThreshold,
		Block:   cfg.Moderation.BlockThreshold,
	}, logger)
	if err != nil {
		return err
	}

	evidence, err := logging.NewEvidenceLog(cfg.Moderation.EvidenceDir)
	if err != nil {
		return fmt.Errorf("evidence log: %w", err)
	}
	defer evidence.Close()

	pcfg := pipeline.Config{
		Store:      st,
		Classifier: gateway,
		Ledger:     ledger,
		Notifier:   notifier.New(st, reg, logger),
		Registry:   reg,
		Evidence:   evidence,
		Logger:     logger,
	}

	var pres ws.Presence
	if cfg.Redis.Addr != "" {
		ps, err := presence.NewStore(cfg.Redis.Addr, cfg.Server.Name)
		if err != nil {
			return err
		}
		defer ps.Close()
		pres = ps

		pcfg.Limiter = ratelimit.NewLimiter(ps.Client(), ratelimit.Rule{
			Key:    ratelimit.RuleMessage.Key,
			Limit:  cfg.Moderation.MessagesPerWindow,
			Window: cfg.Moderation.RateWindow,
		}, logger)
	}

	if cfg.NATS.URL != "" {
		ncfg := events.DefaultNATSConfig()
		ncfg.URL = cfg.NATS.URL
		ncfg.Name = "safehaven-" + cfg.Server.Name
		pub, err := events.NewNATSPublisher(ncfg, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		pcfg.Events = pub
	}

	pipe := pipeline.New(pcfg)
	relay := signaling.NewRelay(reg, logger)

	dispatcher := ws.NewMessageDispatcher(logger)
	registerHandlers(dispatcher, pipe, relay, logger)

	scfg := ws.DefaultServerConfig()
	scfg.ListenAddr = cfg.Server.ListenAddr
	scfg.WorkerPoolSize = cfg.Server.WorkerPoolSize
	scfg.MaxConnections = cfg.Server.MaxConnections
	scfg.ReadTimeout = cfg.Server.ReadTimeout
	scfg.WriteTimeout = cfg.Server.WriteTimeout

	server := ws.NewServer(scfg, ws.Deps{
		Auth:     auth.NewVerifier(cfg.Auth.JWTSecret),
		Users:    st,
		Registry: reg,
		Presence: pres,
		Logger:   logger,
	}, dispatcher.Dispatch)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// textClassifier builds the configured upstream text classifier. The
// returned close function is always safe to call.
func textClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (classify.TextClassifier, func(), error) {
	noop := func() {}

	switch cfg.Classifier.Provider {
	case "groq":
		c, err := classify.NewGroqClient(classify.GroqConfig{
			APIKey:    cfg.Classifier.GroqAPIKey,
			BaseURL:   cfg.Classifier.GroqBaseURL,
			ModelName: cfg.Classifier.GroqModel,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil

	case "gemini":
		c, err := classify.NewGeminiClient(ctx, classify.GeminiConfig{
			APIKey:    cfg.Classifier.GeminiAPIKey,
			ModelName: cfg.Classifier.GeminiModel,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return c, func() { _ = c.Close() }, nil

	default:
		logger.Warn("no upstream text classifier configured, using keyword fallback only")
		return nil, noop, nil
	}
}
