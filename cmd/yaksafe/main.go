package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/ButyrinIA/yaksafe/internal/config"
	"github.com/ButyrinIA/yaksafe/internal/feed"
	"github.com/ButyrinIA/yaksafe/internal/logging"
	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/ButyrinIA/yaksafe/internal/moderation"
	"github.com/ButyrinIA/yaksafe/internal/server"
	"github.com/ButyrinIA/yaksafe/internal/storage"
	"github.com/ButyrinIA/yaksafe/internal/storage/memory"
	"github.com/ButyrinIA/yaksafe/internal/storage/postgres"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:  "yaksafe",
		Usage: "zone-scoped anonymous feed with content moderation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML configuration file",
				Value:   "config.yaml",
				EnvVars: []string{"YAKSAFE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error; overrides log.level",
				EnvVars: []string{"YAKSAFE_LOG_LEVEL"},
			},
		},
		Before: func(cctx *cli.Context) error {
			cfg, err := config.Load(cctx.String("config"))
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if cctx.IsSet("log-level") {
				level = cctx.String("log-level")
			}
			logging.Init(logging.ParseLevel(level), cfg.Log.Format, os.Stderr)
			cctx.App.Metadata = map[string]any{"config": cfg}
			return nil
		},
		Commands: []*cli.Command{
			moderationCmd,
			serveCmd,
			seedCmd,
		},
	}
	return app.Run(args)
}

func loadedConfig(cctx *cli.Context) *config.Config {
	return cctx.App.Metadata["config"].(*config.Config)
}

var storageFlag = &cli.StringFlag{
	Name:    "storage",
	Usage:   "storage backend: memory or postgres",
	Value:   "memory",
	EnvVars: []string{"YAKSAFE_STORAGE"},
}

var moderationCmd = &cli.Command{
	Name:  "moderation",
	Usage: "run the moderation service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "address to listen on; defaults to :moderation.port",
			EnvVars: []string{"YAKSAFE_MODERATION_BIND"},
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg := loadedConfig(cctx)
		addr := cctx.String("bind")
		if addr == "" {
			addr = ":" + cfg.Moderation.Port
		}
		srv := moderation.NewServer(moderation.ServerConfig{
			Addr:      addr,
			RateLimit: cfg.Moderation.RateLimit,
			Logger:    logging.New("moderation"),
		})
		return serveUntilSignal(cctx.Context, srv.Run, srv.Shutdown)
	},
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the feed API and websocket server",
	Flags: []cli.Flag{
		storageFlag,
		&cli.StringFlag{
			Name:    "moderation-url",
			Usage:   "moderation service base URL; overrides moderation.url",
			EnvVars: []string{"YAKSAFE_MODERATION_URL"},
		},
		&cli.BoolFlag{
			Name:    "local-moderation",
			Usage:   "classify in process instead of calling the moderation service",
			EnvVars: []string{"YAKSAFE_LOCAL_MODERATION"},
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg := loadedConfig(cctx)
		store, err := openStorage(cctx.Context, cctx.String("storage"), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		var moderator feed.Moderator = moderation.Local{}
		if !cctx.Bool("local-moderation") {
			url := cfg.Moderation.URL
			if cctx.IsSet("moderation-url") {
				url = cctx.String("moderation-url")
			}
			moderator = moderation.NewClient(url, cfg.Moderation.Timeout, moderation.RetryPolicy{
				MaxAttempts: cfg.Moderation.MaxAttempts,
				Base:        cfg.Moderation.BackoffBase,
				Max:         moderation.DefaultRetryPolicy().Max,
			}, moderation.WithLogger(logging.New("moderation-client")))
		}

		srv := server.New(cfg, store, moderator)
		return serveUntilSignal(cctx.Context, srv.Run, srv.Shutdown)
	},
}

var seedCmd = &cli.Command{
	Name:  "seed",
	Usage: "insert the welcome posts into a zone",
	Flags: []cli.Flag{
		storageFlag,
		&cli.StringFlag{
			Name:  "zone",
			Usage: "zone to seed; defaults to feed.default_zone",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg := loadedConfig(cctx)
		name := cctx.String("zone")
		if name == "" {
			name = cfg.Feed.DefaultZone
		}
		zone, err := models.ParseZone(name)
		if err != nil {
			return fmt.Errorf("zone %q: %w", name, err)
		}

		store, err := openStorage(cctx.Context, cctx.String("storage"), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		posts, err := feed.Seed(cctx.Context, store, zone, nil, feed.PipelineConfig{
			RewardPoints: cfg.Feed.RewardPoints,
			Author:       cfg.Feed.Author,
		})
		if err != nil {
			return err
		}
		for _, p := range posts {
			fmt.Fprintf(cctx.App.Writer, "%s\t%s\t%s\n", p.ID, p.Zone, p.Text)
		}
		return nil
	},
}

func openStorage(ctx context.Context, kind string, cfg *config.Config) (storage.Storage, error) {
	logger := logging.New("storage")
	switch kind {
	case "postgres":
		logger.Info("using postgres storage")
		store, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return store, nil
	case "memory":
		logger.Info("using in-memory storage")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", kind)
	}
}

// serveUntilSignal runs serve until it fails or the process is
// interrupted, then shuts down within shutdownTimeout.
func serveUntilSignal(ctx context.Context, serve func() error, shutdown func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(serve)
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(sctx)
	})
	return g.Wait()
}
