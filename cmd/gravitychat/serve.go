package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/suPer8Hu/gravitychat/internal/ai"
	"github.com/suPer8Hu/gravitychat/internal/chat"
	"github.com/suPer8Hu/gravitychat/internal/config"
	"github.com/suPer8Hu/gravitychat/internal/db"
	"github.com/suPer8Hu/gravitychat/internal/httpapi"
	"github.com/suPer8Hu/gravitychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/gravitychat/internal/jobs"
	"github.com/suPer8Hu/gravitychat/internal/localllm"
	"github.com/suPer8Hu/gravitychat/internal/memory"
	"github.com/suPer8Hu/gravitychat/internal/models"
	"github.com/suPer8Hu/gravitychat/internal/persist"
	"github.com/suPer8Hu/gravitychat/internal/speech"
	"github.com/suPer8Hu/gravitychat/internal/store/rabbitmq"
	"github.com/suPer8Hu/gravitychat/internal/store/redisstore"
	"github.com/suPer8Hu/gravitychat/internal/store/sqlstore"
	"github.com/suPer8Hu/gravitychat/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, job workers and project watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.cfg, !noWorker, a.log)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "enqueue async jobs without consuming them in this process")
	return cmd
}

func migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&models.User{}); err != nil {
		return err
	}
	if err := chat.NewRepo(gdb).AutoMigrate(); err != nil {
		return err
	}
	return sqlstore.New(gdb).AutoMigrate()
}

func serve(ctx context.Context, cfg config.Config, runWorker bool, log *zap.Logger) error {
	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if err := migrate(gdb); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(ctx); err != nil {
		log.Warn("redis unreachable, falling back to the sql mirror", zap.Error(err))
	}
	sinks := []persist.Sink{{Name: "redis", KV: rds}, {Name: "sql", KV: sqlstore.New(gdb)}}

	cloud := ai.NewCloudTransport(cfg.CloudBaseURL, cfg.CloudAPIKey, cfg.CloudSiteURL, cfg.CloudAppName)
	reg := ai.NewRegistry()
	reg.Register(ai.ModeCloud, cloud)
	reg.Register(ai.ModeLocal, ai.NewLocalTransport(cfg.LocalLLMURL))
	reg.Register(ai.ModeBridge, ai.NewBridgeTransport(cfg.BridgeURL, true))

	tts := speech.NewTTSClient(cfg.TTSURL)
	hub := workspace.NewHub(workspace.Config{
		KVPrefix:     cfg.KVPrefix,
		DefaultModel: cfg.DefaultModel,
		Voice:        cfg.Voice,
		BridgeURL:    cfg.BridgeURL,
		StuckTimeout: cfg.StuckStreamTimeout,
		SaveDebounce: cfg.SaveDebounce,
		Chat: chat.Options{
			ContextWindow: cfg.ChatContextWindowSize,
			HistoryLimit:  cfg.HistoryLimit,
			FrameInterval: 50 * time.Millisecond,
		},
		Speech: speech.Options{Voice: cfg.Voice},
	}, workspace.Deps{
		Transports: reg,
		Models:     cloud,
		Synth:      tts,
		Sinks:      sinks,
	}, log)
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := hub.Close(cctx); err != nil {
			log.Warn("workspace flush on shutdown", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if _, err := hub.RefreshFreeModels(gctx); err != nil {
			log.Warn("free model discovery failed, using static fallbacks", zap.Error(err))
		}
		return nil
	})

	var publisher handlers.JobPublisher
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, log); err != nil {
		log.Warn("rabbitmq unavailable, async jobs disabled", zap.Error(err))
	} else {
		defer pub.Close()
		publisher = pub
		if runWorker {
			if err := startWorker(gctx, g, cfg, hub, gdb, pub, log); err != nil {
				return err
			}
		}
	}

	if cfg.ProjectRoot != "" {
		startProjectWatcher(gctx, g, cfg.ProjectRoot, hub, log)
	}

	h := handlers.NewHandler(handlers.Handler{
		DB:        gdb,
		Cfg:       cfg,
		Hub:       hub,
		Publisher: publisher,
		Models:    cloud,
		Local:     localllm.New(cfg.LocalLLMURL, cfg.ConnectTimeout, log),
		TTS:       tts,
		Redis:     rds,
		Log:       log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func startWorker(ctx context.Context, g *errgroup.Group, cfg config.Config, hub *workspace.Hub, gdb *gorm.DB, pub *rabbitmq.Publisher, log *zap.Logger) error {
	wcfg := jobs.Config{Concurrency: cfg.WorkerConcurrency}
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, wcfg.Concurrency)
	if err != nil {
		return fmt.Errorf("rabbit consumer: %w", err)
	}
	deliveries, err := consumer.Deliveries()
	if err != nil {
		_ = consumer.Close()
		return fmt.Errorf("consume: %w", err)
	}
	worker := jobs.NewWorker(chat.NewRepo(gdb), hub, pub, wcfg, log)
	g.Go(func() error {
		defer consumer.Close()
		worker.Run(ctx, deliveries)
		return nil
	})
	return nil
}

func startProjectWatcher(ctx context.Context, g *errgroup.Group, root string, hub *workspace.Hub, log *zap.Logger) {
	apply := func(idx *memory.Index) {
		hub.SetProjectContext(idx.Context())
		log.Info("project context refreshed", zap.String("root", idx.Root), zap.Int("files", len(idx.Files)))
	}
	if idx, err := memory.IndexProject(root); err != nil {
		log.Warn("initial project index failed", zap.String("root", root), zap.Error(err))
	} else {
		apply(idx)
	}
	w := memory.NewWatcher(root, 0, apply, log)
	g.Go(func() error {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("project watcher stopped", zap.Error(err))
		}
		return nil
	})
}
