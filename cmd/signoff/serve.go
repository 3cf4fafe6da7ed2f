package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/signoff/internal/config"
	"github.com/rogers-f/signoff/internal/escalation"
	"github.com/rogers-f/signoff/internal/ipc"
	"github.com/rogers-f/signoff/internal/logging"
	"github.com/rogers-f/signoff/internal/metrics"
	"github.com/rogers-f/signoff/internal/notify"
	"github.com/rogers-f/signoff/internal/registry"
	"github.com/rogers-f/signoff/internal/store"
	"github.com/rogers-f/signoff/internal/workflow"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the approval engine HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Resolve(configPath)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration YAML file (default $"+config.EnvConfigPath+")")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg := registry.New(db, log)
	if cfg.DefinitionsPath != "" {
		defs, err := registry.LoadFile(cfg.DefinitionsPath)
		if err != nil {
			return fmt.Errorf("load definitions: %w", err)
		}
		if _, err := reg.PublishAll(ctx, defs); err != nil {
			return fmt.Errorf("publish definitions: %w", err)
		}
		log.Info().Int("count", len(defs)).Str("path", cfg.DefinitionsPath).Msg("workflow definitions published")
	}

	m := metrics.New()
	notifier := notify.Fanout{notify.NewLogDispatcher(log)}

	var publisher *notify.RedisPublisher
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, notifications will retry")
		}
		cancel()
		publisher = notify.NewRedisPublisher(client, notify.RedisOptions{
			Channel:    cfg.Redis.Channel,
			QueueSize:  cfg.Redis.QueueSize,
			MaxRetries: uint64(cfg.Redis.MaxRetries),
		}, log, m)
		notifier = append(notifier, publisher)
	}

	sched := escalation.NewScheduler(log, m)
	engine := workflow.NewEngine(db, reg, sched, notifier, m, log)

	armed, err := engine.Recover(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("timers", armed).Msg("escalation timers recovered")
	sched.Start(ctx, engine.HandleTimerFire)

	srv := ipc.NewServer(&ipc.Handler{
		Engine:   engine,
		Registry: reg,
		Metrics:  m,
	}, cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("signoff listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if publisher != nil {
		// Run ends once the shutdown path below closes the publisher, after
		// the scheduler has stopped, so late notifications are still sent.
		g.Go(func() error {
			return publisher.Run(context.WithoutCancel(gctx))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		sched.Stop()
		if publisher != nil {
			publisher.Close()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("signoff stopped with error")
		return err
	}
	return nil
}
