package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"diagramsync/collab/crdtpubsub"
	"diagramsync/internal/config"
	delivery "diagramsync/internal/delivery/http"
	"diagramsync/internal/delivery/sse"
	"diagramsync/internal/delivery/ws"
	"diagramsync/internal/metrics"
	"diagramsync/internal/repository/snapshot"
)

const shutdownTimeout = 10 * time.Second

func newRelayCmd(root *rootOptions) *cobra.Command {
	var addr, store, fanout string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the room relay and snapshot API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &root.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Relay.Addr = addr
			}
			if cmd.Flags().Changed("store") {
				cfg.Relay.Store = store
			}
			if cmd.Flags().Changed("fanout") {
				cfg.Relay.Fanout = fanout
			}
			if err := root.setupLogger(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, *cfg, root.logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&store, "store", "", "snapshot store: memory, redis or mongo")
	cmd.Flags().StringVar(&fanout, "fanout", "", "share rooms between relays through redis")
	return cmd
}

func runRelay(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewRelay(reg)

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	var redisClient *redis.Client
	if cfg.Relay.Store == config.StoreRedis || cfg.Relay.Fanout == config.StoreRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanups = append(cleanups, func() { redisClient.Close() })
	}

	store, closeStore, err := openStore(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, closeStore)

	hubOpts := ws.Options{
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		Burst:             cfg.Relay.Burst,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		Metrics:           m,
		Logger:            logger.Named("hub"),
	}
	if cfg.Relay.Fanout == config.StoreRedis {
		backbone, err := crdtpubsub.NewRedisPubSub(redisClient, logger.Named("fanout"))
		if err != nil {
			return err
		}
		cleanups = append(cleanups, func() { backbone.Close() })
		hubOpts.Backbone = backbone
	}
	hub := ws.NewHub(hubOpts)

	events := sse.NewRouter(logger.Named("sse"))
	rooms := delivery.NewRoomHandler(store, events, m, logger.Named("rooms"))
	router := delivery.NewRouter(rooms, hub, events, reg, m, logger.Named("http"))

	server := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening",
			zap.String("addr", cfg.Relay.Addr),
			zap.String("store", cfg.Relay.Store),
			zap.String("fanout", cfg.Relay.Fanout))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "relay server failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down relay")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, redisClient *redis.Client, logger *zap.Logger) (snapshot.Store, func(), error) {
	switch cfg.Relay.Store {
	case config.StoreRedis:
		return snapshot.NewRedisStore(redisClient, cfg.Redis.KeyPrefix), func() {}, nil

	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		logger.Info("connecting to MongoDB", zap.String("uri", cfg.Mongo.URI))
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to connect to MongoDB")
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			client.Disconnect(context.Background())
			return nil, nil, errors.Wrap(err, "failed to ping MongoDB")
		}
		store, err := snapshot.NewMongoStore(connectCtx, client.Database(cfg.Mongo.Database))
		if err != nil {
			client.Disconnect(context.Background())
			return nil, nil, err
		}
		return store, func() { client.Disconnect(context.Background()) }, nil

	default:
		store := snapshot.NewDatastoreStore(nil, "/roomsync")
		return store, func() { store.Close() }, nil
	}
}
