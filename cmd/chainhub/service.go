package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/adapter/families"
	"github.com/marko911/chainhub/internal/config"
	"github.com/marko911/chainhub/internal/correctness"
	"github.com/marko911/chainhub/internal/delivery/sink"
	"github.com/marko911/chainhub/internal/delivery/subscription"
	"github.com/marko911/chainhub/internal/delivery/websocket"
	"github.com/marko911/chainhub/internal/metrics"
	"github.com/marko911/chainhub/internal/platform/kafka"
	"github.com/marko911/chainhub/internal/platform/nats"
	"github.com/marko911/chainhub/internal/platform/redisbus"
	"github.com/marko911/chainhub/internal/platform/storage"
	"github.com/marko911/chainhub/internal/stream"
)

const (
	shutdownTimeout = 15 * time.Second
	healthTimeout   = 2 * time.Second
)

type service struct {
	cfg    *config.Config
	logger *slog.Logger

	adapters *adapter.Registry
	streams  *stream.Registry
	sinks    []sink.Sink
	gateway  *websocket.Gateway
	monitor  *correctness.Monitor

	// closers release connections the sinks and gateway share, after the
	// sinks themselves are closed.
	closers []func() error
}

func familyOptions(cfg *config.Config, logger *slog.Logger) families.Options {
	a := cfg.Adapters
	return families.Options{
		Timeout:           a.Timeout,
		RequestsPerSecond: a.RequestsPerSecond,
		Burst:             a.Burst,
		EVM:               a.EVM,
		Bitcoin:           a.Bitcoin,
		Aptos:             a.Aptos,
		Sui:               a.Sui,
		Stellar:           a.Stellar,
		Logger:            logger,
	}
}

func sourceOptions(cfg *config.Config, logger *slog.Logger) families.SourceOptions {
	chains := make(map[string]adapter.Family, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		chains[ch.Name] = adapter.Family(ch.Family)
	}
	return families.SourceOptions{
		Chains:      chains,
		ReplayLoop:  cfg.Replay.Loop,
		ReplaySpeed: cfg.Replay.Speed,
		Logger:      logger,
	}
}

func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	s := &service{
		cfg:      cfg,
		logger:   logger,
		adapters: adapter.NewRegistry(),
		monitor:  correctness.NewMonitor(correctness.Config{}, logger),
	}
	families.Register(s.adapters, familyOptions(cfg, logger))
	s.streams = stream.NewRegistry(families.SourceFactory(sourceOptions(cfg, logger)), cfg.Stream.Options(), logger)

	for _, ch := range cfg.Chains {
		if ch.RPCURL == "" {
			continue
		}
		if _, err := s.adapters.Get(ch.Identity(), ch.RPCURL); err != nil {
			return nil, fmt.Errorf("adapter for %s: %w", ch.Name, err)
		}
		logger.Info("adapter ready", "chain", ch.Name, "family", ch.Family)
	}

	if err := s.openSinks(ctx); err != nil {
		s.close()
		return nil, err
	}
	if cfg.Gateway.Enabled {
		if err := s.openGateway(ctx); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *service) openSinks(ctx context.Context) error {
	sc := s.cfg.Sinks

	if sc.Redis.Enabled {
		pub, err := redisbus.Connect(ctx, redisbus.Config{
			Addr:     sc.Redis.Addr,
			Username: sc.Redis.Username,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("redis sink: %w", err)
		}
		s.addSink(pub)
	}

	if sc.NATS.Enabled {
		natsCfg := nats.DefaultConfig()
		natsCfg.URL = sc.NATS.URL
		client, err := nats.Connect(natsCfg, s.logger)
		if err != nil {
			return fmt.Errorf("nats sink: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		if sc.NATS.EnsureStream {
			if _, err := nats.EnsureStream(ctx, client.JetStream(), nats.DefaultEventsStreamConfig()); err != nil {
				return fmt.Errorf("nats sink: %w", err)
			}
		}
		s.addSink(client.Publisher())
	}

	if sc.Kafka.Enabled {
		brokers := kafka.SplitBrokers(sc.Kafka.Brokers)
		if sc.Kafka.EnsureTopic {
			tm, err := kafka.NewTopicManager(brokers)
			if err != nil {
				return fmt.Errorf("kafka sink: %w", err)
			}
			err = tm.EnsureTopics(ctx, kafka.DefaultTopicConfig(sc.Kafka.Topic))
			tm.Close()
			if err != nil {
				return fmt.Errorf("kafka sink: %w", err)
			}
		}
		producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: brokers, Topic: sc.Kafka.Topic})
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		s.addSink(producer)
	}

	if sc.Postgres.Enabled {
		db, err := storage.New(ctx, storage.Config{URL: sc.Postgres.URL})
		if err != nil {
			return fmt.Errorf("postgres sink: %w", err)
		}
		s.closers = append(s.closers, func() error { db.Close(); return nil })
		if sc.Postgres.Migrate {
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres sink: %w", err)
			}
		}
		s.addSink(storage.NewJournal(db))
	}
	return nil
}

func (s *service) addSink(sk sink.Sink) {
	s.sinks = append(s.sinks, sk)
	s.logger.Info("sink enabled", "sink", sk.Name())
}

func (s *service) openGateway(ctx context.Context) error {
	gc := s.cfg.Gateway

	var subs subscription.Manager = subscription.NewMemoryManager()
	if gc.RedisAddr != "" {
		rm, err := subscription.NewRedisManager(ctx, subscription.RedisConfig{Addr: gc.RedisAddr})
		if err != nil {
			return fmt.Errorf("gateway subscriptions: %w", err)
		}
		subs = rm
	}
	s.closers = append(s.closers, subs.Close)

	s.gateway = websocket.NewGateway(websocket.Config{
		AllowedOrigins:  gc.AllowedOrigins,
		SendBuffer:      gc.SendBuffer,
		CleanupInterval: gc.CleanupInterval,
		Subscriptions:   subs,
		Logger:          s.logger,
	})
	return nil
}

func (s *service) sinkOptions() sink.Options {
	sc := s.cfg.Sinks
	return sink.Options{
		Timeout:  sc.Timeout,
		Attempts: sc.Attempts,
		Delay:    sc.Delay,
		Kinds:    sc.EventKinds(),
	}
}

// startStreams wires listeners and subscriptions for each chain with a
// stream endpoint, then connects. A failed connect leaves the stream
// reconnecting in the background.
func (s *service) startStreams(ctx context.Context) error {
	for _, ch := range s.cfg.Chains {
		if ch.StreamURL == "" {
			continue
		}
		st, err := s.streams.Get(ch.Name, ch.StreamURL)
		if err != nil {
			return err
		}

		for _, sk := range s.sinks {
			sink.Attach(ctx, st, sk, s.sinkOptions(), s.logger)
		}
		if s.gateway != nil {
			s.gateway.Attach(st)
		}
		s.monitor.Attach(st)

		for _, f := range ch.Filters {
			if err := st.AddLogFilter(ctx, f); err != nil {
				return fmt.Errorf("%s: %w", ch.Name, err)
			}
		}
		for _, addr := range ch.Watch {
			if err := st.WatchAddress(ctx, addr); err != nil {
				return fmt.Errorf("%s: %w", ch.Name, err)
			}
		}

		if err := st.Connect(ctx); err != nil {
			s.logger.Warn("initial connect failed, reconnecting", "chain", ch.Name, "error", err)
			continue
		}
		s.logger.Info("stream connected", "chain", ch.Name, "subscriptions", len(st.Subscriptions()))
	}
	return nil
}

// healthz reports 503 while any sink backend is unreachable.
func (s *service) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := sink.PingAll(ctx, s.sinks); err != nil {
		s.logger.Warn("health check failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

func (s *service) run(ctx context.Context) error {
	defer s.close()

	if err := s.startStreams(ctx); err != nil {
		return err
	}

	var servers []*http.Server
	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		servers = append(servers, srv)
		go func() {
			s.logger.Info("http server listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		mux.HandleFunc("GET /healthz", s.healthz)
		serve("metrics", &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}
	if s.gateway != nil {
		go s.gateway.Run(ctx)
		serve("gateway", &http.Server{Addr: s.cfg.Gateway.Addr, Handler: s.gateway.Handler(), ReadHeaderTimeout: 5 * time.Second})
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		s.logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "addr", srv.Addr, "error", err)
		}
	}
	return runErr
}

func (s *service) close() {
	s.streams.Close()
	if s.gateway != nil {
		_ = s.gateway.Close()
	}
	if err := sink.CloseAll(s.sinks); err != nil {
		s.logger.Warn("close sinks", "error", err)
	}
	s.sinks = nil
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.logger.Warn("close", "error", err)
		}
	}
	s.closers = nil
	s.logger.Info("shutdown complete", "adapters", s.adapters.Len())
}
