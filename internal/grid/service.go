/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package grid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/cache"
	"github.com/friendsincode/equiplet_grid/internal/config"
	"github.com/friendsincode/equiplet_grid/internal/db"
	"github.com/friendsincode/equiplet_grid/internal/directory"
	"github.com/friendsincode/equiplet_grid/internal/eventbus"
	"github.com/friendsincode/equiplet_grid/internal/events"
	"github.com/friendsincode/equiplet_grid/internal/leadership"
	"github.com/friendsincode/equiplet_grid/internal/ledger"
	"github.com/friendsincode/equiplet_grid/internal/logbuffer"
	"github.com/friendsincode/equiplet_grid/internal/messaging"
	"github.com/friendsincode/equiplet_grid/internal/negotiation"
	"github.com/friendsincode/equiplet_grid/internal/product"
	"github.com/friendsincode/equiplet_grid/internal/server"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
	"github.com/friendsincode/equiplet_grid/internal/version"
)

const agentSubjectPrefix = "equigrid.agents"

// Service is one running grid instance: blackboard, messaging, the equiplet pool, product
// intake and the HTTP status surface.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger
	def    *Definition

	db        *gorm.DB
	store     blackboard.Store
	bus       events.Broker
	natsConn  *nats.Conn
	transport messaging.Transport
	cache     *cache.Cache
	directory *directory.Directory
	clock     ledger.Clock
	pool      *Pool
	intake    *product.Intake
	leader    *product.LeaderAware
	tracer    *telemetry.TracerProvider
	server    *server.Server

	closeOnce sync.Once
	closers   []func() error
}

// InstanceID picks the configured id, the host name, or a random id.
func InstanceID(cfg *config.Config) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// NewService connects every dependency described by cfg and loads the grid file.
// logs may be nil.
func NewService(ctx context.Context, cfg *config.Config, def *Definition, logs *logbuffer.Buffer, logger zerolog.Logger) (_ *Service, err error) {
	s := &Service{
		cfg:    cfg,
		logger: logger.With().Str("component", "grid").Logger(),
		def:    def,
		clock:  ledger.NewClock(cfg.GridEpoch, cfg.TickLength),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	instanceID := InstanceID(cfg)
	s.logger = s.logger.With().Str("instance_id", instanceID).Logger()

	s.tracer, err = telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    version.ServiceName,
		ServiceVersion: version.Version,
		InstanceID:     instanceID,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}
	s.DeferClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.tracer.Shutdown(shutdownCtx)
	})

	if cfg.Transport == config.TransportNATS {
		if err := s.connectNATS(instanceID); err != nil {
			return nil, err
		}
	}
	if err := s.initBus(instanceID); err != nil {
		return nil, err
	}
	if err := s.initStore(ctx); err != nil {
		return nil, err
	}
	s.initTransport()

	opts := []directory.Option{directory.WithBroker(s.bus), directory.WithInstance(instanceID)}
	if cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = cfg.RedisAddr
		cacheCfg.RedisPassword = cfg.RedisPassword
		cacheCfg.RedisDB = cfg.RedisDB
		s.cache, err = cache.New(cacheCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize cache: %w", err)
		}
		s.DeferClose(func() error { return s.cache.Close() })
		opts = append(opts, directory.WithCache(s.cache))
	}
	s.directory = directory.New(s.store, logger, opts...)

	s.pool, err = NewPool(PoolConfig{
		InstanceID:    instanceID,
		Peers:         cfg.Peers,
		LoadWindow:    cfg.LoadWindow,
		TickInterval:  cfg.TickLength,
		SimulateNodes: cfg.SimulateNodes,
	}, s.store, s.directory, s.transport, s.clock, s.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize equiplet pool: %w", err)
	}

	s.intake = product.NewIntake(s.store, s.directory, s.transport, product.IntakeConfig{
		InstanceID:   instanceID,
		PollInterval: cfg.IntakePollInterval,
		Agent: product.Config{
			Negotiation: negotiation.Config{
				CapabilityTimeout: cfg.CapabilityTimeout,
				DurationTimeout:   cfg.DurationTimeout,
			},
			ScheduleTimeout: cfg.ScheduleTimeout,
			Events:          s.bus,
		},
	}, logger)

	if cfg.LeaderElectionEnabled {
		electionCfg := leadership.DefaultConfig()
		electionCfg.RedisAddr = cfg.RedisAddr
		electionCfg.RedisPassword = cfg.RedisPassword
		electionCfg.RedisDB = cfg.RedisDB
		electionCfg.InstanceID = instanceID
		election, err := leadership.NewElection(electionCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize leader election: %w", err)
		}
		s.leader = product.NewLeaderAware(s.intake, election, logger)
		s.logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("leader election enabled for product intake")
	}

	srvOpts := server.Options{
		Addr:       cfg.Addr(),
		InstanceID: instanceID,
		Directory:  s.directory,
		Equiplets:  s.pool,
		Logs:       logs,
	}
	if s.leader != nil {
		srvOpts.Intake = s.leader
	}
	s.server = server.New(srvOpts, logger)

	return s, nil
}

func (s *Service) connectNATS(instanceID string) error {
	natsCfg := eventbus.DefaultNATSConfig()
	natsCfg.URL = s.cfg.NATSURL
	natsCfg.Name = version.ServiceName + "-" + instanceID
	conn, err := eventbus.ConnectNATS(natsCfg, s.logger)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	s.natsConn = conn
	s.DeferClose(func() error {
		conn.Close()
		return nil
	})
	return nil
}

func (s *Service) initBus(instanceID string) error {
	switch s.cfg.EventBus {
	case config.EventBusRedis:
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		bus, err := eventbus.NewRedisBus(redisCfg, instanceID, s.logger)
		if err != nil {
			return fmt.Errorf("initialize redis event bus: %w", err)
		}
		s.bus = bus
		s.DeferClose(bus.Close)
	case config.EventBusNATS:
		if s.natsConn != nil {
			bus := eventbus.NewNATSBusWithConn(s.natsConn, "", instanceID, s.logger)
			s.bus = bus
			s.DeferClose(bus.Close)
			return nil
		}
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Name = version.ServiceName + "-" + instanceID
		bus, err := eventbus.NewNATSBus(natsCfg, instanceID, s.logger)
		if err != nil {
			return fmt.Errorf("initialize nats event bus: %w", err)
		}
		s.bus = bus
		s.DeferClose(bus.Close)
	default:
		s.bus = events.NewBus()
	}
	return nil
}

func (s *Service) initStore(ctx context.Context) error {
	if s.cfg.Blackboard == config.BlackboardMongo {
		store, err := blackboard.ConnectMongo(ctx, s.cfg.MongoURI, s.cfg.MongoDatabase, s.logger)
		if err != nil {
			return fmt.Errorf("connect to mongo blackboard: %w", err)
		}
		s.store = store
		s.DeferClose(func() error { return store.Close(context.Background()) })
		return nil
	}

	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect to blackboard database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate blackboard: %w", err)
	}
	s.store = blackboard.NewSQLStore(database, s.bus, s.logger)
	return nil
}

func (s *Service) initTransport() {
	if s.cfg.Transport == config.TransportNATS {
		s.transport = messaging.NewNATSTransport(s.natsConn, agentSubjectPrefix, s.logger)
	} else {
		s.transport = messaging.NewLocalTransport()
	}
	s.DeferClose(s.transport.Close)
}

// Pool returns the equiplet pool.
func (s *Service) Pool() *Pool { return s.pool }

// Directory returns the discovery directory.
func (s *Service) Directory() *directory.Directory { return s.directory }

// Store returns the blackboard.
func (s *Service) Store() blackboard.Store { return s.store }

// DeferClose registers fn to run on Close, in reverse registration order.
func (s *Service) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Run starts the pool and serves until ctx is done or a component fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := s.pool.Start(ctx, s.def); err != nil {
		return err
	}
	defer s.pool.Stop()

	g.Go(func() error {
		s.directory.WatchInvalidations(ctx)
		return nil
	})

	g.Go(func() error {
		var err error
		if s.leader != nil {
			err = s.leader.Run(ctx)
		} else {
			err = s.intake.Run(ctx)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return s.server.ListenAndServe(ctx)
	})

	if s.db != nil {
		g.Go(func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
				}
			}
		})
	}

	g.Go(func() error {
		s.logTerminations(ctx)
		return nil
	})

	s.logger.Info().Strs("hosted", s.pool.Hosted()).Msg("grid instance running")
	return g.Wait()
}

// logTerminations reports agents that left the grid on a fault, on any instance.
func (s *Service) logTerminations(ctx context.Context) {
	sub := s.bus.Subscribe(events.EventAgentTerminated)
	defer s.bus.Unsubscribe(events.EventAgentTerminated, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			s.logger.Warn().
				Interface("agent", payload["agent"]).
				Interface("kind", payload["kind"]).
				Interface("instance", payload["instance_id"]).
				Interface("error", payload["error"]).
				Msg("agent terminated")
		}
	}
}

// Close releases every dependency.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
