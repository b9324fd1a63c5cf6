/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BlackboardBackend selects the document store.
type BlackboardBackend string

const (
	BlackboardPostgres BlackboardBackend = "postgres"
	BlackboardMySQL    BlackboardBackend = "mysql"
	BlackboardSQLite   BlackboardBackend = "sqlite"
	BlackboardMongo    BlackboardBackend = "mongo"
)

// IsSQL reports whether the backend is served through gorm.
func (b BlackboardBackend) IsSQL() bool {
	return b == BlackboardPostgres || b == BlackboardMySQL || b == BlackboardSQLite
}

// Transport selects the agent message transport.
type Transport string

const (
	TransportLocal Transport = "local"
	TransportNATS  Transport = "nats"
)

// EventBus selects how blackboard change notifications travel between instances.
type EventBus string

const (
	EventBusMemory EventBus = "memory"
	EventBusRedis  EventBus = "redis"
	EventBusNATS   EventBus = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	// Blackboard
	Blackboard    BlackboardBackend
	DBDSN         string
	MongoURI      string
	MongoDatabase string

	// Messaging
	Transport Transport
	EventBus  EventBus
	NATSURL   string

	// Redis (event bus, directory cache, leader election)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheEnabled  bool

	// Grid timing
	TickLength         time.Duration
	GridEpoch          time.Time
	LoadWindow         int64
	CapabilityTimeout  time.Duration
	DurationTimeout    time.Duration
	ScheduleTimeout    time.Duration
	IntakePollInterval time.Duration

	// Grid membership
	GridFile              string
	InstanceID            string
	Peers                 []string
	LeaderElectionEnabled bool
	SimulateNodes         bool

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"EQUIGRID_ENV", "GRID_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"EQUIGRID_HTTP_BIND", "GRID_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"EQUIGRID_HTTP_PORT", "GRID_HTTP_PORT"}, 8080),

		Blackboard:    BlackboardBackend(getEnvAny([]string{"EQUIGRID_BLACKBOARD", "GRID_BLACKBOARD"}, string(BlackboardSQLite))),
		DBDSN:         getEnvAny([]string{"EQUIGRID_DB_DSN", "GRID_DB_DSN"}, ""),
		MongoURI:      getEnvAny([]string{"EQUIGRID_MONGO_URI", "GRID_MONGO_URI"}, "mongodb://localhost:27017"),
		MongoDatabase: getEnvAny([]string{"EQUIGRID_MONGO_DATABASE", "GRID_MONGO_DATABASE"}, "equiplet_grid"),

		Transport: Transport(getEnvAny([]string{"EQUIGRID_TRANSPORT", "GRID_TRANSPORT"}, string(TransportLocal))),
		EventBus:  EventBus(getEnvAny([]string{"EQUIGRID_EVENT_BUS", "GRID_EVENT_BUS"}, string(EventBusMemory))),
		NATSURL:   getEnvAny([]string{"EQUIGRID_NATS_URL", "GRID_NATS_URL"}, "nats://localhost:4222"),

		RedisAddr:     getEnvAny([]string{"EQUIGRID_REDIS_ADDR", "GRID_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"EQUIGRID_REDIS_PASSWORD", "GRID_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"EQUIGRID_REDIS_DB", "GRID_REDIS_DB"}, 0),
		CacheEnabled:  getEnvBoolAny([]string{"EQUIGRID_CACHE_ENABLED", "GRID_CACHE_ENABLED"}, false),

		TickLength:         time.Duration(getEnvIntAny([]string{"EQUIGRID_TICK_MS", "GRID_TICK_MS"}, 1000)) * time.Millisecond,
		LoadWindow:         int64(getEnvIntAny([]string{"EQUIGRID_LOAD_WINDOW", "GRID_LOAD_WINDOW"}, 600)),
		CapabilityTimeout:  time.Duration(getEnvIntAny([]string{"EQUIGRID_CAPABILITY_TIMEOUT_MS", "GRID_CAPABILITY_TIMEOUT_MS"}, 10000)) * time.Millisecond,
		DurationTimeout:    time.Duration(getEnvIntAny([]string{"EQUIGRID_DURATION_TIMEOUT_MS", "GRID_DURATION_TIMEOUT_MS"}, 10000)) * time.Millisecond,
		ScheduleTimeout:    time.Duration(getEnvIntAny([]string{"EQUIGRID_SCHEDULE_TIMEOUT_MS", "GRID_SCHEDULE_TIMEOUT_MS"}, 10000)) * time.Millisecond,
		IntakePollInterval: time.Duration(getEnvIntAny([]string{"EQUIGRID_INTAKE_POLL_MS", "GRID_INTAKE_POLL_MS"}, 2000)) * time.Millisecond,

		GridFile:              getEnvAny([]string{"EQUIGRID_GRID_FILE", "GRID_FILE"}, "grid.yaml"),
		InstanceID:            getEnvAny([]string{"EQUIGRID_INSTANCE_ID", "GRID_INSTANCE_ID"}, ""),
		Peers:                 splitList(getEnvAny([]string{"EQUIGRID_PEERS", "GRID_PEERS"}, "")),
		LeaderElectionEnabled: getEnvBoolAny([]string{"EQUIGRID_LEADER_ELECTION_ENABLED", "GRID_LEADER_ELECTION_ENABLED"}, false),
		SimulateNodes:         getEnvBoolAny([]string{"EQUIGRID_SIMULATE_NODES", "GRID_SIMULATE_NODES"}, false),

		TracingEnabled:    getEnvBoolAny([]string{"EQUIGRID_TRACING_ENABLED", "GRID_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"EQUIGRID_OTLP_ENDPOINT", "GRID_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"EQUIGRID_TRACING_SAMPLE_RATE", "GRID_TRACING_SAMPLE_RATE"}, 1.0),
	}

	epoch := getEnvAny([]string{"EQUIGRID_EPOCH", "GRID_EPOCH"}, "")
	if epoch == "" {
		cfg.GridEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse(time.RFC3339, epoch)
		if err != nil {
			return nil, fmt.Errorf("EQUIGRID_EPOCH must be RFC3339: %w", err)
		}
		cfg.GridEpoch = parsed
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Blackboard.IsSQL():
		if c.DBDSN == "" {
			if c.Blackboard != BlackboardSQLite {
				return fmt.Errorf("EQUIGRID_DB_DSN or GRID_DB_DSN must be provided for %s", c.Blackboard)
			}
			c.DBDSN = "equiplet_grid.db"
		}
	case c.Blackboard == BlackboardMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("EQUIGRID_MONGO_URI must be provided for the mongo blackboard")
		}
	default:
		return fmt.Errorf("unsupported blackboard backend %q", c.Blackboard)
	}

	if c.Transport != TransportLocal && c.Transport != TransportNATS {
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.EventBus != EventBusMemory && c.EventBus != EventBusRedis && c.EventBus != EventBusNATS {
		return fmt.Errorf("unsupported event bus %q", c.EventBus)
	}
	if c.Transport == TransportLocal && len(c.Peers) > 0 {
		return fmt.Errorf("EQUIGRID_PEERS requires the nats transport")
	}
	if c.TickLength <= 0 {
		return fmt.Errorf("EQUIGRID_TICK_MS must be positive")
	}
	if c.LoadWindow <= 0 {
		return fmt.Errorf("EQUIGRID_LOAD_WINDOW must be positive")
	}
	if c.CapabilityTimeout <= 0 || c.DurationTimeout <= 0 || c.ScheduleTimeout <= 0 {
		return fmt.Errorf("negotiation timeouts must be positive")
	}
	return nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":             "use EQUIGRID_ENV (or GRID_ENV)",
		"LEADER_ELECTION_ENABLED": "use EQUIGRID_LEADER_ELECTION_ENABLED",
		"TRACING_ENABLED":         "use EQUIGRID_TRACING_ENABLED (or GRID_TRACING_ENABLED)",
		"OTLP_ENDPOINT":           "use EQUIGRID_OTLP_ENDPOINT (or GRID_OTLP_ENDPOINT)",
		"EQUIPLET_LOAD_WINDOW":    "use EQUIGRID_LOAD_WINDOW",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
