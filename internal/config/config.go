package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Exit codes used by cmd binaries for unrecoverable startup failures.
const (
	ExitOK          = 0
	ExitConfigError = 2
	ExitBusError    = 3
	ExitBindError   = 4
)

// Config is an immutable snapshot of all runtime configuration. It is built
// once at startup; live-tunable subsystems (estimator weights, exploration
// rate) keep their own atomic snapshots and never mutate this struct.
type Config struct {
	Bus          BusConfig          `yaml:"bus"`
	Agent        AgentConfig        `yaml:"agent"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Router       RouterConfig       `yaml:"router"`
	Tools        ToolsConfig        `yaml:"tools"`
	Channels     ChannelConfig      `yaml:"channels"`
	Log          LogConfig          `yaml:"log"`
}

type BusConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AgentConfig struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	Workers int    `yaml:"workers"`
	// DedupeSize bounds the duplicate-suppression LRU.
	DedupeSize int `yaml:"dedupe_size"`
	// HistorySize bounds the per-task conversational ring.
	HistorySize  int           `yaml:"history_size"`
	QueueDepth   int           `yaml:"queue_depth"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
	// Required lists the agents that must be online for system_ready.
	Required []string `yaml:"required"`
}

type OrchestratorConfig struct {
	MaxRounds          int           `yaml:"max_rounds"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	PlateauDelta       float64       `yaml:"plateau_delta"`
	PlateauWindow      int           `yaml:"plateau_window"`
	ConsensusThreshold float64       `yaml:"consensus_threshold"`
	HistoryLimit       int           `yaml:"history_limit"`
}

type GatewayConfig struct {
	Addr          string        `yaml:"addr"`
	SendQueue     int           `yaml:"send_queue"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	MaxMissedPong int           `yaml:"max_missed_pong"`
}

type RouterConfig struct {
	EpsilonMin       float64       `yaml:"epsilon_min"`
	EpsilonMax       float64       `yaml:"epsilon_max"`
	Tau              float64       `yaml:"tau"`
	SuccessWeight    float64       `yaml:"success_weight"`
	DurationWeight   float64       `yaml:"duration_weight"`
	MinSamples       int           `yaml:"min_samples"`
	Clusters         int           `yaml:"clusters"`
	RetrainThreshold int           `yaml:"retrain_threshold"`
	RebuildInterval  time.Duration `yaml:"rebuild_interval"`
	OutcomeLimit     int           `yaml:"outcome_limit"`
	DefaultAgent     string        `yaml:"default_agent"`
	Candidates       []string      `yaml:"candidates"`
	EmbeddingModel   string        `yaml:"embedding_model"`
	EmbeddingAPIKey  string        `yaml:"embedding_api_key"`
}

type ToolsConfig struct {
	APIURL  string        `yaml:"api_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ChannelConfig struct {
	Frontend     string `yaml:"frontend"`
	SystemStatus string `yaml:"system_status"`
	DeadLetter   string `yaml:"dead_letter"`
	ToolRequests string `yaml:"tool_requests"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load builds a Config from environment variables. An optional YAML file,
// applied on top of the environment, can override any field.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Bus: BusConfig{
			URL:      getEnv("BUS_URL", "redis://localhost:6379"),
			Password: getEnv("BUS_PASSWORD", ""),
			DB:       getEnvInt("BUS_DB", 0),
		},
		Agent: AgentConfig{
			Name:         getEnv("AGENT_NAME", ""),
			APIKey:       getEnv("AGENT_API_KEY", ""),
			Workers:      getEnvInt("AGENT_WORKERS", 4),
			DedupeSize:   getEnvInt("AGENT_DEDUPE_SIZE", 1024),
			HistorySize:  getEnvInt("AGENT_HISTORY_SIZE", 32),
			QueueDepth:   getEnvInt("AGENT_QUEUE_DEPTH", 256),
			DrainTimeout: getEnvDuration("AGENT_DRAIN_TIMEOUT_SEC", 10*time.Second),
			CallTimeout:  getEnvDuration("AGENT_CALL_TIMEOUT_SEC", 60*time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Interval: getEnvDuration("HEARTBEAT_INTERVAL_SEC", 5*time.Second),
			TTL:      getEnvDuration("HEARTBEAT_TTL_SEC", 15*time.Second),
			Required: getEnvSlice("REQUIRED_AGENTS", []string{"moderator", "arbitrator", "refiner", "toolexecutor", "worker_a", "worker_b"}),
		},
		Orchestrator: OrchestratorConfig{
			MaxRounds:          getEnvInt("MAX_ROUNDS", 4),
			TaskTimeout:        getEnvDuration("TASK_TIMEOUT_SEC", 300*time.Second),
			PlateauDelta:       getEnvFloat("PLATEAU_DELTA", 0.05),
			PlateauWindow:      getEnvInt("PLATEAU_WINDOW", 3),
			ConsensusThreshold: getEnvFloat("CONSENSUS_THRESHOLD", 0.85),
			HistoryLimit:       getEnvInt("MAX_HISTORY_SIZE", 10),
		},
		Gateway: GatewayConfig{
			Addr:          getEnv("GATEWAY_ADDR", ":8000"),
			SendQueue:     getEnvInt("GATEWAY_SEND_QUEUE", 256),
			PingInterval:  getEnvDuration("GATEWAY_PING_INTERVAL_SEC", 30*time.Second),
			MaxMissedPong: getEnvInt("GATEWAY_MAX_MISSED_PONG", 2),
		},
		Router: RouterConfig{
			EpsilonMin:       getEnvFloat("ROUTER_EPSILON_MIN", 0.05),
			EpsilonMax:       getEnvFloat("ROUTER_EPSILON_MAX", 0.3),
			Tau:              getEnvFloat("ROUTER_TAU", 200),
			SuccessWeight:    getEnvFloat("ROUTER_SUCCESS_WEIGHT", 0.6),
			DurationWeight:   getEnvFloat("ROUTER_DURATION_WEIGHT", 0.4),
			MinSamples:       getEnvInt("ROUTER_MIN_SAMPLES", 5),
			Clusters:         getEnvInt("ROUTER_CLUSTERS", 5),
			RetrainThreshold: getEnvInt("ROUTER_RETRAIN_THRESHOLD", 50),
			RebuildInterval:  getEnvDuration("ROUTER_REBUILD_INTERVAL_SEC", 600*time.Second),
			OutcomeLimit:     getEnvInt("ROUTER_OUTCOME_LIMIT", 1000),
			DefaultAgent:     getEnv("ROUTER_DEFAULT_AGENT", "worker_a"),
			Candidates:       getEnvSlice("ROUTER_CANDIDATES", []string{"worker_a", "worker_b"}),
			EmbeddingModel:   getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingAPIKey:  getEnv("EMBEDDING_API_KEY", ""),
		},
		Tools: ToolsConfig{
			APIURL:  getEnv("TOOLS_API_URL", "http://toolcore:8001"),
			Timeout: getEnvDuration("TOOLS_TIMEOUT_SEC", 60*time.Second),
		},
		Channels: ChannelConfig{
			Frontend:     getEnv("FRONTEND_CHANNEL", "frontend_broadcast"),
			SystemStatus: getEnv("SYSTEM_STATUS_CHANNEL", "system_status"),
			DeadLetter:   getEnv("DEAD_LETTER_CHANNEL", "dead_letter"),
			ToolRequests: getEnv("TOOL_REQUESTS_CHANNEL", "tool_requests"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working process.
func (c *Config) Validate() error {
	if c.Bus.URL == "" {
		return fmt.Errorf("bus url must not be empty")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Heartbeat.TTL < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat ttl (%s) must be >= interval (%s)", c.Heartbeat.TTL, c.Heartbeat.Interval)
	}
	if c.Orchestrator.MaxRounds < 1 {
		return fmt.Errorf("max rounds must be >= 1")
	}
	if c.Orchestrator.PlateauDelta < 0 || c.Orchestrator.PlateauDelta > 1 {
		return fmt.Errorf("plateau delta must be in [0,1]")
	}
	if c.Orchestrator.ConsensusThreshold < 0 || c.Orchestrator.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus threshold must be in [0,1]")
	}
	if c.Router.EpsilonMin < 0 || c.Router.EpsilonMax > 1 || c.Router.EpsilonMin > c.Router.EpsilonMax {
		return fmt.Errorf("router epsilon bounds invalid: min=%v max=%v", c.Router.EpsilonMin, c.Router.EpsilonMax)
	}
	if c.Router.Clusters < 1 {
		return fmt.Errorf("router clusters must be >= 1")
	}
	if c.Agent.Workers < 1 {
		return fmt.Errorf("agent workers must be >= 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration reads an integer number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getEnvSlice(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
