package domain

import "time"

// Config holds the complete muleguard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" koanf:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier" koanf:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" koanf:"repository"`
	Cache      CacheConfig      `json:"cache" koanf:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" koanf:"eventbus"`

	// Detection thresholds, immutable for the lifetime of an engine
	Detection DetectionConfig `json:"detection" koanf:"detection"`

	// Request-level limits around the engine
	Analysis AnalysisConfig `json:"analysis" koanf:"analysis"`

	// Observability
	Logging LoggingConfig `json:"logging" koanf:"logging"`
	Tracing TracingConfig `json:"tracing" koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" koanf:"host"`
	Port         int    `json:"port" koanf:"port"`
	ReadTimeout  int    `json:"readTimeout" koanf:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" koanf:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" koanf:"level"`   // debug, info, warn, error
	Format string `json:"format" koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" koanf:"enabled"`
	ServiceName string `json:"serviceName" koanf:"service_name"`
}

// AnalysisConfig bounds the work a single request may trigger.
type AnalysisConfig struct {
	// Timeout for one engine run; cycle enumeration returns partial results when hit
	Timeout time.Duration `json:"timeout" koanf:"timeout"`

	// MaxBodyBytes caps uploaded CSV/JSON payloads
	MaxBodyBytes int64 `json:"maxBodyBytes" koanf:"max_body_bytes"`

	// ResultTTL is how long identical batches are served from cache (0 disables)
	ResultTTL time.Duration `json:"resultTtl" koanf:"result_ttl"`

	// QuotaPerWindow limits analyses per tenant (0 disables)
	QuotaPerWindow int64         `json:"quotaPerWindow" koanf:"quota_per_window"`
	QuotaWindow    time.Duration `json:"quotaWindow" koanf:"quota_window"`

	// Async worker settings
	AsyncWorker       bool     `json:"asyncWorker" koanf:"async_worker"`
	WorkerConcurrency int      `json:"workerConcurrency" koanf:"worker_concurrency"`
	TenantIDs         []string `json:"tenantIds" koanf:"tenant_ids"`
}

// Pass-through pairing policies.
const (
	PairingAggregate = "aggregate"
	PairingPairwise  = "pairwise"
)

// Ring score policies.
const (
	RingScoreMean = "mean"
	RingScoreMax  = "max"
)

// DetectionConfig holds every detector threshold and scoring weight.
// It is passed by value into the engine and never mutated afterwards.
type DetectionConfig struct {
	// Cycles
	MinCycleLength int           `json:"minCycleLength" koanf:"min_cycle_length"`
	MaxCycleLength int           `json:"maxCycleLength" koanf:"max_cycle_length"`
	MaxCycles      int           `json:"maxCycles" koanf:"max_cycles"`
	CycleTimeLimit time.Duration `json:"cycleTimeLimit" koanf:"cycle_time_limit"`

	// Fan-in / fan-out, counted on distinct counterparties
	FanThreshold int `json:"fanThreshold" koanf:"fan_threshold"`

	// Layered chains
	MinChainHops   int `json:"minChainHops" koanf:"min_chain_hops"`
	ChainMaxDegree int `json:"chainMaxDegree" koanf:"chain_max_degree"`
	MaxChainVisits int `json:"maxChainVisits" koanf:"max_chain_visits"`

	// Pass-through / shell
	PassThroughRatio   float64       `json:"passThroughRatio" koanf:"pass_through_ratio"`
	PassThroughWindow  time.Duration `json:"passThroughWindow" koanf:"pass_through_window"`
	PassThroughPairing string        `json:"passThroughPairing" koanf:"pass_through_pairing"`

	// Temporal burst
	BurstWindow time.Duration `json:"burstWindow" koanf:"burst_window"`
	BurstMinTx  int           `json:"burstMinTx" koanf:"burst_min_tx"`

	// Amount anomaly
	AnomalySigma      float64 `json:"anomalySigma" koanf:"anomaly_sigma"`
	AnomalyMinSamples int     `json:"anomalyMinSamples" koanf:"anomaly_min_samples"`
	AnomalyStdFloor   float64 `json:"anomalyStdFloor" koanf:"anomaly_std_floor"`

	// Round-amount structuring
	RoundAmountUnit int64   `json:"roundAmountUnit" koanf:"round_amount_unit"`
	RoundRatio      float64 `json:"roundRatio" koanf:"round_ratio"`
	RoundMinTx      int     `json:"roundMinTx" koanf:"round_min_tx"`

	// Rapid dormancy
	DormancyActiveWindow time.Duration `json:"dormancyActiveWindow" koanf:"dormancy_active_window"`
	DormancySilentWindow time.Duration `json:"dormancySilentWindow" koanf:"dormancy_silent_window"`
	DormancyMinTx        int           `json:"dormancyMinTx" koanf:"dormancy_min_tx"`

	// Smurfing
	SmurfMinSources   int           `json:"smurfMinSources" koanf:"smurf_min_sources"`
	SmurfWindow       time.Duration `json:"smurfWindow" koanf:"smurf_window"`
	SmurfMaxOutDegree int           `json:"smurfMaxOutDegree" koanf:"smurf_max_out_degree"`

	// Scoring
	CycleWeight         int `json:"cycleWeight" koanf:"cycle_weight"`
	ShellWeight         int `json:"shellWeight" koanf:"shell_weight"`
	BurstWeight         int `json:"burstWeight" koanf:"burst_weight"`
	FanInWeight         int `json:"fanInWeight" koanf:"fan_in_weight"`
	FanOutWeight        int `json:"fanOutWeight" koanf:"fan_out_weight"`
	MaxScore            int `json:"maxScore" koanf:"max_score"`
	SuspiciousThreshold int `json:"suspiciousThreshold" koanf:"suspicious_threshold"`

	// Rings
	MinRingSize     int    `json:"minRingSize" koanf:"min_ring_size"`
	RingScorePolicy string `json:"ringScorePolicy" koanf:"ring_score_policy"`

	// Serialization
	MaxVizNodes int `json:"maxVizNodes" koanf:"max_viz_nodes"`

	// Detector parallelism
	Workers int `json:"workers" koanf:"workers"`
}

// DefaultDetectionConfig returns the stock thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		MinCycleLength: 3,
		MaxCycleLength: 5,
		MaxCycles:      500,
		CycleTimeLimit: 5 * time.Second,

		FanThreshold: 10,

		MinChainHops:   3,
		ChainMaxDegree: 2,
		MaxChainVisits: 200000,

		PassThroughRatio:   0.98,
		PassThroughWindow:  48 * time.Hour,
		PassThroughPairing: PairingPairwise,

		BurstWindow: 72 * time.Hour,
		BurstMinTx:  10,

		AnomalySigma:      3.0,
		AnomalyMinSamples: 5,
		AnomalyStdFloor:   0.1,

		RoundAmountUnit: 1000,
		RoundRatio:      0.5,
		RoundMinTx:      3,

		DormancyActiveWindow: 48 * time.Hour,
		DormancySilentWindow: 168 * time.Hour,
		DormancyMinTx:        5,

		SmurfMinSources:   5,
		SmurfWindow:       24 * time.Hour,
		SmurfMaxOutDegree: 1,

		CycleWeight:         50,
		ShellWeight:         30,
		BurstWeight:         20,
		FanInWeight:         10,
		FanOutWeight:        10,
		MaxScore:            100,
		SuspiciousThreshold: 60,

		MinRingSize:     3,
		RingScorePolicy: RingScoreMean,

		MaxVizNodes: 2000,

		Workers: 8,
	}
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  60,
			WriteTimeout: 60,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./muleguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Detection: DefaultDetectionConfig(),
		Analysis: AnalysisConfig{
			Timeout:           30 * time.Second,
			MaxBodyBytes:      64 << 20,
			ResultTTL:         10 * time.Minute,
			QuotaPerWindow:    0,
			QuotaWindow:       time.Hour,
			WorkerConcurrency: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "muleguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "muleguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   200,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Analysis.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
