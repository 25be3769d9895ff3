package config

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/joripage/mbo-replay/pkg/feed"
)

// DefaultP99ThresholdNs is the latency spike threshold applied when no
// override is configured (10ms).
const DefaultP99ThresholdNs uint64 = 10_000_000

type AppConfig struct {
	ServiceName string `yaml:"service_name"`

	// DBNFile is the input path. Precedence at startup:
	// DBN_FILE env > config file > positional argument > autodiscovery.
	DBNFile string `yaml:"dbn_file"`

	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	PoolSize int    `yaml:"pool_size"`

	LatencyP99ThresholdNs uint64 `yaml:"latency_p99_threshold_ns"`
	LatencyP99WarnNs      uint64 `yaml:"latency_p99_warn_ns"`
	QuietMetrics          bool   `yaml:"quiet_metrics"`

	Feed feed.Config `yaml:"feed"`
}

func defaults() *AppConfig {
	return &AppConfig{
		ServiceName:           "mbo-replay",
		Port:                  8080,
		LogLevel:              "info",
		LatencyP99ThresholdNs: DefaultP99ThresholdNs,
		LatencyP99WarnNs:      DefaultP99ThresholdNs,
	}
}

// Load reads config from file and environment variables. An empty filePath
// falls back to CONFIG_FILE; when neither names a file, environment
// variables over defaults apply.
func Load(filePath string) (*AppConfig, error) {
	if len(filePath) == 0 {
		filePath = os.Getenv("CONFIG_FILE")
	}

	sugar := zap.S().With("func", "config.Load", "filePath", filePath)
	cfg := defaults()

	if len(filePath) > 0 {
		configBytes, err := os.ReadFile(filePath)
		if err != nil {
			sugar.Error("Failed to load config file")
			return nil, err
		}
		configBytes = []byte(os.ExpandEnv(string(configBytes)))

		if err := yaml.Unmarshal(configBytes, cfg); err != nil {
			sugar.Error("Failed to parse config file")
			return nil, err
		}
	}

	cfg.applyEnv()
	zap.S().Debugf("config: %+v", cfg)
	return cfg, nil
}

// applyEnv overlays the environment variables the replay tool honors.
func (c *AppConfig) applyEnv() {
	if v := os.Getenv("DBN_FILE"); v != "" {
		c.DBNFile = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("LATENCY_P99_THRESHOLD_NS"); v != "" {
		if ns, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.LatencyP99ThresholdNs = ns
		}
	}
	if v := os.Getenv("LATENCY_P99_WARN_NS"); v != "" {
		if ns, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.LatencyP99WarnNs = ns
		}
	}
	if os.Getenv("QUIET_METRICS") == "1" {
		c.QuietMetrics = true
	}
}
