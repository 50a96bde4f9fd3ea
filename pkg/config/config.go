package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const envPrefix = "STREAMSIGHT"

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Redis struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		Password        string        `yaml:"password"`
		DB              int           `yaml:"db"`
		PoolSize        int           `yaml:"pool_size"`
		ConnectAttempts int           `yaml:"connect_attempts"`
		Required        bool          `yaml:"required"` // fail startup instead of falling back to memory
		ReportTTL       time.Duration `yaml:"report_ttl"`
	} `yaml:"redis"`

	Cache struct {
		ReportTTL time.Duration `yaml:"report_ttl"`
	} `yaml:"cache"`

	// Auth guards the report-mutating routes with HS256 bearer tokens.
	Auth struct {
		Enabled   bool          `yaml:"enabled"`
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Backup struct {
		Enabled        bool          `yaml:"enabled"`
		Path           string        `yaml:"path"`
		Interval       time.Duration `yaml:"interval"`
		Retention      time.Duration `yaml:"retention"`
		MaxBackups     int           `yaml:"max_backups"`
		RestoreOnStart bool          `yaml:"restore_on_start"`
	} `yaml:"backup"`

	Reliability struct {
		RetryEnabled     bool          `yaml:"retry_enabled"`
		MaxAttempts      int           `yaml:"max_attempts"`
		InitialDelay     time.Duration `yaml:"initial_delay"`
		FailureThreshold int           `yaml:"failure_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"reliability"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Analysis AnalysisConfig `yaml:"analysis"`
}

// AnalysisConfig holds every tunable of the delay-analysis engine.
type AnalysisConfig struct {
	Workers int           `yaml:"workers"` // 0 means GOMAXPROCS
	Timeout time.Duration `yaml:"timeout"` // overall wall-clock budget, 0 disables

	TCP struct {
		DelayedAckThreshold time.Duration `yaml:"delayed_ack_threshold"`
		Window              time.Duration `yaml:"window"`
		SustainWindows      int           `yaml:"sustain_windows"`
	} `yaml:"tcp"`

	UDP struct {
		// JitterGain is fixed at 1/16 by RFC 3550; changing it breaks comparability.
		JitterGain     float64  `yaml:"jitter_gain"`
		LossSigma      float64  `yaml:"loss_sigma"`
		MinLossSamples int      `yaml:"min_loss_samples"`
		MaxRegularCV   float64  `yaml:"max_regular_cv"`
		JitterWeight   float64  `yaml:"jitter_weight"`
		LossWeight     float64  `yaml:"loss_weight"`
		RTPPorts       []uint16 `yaml:"rtp_ports"`
		RTCPPorts      []uint16 `yaml:"rtcp_ports"`
	} `yaml:"udp"`

	MQTT struct {
		PlainPort     uint16        `yaml:"plain_port"`
		TLSPort       uint16        `yaml:"tls_port"`
		PairingWindow time.Duration `yaml:"pairing_window"`
	} `yaml:"mqtt"`

	RootCause struct {
		Window           time.Duration `yaml:"window"`
		RetransRate      float64       `yaml:"retrans_rate"`
		RTTRiseFactor    float64       `yaml:"rtt_rise_factor"`
		LossRate         float64       `yaml:"loss_rate"`
		JitterRatio      float64       `yaml:"jitter_ratio"`
		BrokerProcessing time.Duration `yaml:"broker_processing"`
		BrokerAck        time.Duration `yaml:"broker_ack"`
		CloudUpload      time.Duration `yaml:"cloud_upload"`
		SharedFlows      int           `yaml:"shared_flows"`
	} `yaml:"root_cause"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0,1]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
		}
	}

	if c.Backup.Enabled {
		if c.Backup.Path == "" {
			return fmt.Errorf("backup.path must not be empty when backup.enabled=true")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup.enabled=true")
		}
		if c.Backup.Retention < 0 || c.Backup.MaxBackups < 0 {
			return fmt.Errorf("backup retention limits must be >= 0")
		}
	}

	if c.Reliability.MaxAttempts < 0 {
		return fmt.Errorf("reliability.max_attempts must be >= 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return c.Analysis.Validate()
}

// Validate checks the analysis tunables.
func (a *AnalysisConfig) Validate() error {
	if a.Workers < 0 {
		return fmt.Errorf("analysis.workers must be >= 0")
	}
	if a.Timeout < 0 {
		return fmt.Errorf("analysis.timeout must be >= 0")
	}

	if a.TCP.DelayedAckThreshold <= 0 {
		return fmt.Errorf("analysis.tcp.delayed_ack_threshold must be > 0")
	}
	if a.TCP.Window <= 0 {
		return fmt.Errorf("analysis.tcp.window must be > 0")
	}
	if a.TCP.SustainWindows < 2 {
		return fmt.Errorf("analysis.tcp.sustain_windows must be >= 2")
	}

	if a.UDP.JitterGain <= 0 || a.UDP.JitterGain > 1 {
		return fmt.Errorf("analysis.udp.jitter_gain must be within (0,1]")
	}
	if a.UDP.LossSigma <= 0 {
		return fmt.Errorf("analysis.udp.loss_sigma must be > 0")
	}
	if a.UDP.MinLossSamples < 2 {
		return fmt.Errorf("analysis.udp.min_loss_samples must be >= 2")
	}
	if a.UDP.MaxRegularCV <= 0 {
		return fmt.Errorf("analysis.udp.max_regular_cv must be > 0")
	}
	if a.UDP.JitterWeight < 0 || a.UDP.LossWeight < 0 {
		return fmt.Errorf("analysis.udp weights must be >= 0")
	}
	if a.UDP.JitterWeight+a.UDP.LossWeight == 0 {
		return fmt.Errorf("analysis.udp weights must not both be zero")
	}

	if a.MQTT.PlainPort == 0 || a.MQTT.TLSPort == 0 {
		return fmt.Errorf("analysis.mqtt ports must be set")
	}
	if a.MQTT.PlainPort == a.MQTT.TLSPort {
		return fmt.Errorf("analysis.mqtt.plain_port and tls_port must differ")
	}
	if a.MQTT.PairingWindow <= 0 {
		return fmt.Errorf("analysis.mqtt.pairing_window must be > 0")
	}

	if a.RootCause.Window <= 0 {
		return fmt.Errorf("analysis.root_cause.window must be > 0")
	}
	if a.RootCause.RTTRiseFactor <= 1 {
		return fmt.Errorf("analysis.root_cause.rtt_rise_factor must be > 1")
	}
	if a.RootCause.SharedFlows < 2 {
		return fmt.Errorf("analysis.root_cause.shared_flows must be >= 2")
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
			// fall back to defaults
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 60 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.MaxUploadBytes = 64 << 20

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.ConnectAttempts = 3
	cfg.Redis.ReportTTL = 7 * 24 * time.Hour

	cfg.Cache.ReportTTL = 5 * time.Minute

	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "streamsight"
	cfg.Auth.TokenTTL = time.Hour

	cfg.Backup.Enabled = false
	cfg.Backup.Path = "./data/backups"
	cfg.Backup.Interval = 15 * time.Minute
	cfg.Backup.Retention = 7 * 24 * time.Hour
	cfg.Backup.MaxBackups = 48
	cfg.Backup.RestoreOnStart = true

	cfg.Reliability.RetryEnabled = true
	cfg.Reliability.MaxAttempts = 3
	cfg.Reliability.InitialDelay = 100 * time.Millisecond
	cfg.Reliability.FailureThreshold = 5
	cfg.Reliability.OpenTimeout = 30 * time.Second

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	cfg.Analysis = DefaultAnalysisConfig()
	return cfg
}

// DefaultAnalysisConfig returns the documented engine defaults.
func DefaultAnalysisConfig() AnalysisConfig {
	var a AnalysisConfig
	a.Workers = 0
	a.Timeout = 0

	a.TCP.DelayedAckThreshold = 200 * time.Millisecond
	a.TCP.Window = time.Second
	a.TCP.SustainWindows = 3

	a.UDP.JitterGain = 1.0 / 16
	a.UDP.LossSigma = 3
	a.UDP.MinLossSamples = 8
	a.UDP.MaxRegularCV = 0.5
	a.UDP.JitterWeight = 0.6
	a.UDP.LossWeight = 0.4
	a.UDP.RTPPorts = []uint16{5004, 5006}
	a.UDP.RTCPPorts = []uint16{5005, 5007}

	a.MQTT.PlainPort = 1883
	a.MQTT.TLSPort = 8883
	// Not derived from any validated measurement; tune per deployment.
	a.MQTT.PairingWindow = time.Second

	a.RootCause.Window = time.Second
	a.RootCause.RetransRate = 0.05
	a.RootCause.RTTRiseFactor = 1.5
	a.RootCause.LossRate = 0.02
	a.RootCause.JitterRatio = 0.3
	a.RootCause.BrokerProcessing = 100 * time.Millisecond
	a.RootCause.BrokerAck = 100 * time.Millisecond
	a.RootCause.CloudUpload = 500 * time.Millisecond
	a.RootCause.SharedFlows = 3
	return a
}

// applyEnvOverrides reads STREAMSIGHT_* variables, e.g. STREAMSIGHT_SERVER_ADDRESS.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.IsSet("server.address") {
		c.Server.Address = v.GetString("server.address")
	}
	if v.IsSet("log.level") {
		c.Logging.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		c.Logging.Format = v.GetString("log.format")
	}
	if v.IsSet("auth.enabled") {
		c.Auth.Enabled = v.GetBool("auth.enabled")
	}
	if v.IsSet("auth.jwt_secret") {
		c.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	}
	if v.IsSet("redis.enabled") {
		c.Redis.Enabled = v.GetBool("redis.enabled")
	}
	if v.IsSet("redis.address") {
		c.Redis.Address = v.GetString("redis.address")
	}
	if v.IsSet("redis.password") {
		c.Redis.Password = v.GetString("redis.password")
	}
	if v.IsSet("redis.required") {
		c.Redis.Required = v.GetBool("redis.required")
	}
	if v.IsSet("backup.enabled") {
		c.Backup.Enabled = v.GetBool("backup.enabled")
	}
	if v.IsSet("backup.path") {
		c.Backup.Path = v.GetString("backup.path")
	}
	if v.IsSet("tracing.enabled") {
		c.Tracing.Enabled = v.GetBool("tracing.enabled")
	}
	if v.IsSet("analysis.workers") {
		c.Analysis.Workers = v.GetInt("analysis.workers")
	}
	if v.IsSet("mqtt.pairing_window") {
		c.Analysis.MQTT.PairingWindow = v.GetDuration("mqtt.pairing_window")
	}
	if v.IsSet("udp.loss_sigma") {
		c.Analysis.UDP.LossSigma = v.GetFloat64("udp.loss_sigma")
	}
}
