package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a value is left empty.
const (
	DefaultIdleTimeout      = 120 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultAnomalyThreshold = 0.00005
	DefaultNumShards        = 256
	DefaultPacketChannel    = 4096
	DefaultModelTimeout     = 2 * time.Second
	DefaultSnapshotLen      = 1600
	DefaultNATSSubject      = "netanomaly.packets"
	DefaultAnomalySubject   = "netanomaly.anomalies"
	DefaultFlushInterval    = 10 * time.Second
	DefaultBatchSize        = 1000
	DefaultCheckInterval    = time.Minute
	DefaultListenAddr       = ":8080"
)

// EngineConfig holds the flow table and pipeline settings.
type EngineConfig struct {
	IdleTimeout         string  `yaml:"idle_timeout"`
	ClosingTimeout      string  `yaml:"closing_timeout"`
	SweepInterval       string  `yaml:"sweep_interval"`
	AnomalyThreshold    float64 `yaml:"anomaly_threshold"`
	NumShards           uint32  `yaml:"num_shards"`
	NumWorkers          int     `yaml:"num_workers"`
	SizeOfPacketChannel int     `yaml:"size_of_packet_channel"`
	MaxFlows            int     `yaml:"max_flows"`

	idleTimeout    time.Duration
	closingTimeout time.Duration
	sweepInterval  time.Duration
}

// IdleTimeoutDuration returns the parsed idle timeout. Valid after Validate.
func (e *EngineConfig) IdleTimeoutDuration() time.Duration { return e.idleTimeout }

// ClosingTimeoutDuration returns the parsed closing timeout (0 means idle timeout).
func (e *EngineConfig) ClosingTimeoutDuration() time.Duration { return e.closingTimeout }

// SweepIntervalDuration returns the parsed sweep interval.
func (e *EngineConfig) SweepIntervalDuration() time.Duration { return e.sweepInterval }

// ModelConfig selects and configures the anomaly scorer.
type ModelConfig struct {
	// Type is one of "autoencoder", "grpc" or "constant".
	Type string `yaml:"type"`
	// Path is the directory holding the autoencoder .npy weights.
	Path string `yaml:"path"`
	// GRPCAddr is the ns-scorer address for the "grpc" type.
	GRPCAddr      string  `yaml:"grpc_addr"`
	Timeout       string  `yaml:"timeout"`
	ConstantScore float64 `yaml:"constant_score"`
	// ListenAddr is where ns-scorer serves the model.
	ListenAddr string `yaml:"listen_addr"`

	timeout time.Duration
}

// TimeoutDuration returns the per-call scoring timeout.
func (m *ModelConfig) TimeoutDuration() time.Duration { return m.timeout }

// SourceConfig selects where packet events come from.
type SourceConfig struct {
	// Type is one of "live", "pcap" or "nats".
	Type        string `yaml:"type"`
	Iface       string `yaml:"iface"`
	SnapshotLen int32  `yaml:"snapshot_len"`
	Promiscuous bool   `yaml:"promiscuous"`
	BPFFilter   string `yaml:"bpf_filter"`
	PcapFile    string `yaml:"pcap_file"`
	// MaxPackets stops the source after that many events; 0 means unlimited.
	MaxPackets int `yaml:"max_packets"`
}

// ProbeConfig holds the NATS transport used between ns-probe and ns-detector.
type ProbeConfig struct {
	NATSURL        string `yaml:"nats_url"`
	Subject        string `yaml:"subject"`
	AnomalySubject string `yaml:"anomaly_subject"`
}

// SinkDef enables one observer of dispatched updates.
type SinkDef struct {
	Type    string `yaml:"type"`
	Enabled bool   `yaml:"enabled"`
	// AnomaliesOnly restricts the log sink to flagged updates.
	AnomaliesOnly bool `yaml:"anomalies_only"`
	// MailboxSize overrides the dispatcher mailbox for this sink.
	MailboxSize int `yaml:"mailbox_size"`
}

// ClickHouseConfig holds the connection details for the anomaly store.
type ClickHouseConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	FlushInterval string `yaml:"flush_interval"`
	BatchSize     int    `yaml:"batch_size"`

	flushInterval time.Duration
}

// FlushIntervalDuration returns the parsed batch flush interval.
func (c *ClickHouseConfig) FlushIntervalDuration() time.Duration { return c.flushInterval }

// AIConfig configures the optional AI analysis of alert summaries.
type AIConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AlerterConfig configures the periodic anomaly email summary.
type AlerterConfig struct {
	CheckInterval string   `yaml:"check_interval"`
	MinAnomalies  int      `yaml:"min_anomalies"`
	AIAnalysis    AIConfig `yaml:"ai_analysis"`

	checkInterval time.Duration
}

// CheckIntervalDuration returns the parsed alert evaluation interval.
func (a *AlerterConfig) CheckIntervalDuration() time.Duration { return a.checkInterval }

// SMTPConfig holds the mail relay used by the email notifier.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// APIConfig configures the diagnostics HTTP API.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Model      ModelConfig      `yaml:"model"`
	Source     SourceConfig     `yaml:"source"`
	Probe      ProbeConfig      `yaml:"probe"`
	Sinks      []SinkDef        `yaml:"sinks"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Alerter    AlerterConfig    `yaml:"alerter"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	API        APIConfig        `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file, applies defaults and validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills in defaults and checks value ranges.
func (c *Config) Validate() error {
	var err error
	e := &c.Engine
	if e.idleTimeout, err = parseDuration(e.IdleTimeout, DefaultIdleTimeout); err != nil {
		return fmt.Errorf("invalid engine idle_timeout: %w", err)
	}
	if e.closingTimeout, err = parseDuration(e.ClosingTimeout, 0); err != nil {
		return fmt.Errorf("invalid engine closing_timeout: %w", err)
	}
	if e.sweepInterval, err = parseDuration(e.SweepInterval, DefaultSweepInterval); err != nil {
		return fmt.Errorf("invalid engine sweep_interval: %w", err)
	}
	if e.idleTimeout <= 0 || e.sweepInterval <= 0 {
		return fmt.Errorf("engine idle_timeout and sweep_interval must be positive durations")
	}
	if e.closingTimeout < 0 {
		return fmt.Errorf("engine closing_timeout must not be negative")
	}
	if e.AnomalyThreshold == 0 {
		e.AnomalyThreshold = DefaultAnomalyThreshold
	}
	if e.AnomalyThreshold < 0 {
		return fmt.Errorf("engine anomaly_threshold must not be negative")
	}
	if e.NumShards == 0 {
		e.NumShards = DefaultNumShards
	}
	if e.NumWorkers <= 0 {
		e.NumWorkers = runtime.NumCPU()
	}
	if e.SizeOfPacketChannel <= 0 {
		e.SizeOfPacketChannel = DefaultPacketChannel
	}
	if e.MaxFlows < 0 {
		return fmt.Errorf("engine max_flows must not be negative")
	}

	m := &c.Model
	if m.Type == "" {
		m.Type = "autoencoder"
	}
	switch m.Type {
	case "autoencoder", "grpc", "constant":
	default:
		return fmt.Errorf("unknown model type '%s'", m.Type)
	}
	if m.timeout, err = parseDuration(m.Timeout, DefaultModelTimeout); err != nil {
		return fmt.Errorf("invalid model timeout: %w", err)
	}

	if c.Source.Type == "" {
		c.Source.Type = "live"
	}
	if c.Source.MaxPackets < 0 {
		return fmt.Errorf("source max_packets must not be negative")
	}
	if c.Source.SnapshotLen <= 0 {
		c.Source.SnapshotLen = DefaultSnapshotLen
	}
	if c.Probe.Subject == "" {
		c.Probe.Subject = DefaultNATSSubject
	}
	if c.Probe.AnomalySubject == "" {
		c.Probe.AnomalySubject = DefaultAnomalySubject
	}

	ch := &c.ClickHouse
	if ch.flushInterval, err = parseDuration(ch.FlushInterval, DefaultFlushInterval); err != nil {
		return fmt.Errorf("invalid clickhouse flush_interval: %w", err)
	}
	if ch.BatchSize <= 0 {
		ch.BatchSize = DefaultBatchSize
	}

	if c.Alerter.checkInterval, err = parseDuration(c.Alerter.CheckInterval, DefaultCheckInterval); err != nil {
		return fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	if c.Alerter.MinAnomalies <= 0 {
		c.Alerter.MinAnomalies = 1
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = DefaultListenAddr
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
