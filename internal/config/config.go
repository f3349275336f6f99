package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fallguard/internal/detector"
)

type Config struct {
	DeviceID string         `yaml:"device_id"`
	Log      LogConfig      `yaml:"log"`
	Detector DetectorConfig `yaml:"detector"`
	Source   SourceConfig   `yaml:"source"`
	Record   RecordConfig   `yaml:"record"`
	Web      WebConfig      `yaml:"web"`
	Alarm    AlarmConfig    `yaml:"alarm"`

	// Warnings collects values that were replaced by defaults instead of
	// failing validation.
	Warnings []string `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DetectorConfig struct {
	// Enabled defaults to true when absent.
	Enabled      *bool  `yaml:"enabled"`
	Sensitivity  string `yaml:"sensitivity"`
	LowPowerMode bool   `yaml:"low_power_mode"`
}

func (d DetectorConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

const (
	SourceIMU    = "imu"
	SourceReplay = "replay"
	SourceSim    = "sim"
	SourceHTTP   = "http"
)

type SourceConfig struct {
	Kind   string          `yaml:"kind"`
	IMU    IMUConfig       `yaml:"imu"`
	Replay ReplayConfig    `yaml:"replay"`
	Sim    SimSourceConfig `yaml:"sim"`
}

type IMUConfig struct {
	I2CBus int `yaml:"i2c_bus"`
	Addr   int `yaml:"addr"`
	RangeG int `yaml:"range_g"`
	RateHz int `yaml:"rate_hz"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type SimSourceConfig struct {
	// Path is a scenario YAML file or "builtin:<name>".
	Path     string `yaml:"path"`
	Realtime bool   `yaml:"realtime"`
	Loop     bool   `yaml:"loop"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type WebConfig struct {
	Listen      string `yaml:"listen"`
	HistorySize int    `yaml:"history_size"`
	LogLines    int    `yaml:"log_lines"`
}

type AlarmConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Retries   *int          `yaml:"retries"`
	Timeout   time.Duration `yaml:"timeout"`
	Backoff   time.Duration `yaml:"backoff"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Redis     RedisConfig   `yaml:"redis"`
	UDP       UDPConfig     `yaml:"udp"`
	Buzzer    BuzzerConfig  `yaml:"buzzer"`
}

type MQTTConfig struct {
	Enable      bool     `yaml:"enable"`
	Broker      string   `yaml:"broker"`
	ClientID    string   `yaml:"client_id"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QoS         *int     `yaml:"qos"`
	Retained    bool     `yaml:"retained"`
	Kinds       []string `yaml:"kinds"`
}

type RedisConfig struct {
	Enable   bool     `yaml:"enable"`
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Stream   string   `yaml:"stream"`
	MaxLen   int64    `yaml:"max_len"`
	Kinds    []string `yaml:"kinds"`
}

type UDPConfig struct {
	Enable bool     `yaml:"enable"`
	Dest   string   `yaml:"dest"`
	Kinds  []string `yaml:"kinds"`
}

type BuzzerConfig struct {
	Enable bool          `yaml:"enable"`
	Pin    int           `yaml:"pin"`
	Pulses int           `yaml:"pulses"`
	On     time.Duration `yaml:"on"`
	Off    time.Duration `yaml:"off"`
	Kinds  []string      `yaml:"kinds"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects invalid settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	cfg.Warnings = nil

	cfg.DeviceID = strings.TrimSpace(cfg.DeviceID)
	if cfg.DeviceID == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			cfg.DeviceID = h
		} else {
			cfg.DeviceID = "fallguard"
		}
	}

	switch cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level)); cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format)); cfg.Log.Format {
	case "":
		cfg.Log.Format = "json"
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be 'json' or 'console'")
	}

	if cfg.Detector.Enabled == nil {
		on := true
		cfg.Detector.Enabled = &on
	}
	if level, ok := detector.ParseSensitivity(cfg.Detector.Sensitivity); ok {
		cfg.Detector.Sensitivity = string(level)
	} else {
		if strings.TrimSpace(cfg.Detector.Sensitivity) != "" {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("detector.sensitivity %q is not recognized; using medium", cfg.Detector.Sensitivity))
		}
		cfg.Detector.Sensitivity = string(detector.SensitivityMedium)
	}

	if err := defaultSource(&cfg.Source); err != nil {
		return err
	}

	if cfg.Record.Enable {
		if strings.TrimSpace(cfg.Record.Path) == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if cfg.Source.Kind == SourceReplay {
			return fmt.Errorf("record and source.kind=replay cannot both be enabled")
		}
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.HistorySize <= 0 {
		cfg.Web.HistorySize = 600
	}
	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 2000
	}

	return defaultAlarm(&cfg.Alarm, cfg.DeviceID)
}

func defaultSource(s *SourceConfig) error {
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	if s.Kind == "" {
		s.Kind = SourceIMU
	}
	switch s.Kind {
	case SourceIMU:
		if s.IMU.I2CBus <= 0 {
			s.IMU.I2CBus = 1
		}
		if s.IMU.Addr == 0 {
			s.IMU.Addr = 0x68
		}
		if s.IMU.Addr < 0x03 || s.IMU.Addr > 0x77 {
			return fmt.Errorf("source.imu.addr must be a 7-bit i2c address")
		}
		switch s.IMU.RangeG {
		case 0:
			s.IMU.RangeG = 8
		case 2, 4, 8, 16:
		default:
			return fmt.Errorf("source.imu.range_g must be one of 2, 4, 8, 16")
		}
		if s.IMU.RateHz == 0 {
			s.IMU.RateHz = 50
		}
		if s.IMU.RateHz < 1 || s.IMU.RateHz > 1000 {
			return fmt.Errorf("source.imu.rate_hz must be 1..1000")
		}
	case SourceReplay:
		if strings.TrimSpace(s.Replay.Path) == "" {
			return fmt.Errorf("source.replay.path is required when source.kind is 'replay'")
		}
		if s.Replay.Speed == 0 {
			s.Replay.Speed = 1
		}
		if s.Replay.Speed < 0 {
			return fmt.Errorf("source.replay.speed must be > 0")
		}
	case SourceSim:
		if strings.TrimSpace(s.Sim.Path) == "" {
			return fmt.Errorf("source.sim.path is required when source.kind is 'sim'")
		}
	case SourceHTTP:
	default:
		return fmt.Errorf("source.kind must be one of imu, replay, sim, http")
	}
	return nil
}

func defaultAlarm(a *AlarmConfig, deviceID string) error {
	if a.QueueSize <= 0 {
		a.QueueSize = 64
	}
	if a.Retries == nil {
		n := 3
		a.Retries = &n
	}
	if *a.Retries < 0 || *a.Retries > 10 {
		return fmt.Errorf("alarm.retries must be 0..10")
	}
	if a.Timeout <= 0 {
		a.Timeout = 5 * time.Second
	}
	if a.Backoff <= 0 {
		a.Backoff = 250 * time.Millisecond
	}

	if a.MQTT.Enable {
		if strings.TrimSpace(a.MQTT.Broker) == "" {
			return fmt.Errorf("alarm.mqtt.broker is required when alarm.mqtt.enable is true")
		}
		if a.MQTT.ClientID == "" {
			a.MQTT.ClientID = "fallguard-" + deviceID
		}
		if a.MQTT.TopicPrefix == "" {
			a.MQTT.TopicPrefix = "fallguard"
		}
		if a.MQTT.QoS == nil {
			q := 1
			a.MQTT.QoS = &q
		}
		if *a.MQTT.QoS < 0 || *a.MQTT.QoS > 2 {
			return fmt.Errorf("alarm.mqtt.qos must be 0, 1 or 2")
		}
		if err := validateKinds("alarm.mqtt.kinds", a.MQTT.Kinds); err != nil {
			return err
		}
	}
	if a.Redis.Enable {
		if strings.TrimSpace(a.Redis.Addr) == "" {
			return fmt.Errorf("alarm.redis.addr is required when alarm.redis.enable is true")
		}
		if a.Redis.Stream == "" {
			a.Redis.Stream = "fallguard:events"
		}
		if a.Redis.MaxLen < 0 {
			return fmt.Errorf("alarm.redis.max_len must be >= 0")
		}
		if a.Redis.MaxLen == 0 {
			a.Redis.MaxLen = 10000
		}
		if err := validateKinds("alarm.redis.kinds", a.Redis.Kinds); err != nil {
			return err
		}
	}
	if a.UDP.Enable {
		if strings.TrimSpace(a.UDP.Dest) == "" {
			return fmt.Errorf("alarm.udp.dest is required when alarm.udp.enable is true")
		}
		if err := validateKinds("alarm.udp.kinds", a.UDP.Kinds); err != nil {
			return err
		}
	}
	if a.Buzzer.Enable {
		if a.Buzzer.Pin <= 0 {
			return fmt.Errorf("alarm.buzzer.pin is required when alarm.buzzer.enable is true")
		}
		if len(a.Buzzer.Kinds) == 0 {
			a.Buzzer.Kinds = []string{string(detector.EventFallConfirmed)}
		}
		if err := validateKinds("alarm.buzzer.kinds", a.Buzzer.Kinds); err != nil {
			return err
		}
	}
	return nil
}

func validateKinds(key string, kinds []string) error {
	for _, k := range kinds {
		switch detector.EventKind(k) {
		case detector.EventImpactDetected, detector.EventStillnessBroken, detector.EventFallConfirmed:
		default:
			return fmt.Errorf("%s: unknown event kind %q", key, k)
		}
	}
	return nil
}
