package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "250ms"-style values in YAML; the yaml package only
// decodes integers into a bare time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Serial        SerialConfig   `yaml:"serial"`
	Source        SourceConfig   `yaml:"source"`
	NTRIP         NTRIPConfig    `yaml:"ntrip"`
	Publish       PublishConfig  `yaml:"publish"`
	Extrapolation ExtrapConfig   `yaml:"extrapolation"`
	Web           WebConfig      `yaml:"web"`
	MQTT          MQTTConfig     `yaml:"mqtt"`
	Recorder      RecorderConfig `yaml:"recorder"`
	LED           LEDConfig      `yaml:"led"`
}

type SerialConfig struct {
	Device       string   `yaml:"device"`
	Baud         int      `yaml:"baud"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	ReconnectMin Duration `yaml:"reconnect_min"`
	ReconnectMax Duration `yaml:"reconnect_max"`
}

type SourceConfig struct {
	// Mode is the receiver protocol: "ubx" (default) or "nmea".
	Mode string `yaml:"mode"`
}

type NTRIPConfig struct {
	Enable     bool   `yaml:"enable"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Mountpoint string `yaml:"mountpoint"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	DialTimeout     Duration `yaml:"dial_timeout"`
	LivenessTimeout Duration `yaml:"liveness_timeout"`
	BackoffMin      Duration `yaml:"backoff_min"`
	BackoffMax      Duration `yaml:"backoff_max"`

	SendGGA     bool     `yaml:"send_gga"`
	GGAInterval Duration `yaml:"gga_interval"`
}

type PublishConfig struct {
	Listen       string   `yaml:"listen"`
	MaxClients   int      `yaml:"max_clients"`
	ClientQueue  int      `yaml:"client_queue"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type ExtrapConfig struct {
	Enable   bool     `yaml:"enable"`
	Interval Duration `yaml:"interval"`
	Horizon  Duration `yaml:"horizon"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
	Retain   bool   `yaml:"retain"`
}

type RecorderConfig struct {
	Enable          bool     `yaml:"enable"`
	Path            string   `yaml:"path"`
	FlushInterval   Duration `yaml:"flush_interval"`
	BatchSize       int      `yaml:"batch_size"`
	RecordSynthetic bool     `yaml:"record_synthetic"`
}

type LEDConfig struct {
	Enable bool `yaml:"enable"`
	Pin    int  `yaml:"pin"`
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

	if cfg.Serial.Device == "" {
		return Config{}, fmt.Errorf("serial.device is required")
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Serial.Baud < 0 {
		return Config{}, fmt.Errorf("serial.baud must be > 0")
	}

	switch cfg.Source.Mode {
	case "", "ubx", "nmea":
	default:
		return Config{}, fmt.Errorf("source.mode must be \"ubx\" or \"nmea\", got %q", cfg.Source.Mode)
	}

	if cfg.NTRIP.Enable {
		if cfg.NTRIP.Host == "" {
			return Config{}, fmt.Errorf("ntrip.host is required when ntrip.enable is true")
		}
		if cfg.NTRIP.Mountpoint == "" {
			return Config{}, fmt.Errorf("ntrip.mountpoint is required when ntrip.enable is true")
		}
		if cfg.NTRIP.Port == 0 {
			cfg.NTRIP.Port = 2101
		}
	}

	if cfg.Publish.Listen == "" {
		cfg.Publish.Listen = ":8765"
	}

	// Extrapolation defaults (safe even if disabled).
	if cfg.Extrapolation.Interval <= 0 {
		cfg.Extrapolation.Interval = Duration(100 * time.Millisecond)
	}
	if cfg.Extrapolation.Horizon <= 0 {
		cfg.Extrapolation.Horizon = Duration(time.Second)
	}
	if cfg.Extrapolation.Interval > cfg.Extrapolation.Horizon {
		return Config{}, fmt.Errorf("extrapolation.interval must not exceed extrapolation.horizon")
	}

	if cfg.Web.Enable && cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.MQTT.Enable && cfg.MQTT.Broker == "" {
		return Config{}, fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if cfg.Recorder.Enable && cfg.Recorder.Path == "" {
		return Config{}, fmt.Errorf("recorder.path is required when recorder.enable is true")
	}
	if cfg.LED.Enable && cfg.LED.Pin <= 0 {
		return Config{}, fmt.Errorf("led.pin is required when led.enable is true")
	}

	return cfg, nil
}
