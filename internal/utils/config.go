package utils

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Firmware FirmwareConfig `yaml:"firmware"`
	Manifest ManifestConfig `yaml:"manifest"`
	Download DownloadConfig `yaml:"download"`
	Sink     SinkConfig     `yaml:"sink"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Probe    ProbeConfig    `yaml:"probe"`
	Reboot   RebootConfig   `yaml:"reboot"`
	Report   ReportConfig   `yaml:"report"`
}

type FirmwareConfig struct {
	Type    string `yaml:"type"`
	Version int    `yaml:"version"`
}

type ManifestConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Path        string `yaml:"path"`
	UseDeviceID bool   `yaml:"use_device_id"`
	DeviceID    string `yaml:"device_id"`
}

type DownloadConfig struct {
	ChunkSize           int64         `yaml:"chunk_size"`
	Timeout             time.Duration `yaml:"timeout"`
	RetryInterval       time.Duration `yaml:"retry_interval"`
	ChunkYield          time.Duration `yaml:"chunk_yield"`
	ReconnectPause      time.Duration `yaml:"reconnect_pause"`
	Chunked             bool          `yaml:"chunked"`
	SingleShotThreshold int64         `yaml:"single_shot_threshold"`
}

type SinkConfig struct {
	Path     string `yaml:"path"`
	Capacity int64  `yaml:"capacity"`
}

type ArchiveConfig struct {
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Profile string `yaml:"profile"`
}

type ProbeConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

type RebootConfig struct {
	Command []string `yaml:"command"`
}

type ReportConfig struct {
	MQTTURL string `yaml:"mqtt_url"`
	Topic   string `yaml:"topic"`
}

func DefaultConfig() Config {
	return Config{
		Manifest: ManifestConfig{
			Port: DefaultManifestPort,
		},
		Download: DownloadConfig{
			ChunkSize:      DefaultChunkSize,
			Timeout:        DefaultClientTimeout,
			RetryInterval:  DefaultRetryInterval,
			ChunkYield:     DefaultChunkYield,
			ReconnectPause: DefaultReconnectPause,
			Chunked:        true,
		},
		Sink: SinkConfig{
			Path: "firmware.bin",
		},
		Probe: ProbeConfig{
			Timeout: 5 * time.Second,
		},
		Report: ReportConfig{
			Topic: "gsmota",
		},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("download.chunk_size must be positive, got %d", c.Download.ChunkSize)
	}
	if c.Manifest.Port < 0 || c.Manifest.Port > 65535 {
		return fmt.Errorf("manifest.port out of range: %d", c.Manifest.Port)
	}
	if c.Sink.Capacity < 0 {
		return fmt.Errorf("sink.capacity must not be negative")
	}
	return nil
}
