package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Model    ModelConfig    `yaml:"model"`
	Tiling   TilingConfig   `yaml:"tiling"`
	Source   SourceConfig   `yaml:"source"`
	Notify   NotifyConfig   `yaml:"notify"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	HTTPPort    int `yaml:"httpPort"`
	RPCPort     int `yaml:"rpcPort"`
	MonitorPort int `yaml:"monitorPort"`
}

type ModelConfig struct {
	Path           string  `yaml:"path"`
	Labels         string  `yaml:"labels"`
	SharedLibrary  string  `yaml:"sharedLibrary"`
	IntraOpThreads int     `yaml:"intraOpThreads"`
	Confidence     float32 `yaml:"confidence"`
	Iou            float32 `yaml:"iou"`
	TileNMS        bool    `yaml:"tileNMS"`
}

type TilingConfig struct {
	TileWidth       int   `yaml:"tileWidth"`
	TileHeight      int   `yaml:"tileHeight"`
	XOffsets        []int `yaml:"xOffsets"`
	YOffsets        []int `yaml:"yOffsets"`
	ReferenceWidth  int   `yaml:"referenceWidth"`
	ReferenceHeight int   `yaml:"referenceHeight"`
	Workers         int   `yaml:"workers"`
}

type SourceConfig struct {
	Kind      string  `yaml:"kind"`
	Device    string  `yaml:"device"`
	Directory string  `yaml:"directory"`
	Loop      bool    `yaml:"loop"`
	Rotation  int     `yaml:"rotation"`
	FPS       float64 `yaml:"fps"`
}

type NotifyConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Cooldown      time.Duration     `yaml:"cooldown"`
	MinConfidence float32           `yaml:"minConfidence"`
	Speaker       string            `yaml:"speaker"`
	TTSURL        string            `yaml:"ttsURL"`
	Lang          string            `yaml:"lang"`
	Templates     map[string]string `yaml:"templates"`
}

type RegistryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	InstanceClass string `yaml:"instanceClass"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

const (
	SourceCamera    = "camera"
	SourceDirectory = "directory"
	SpeakerLog      = "log"
	SpeakerHTTP     = "http"
)

// Default returns the reference configuration: 6 tiles of 640x640 over a 1080x1920 frame,
// confidence 0.75, IoU 0.3, 5 second announcement cooldown above 80%.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPPort:    8080,
			RPCPort:     50051,
			MonitorPort: 50053,
		},
		Model: ModelConfig{
			Path:           "models/yolov10n.onnx",
			Labels:         "models/classes.txt",
			IntraOpThreads: 1,
			Confidence:     0.75,
			Iou:            0.3,
			TileNMS:        true,
		},
		Tiling: TilingConfig{
			TileWidth:       640,
			TileHeight:      640,
			XOffsets:        []int{0, 440},
			YOffsets:        []int{0, 440, 880},
			ReferenceWidth:  1080,
			ReferenceHeight: 1920,
			Workers:         6,
		},
		Source: SourceConfig{
			Kind:     SourceCamera,
			Device:   "0",
			Rotation: 90,
			FPS:      30,
		},
		Notify: NotifyConfig{
			Enabled:       true,
			Cooldown:      5 * time.Second,
			MinConfidence: 80,
			Speaker:       SpeakerLog,
			Lang:          "ko-KR",
			Templates: map[string]string{
				"redlight":   "빨간불, %d%% 입니다.",
				"greenlight": "초록불, %d%% 입니다.",
			},
		},
		Registry: RegistryConfig{
			Port:          8000,
			InstanceClass: "Cpu",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a yaml file on top of Default. Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Tiling.Workers <= 0 {
		cfg.Tiling.Workers = 1
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path cannot be empty"))
	}
	if c.Model.Labels == "" {
		errs = append(errs, errors.New("model.labels cannot be empty"))
	}
	if c.Model.Confidence < 0 || c.Model.Confidence > 1 {
		errs = append(errs, fmt.Errorf("model.confidence must be between 0.0 and 1.0, got %f", c.Model.Confidence))
	}
	if c.Model.Iou < 0 || c.Model.Iou > 1 {
		errs = append(errs, fmt.Errorf("model.iou must be between 0.0 and 1.0, got %f", c.Model.Iou))
	}
	if c.Tiling.TileWidth <= 0 || c.Tiling.TileHeight <= 0 {
		errs = append(errs, fmt.Errorf("tiling tile size must be positive, got %dx%d", c.Tiling.TileWidth, c.Tiling.TileHeight))
	}
	if c.Tiling.ReferenceWidth <= 0 || c.Tiling.ReferenceHeight <= 0 {
		errs = append(errs, fmt.Errorf("tiling reference size must be positive, got %dx%d", c.Tiling.ReferenceWidth, c.Tiling.ReferenceHeight))
	}
	if len(c.Tiling.XOffsets) == 0 || len(c.Tiling.YOffsets) == 0 {
		errs = append(errs, errors.New("tiling offsets cannot be empty"))
	}
	if c.Tiling.Workers <= 0 {
		errs = append(errs, fmt.Errorf("tiling.workers must be positive, got %d", c.Tiling.Workers))
	}
	switch c.Source.Kind {
	case SourceCamera:
	case SourceDirectory:
		if c.Source.Directory == "" {
			errs = append(errs, errors.New("source.directory cannot be empty for a directory source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported source kind: %s", c.Source.Kind))
	}
	if c.Source.Rotation%90 != 0 {
		errs = append(errs, fmt.Errorf("source.rotation must be a multiple of 90, got %d", c.Source.Rotation))
	}
	if c.Notify.Enabled {
		switch c.Notify.Speaker {
		case SpeakerLog:
		case SpeakerHTTP:
			if c.Notify.TTSURL == "" {
				errs = append(errs, errors.New("notify.ttsURL cannot be empty for the http speaker"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported speaker: %s", c.Notify.Speaker))
		}
	}
	if c.Registry.Enabled && c.Registry.Host == "" {
		errs = append(errs, errors.New("registry.host cannot be empty when registry is enabled"))
	}
	return errors.Join(errs...)
}
