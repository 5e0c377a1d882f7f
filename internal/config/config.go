package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Model    ModelConfig
	Server   ServerConfig
	Detector DetectorConfig
	Logger   LoggerConfig
}

type ModelConfig struct {
	Dir        string
	RuntimeLib string
	InputName  string
	OutputName string
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxUploadBytes int64
}

// DetectorConfig locates the ctc-detector binary for subprocess clients.
type DetectorConfig struct {
	Binary  string
	Dir     string
	Timeout time.Duration
}

type LoggerConfig struct {
	Level  string
	Format string
}

// Load reads CTC_* environment variables, an optional config file and any
// flags in fs that map onto config keys (dashes become underscores).
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("models_dir", "models")
	v.SetDefault("onnxruntime_lib", "")
	v.SetDefault("input_name", "")
	v.SetDefault("output_name", "")
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)
	v.SetDefault("max_upload_bytes", 10<<20)
	v.SetDefault("detector_binary", "ctc-detector")
	v.SetDefault("detector_dir", "")
	v.SetDefault("detector_timeout", "60s")
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "text")

	// Env
	v.SetEnvPrefix("CTC")
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !knownKeys[key] {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	timeout, err := time.ParseDuration(v.GetString("detector_timeout"))
	if err != nil {
		timeout = 60 * time.Second
	}

	cfg := &Config{
		Model: ModelConfig{
			Dir:        v.GetString("models_dir"),
			RuntimeLib: v.GetString("onnxruntime_lib"),
			InputName:  v.GetString("input_name"),
			OutputName: v.GetString("output_name"),
		},
		Server: ServerConfig{
			Host:           v.GetString("server_host"),
			Port:           v.GetInt("server_port"),
			MaxUploadBytes: v.GetInt64("max_upload_bytes"),
		},
		Detector: DetectorConfig{
			Binary:  v.GetString("detector_binary"),
			Dir:     v.GetString("detector_dir"),
			Timeout: timeout,
		},
		Logger: LoggerConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
	}

	if cfg.Model.Dir == "" {
		return nil, fmt.Errorf("models_dir must not be empty")
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = 10 << 20
	}

	return cfg, nil
}

var knownKeys = map[string]bool{
	"models_dir":       true,
	"onnxruntime_lib":  true,
	"input_name":       true,
	"output_name":      true,
	"server_host":      true,
	"server_port":      true,
	"max_upload_bytes": true,
	"detector_binary":  true,
	"detector_dir":     true,
	"detector_timeout": true,
	"log_level":        true,
	"log_format":       true,
}
