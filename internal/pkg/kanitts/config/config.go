package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrHelp is returned when usage was requested and printed.
var ErrHelp = errors.New("help requested")

type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	GPU              int           `mapstructure:"gpu"`
	Backend          string        `mapstructure:"backend"`
	ModelDir         string        `mapstructure:"model_dir"`
	BaseModel        string        `mapstructure:"base_model"`
	Checkpoint       string        `mapstructure:"checkpoint"`
	Speaker          string        `mapstructure:"speaker"`
	Seed             uint64        `mapstructure:"seed"`
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFile          string        `mapstructure:"log_file"`
	NATS             NATS          `mapstructure:"nats"`
	Telemetry        Telemetry     `mapstructure:"telemetry"`
}

type NATS struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
	// Embedded runs an in-process NATS server on Port and connects to it
	// instead of URL.
	Embedded bool `mapstructure:"embedded"`
	Port     int  `mapstructure:"port"`
	// RequestTimeout bounds one bus request from delivery to reply. Zero
	// means no limit.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type Telemetry struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	Stdout       bool   `mapstructure:"stdout"`
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8002)
	v.SetDefault("gpu", 0)
	v.SetDefault("backend", "kani")
	v.SetDefault("model_dir", "")
	v.SetDefault("base_model", "nineninesix/kani-tts-400m-es")
	v.SetDefault("checkpoint", "checkpoints/checkpoint-7500")
	v.SetDefault("speaker", "ar4766")
	v.SetDefault("seed", 0)
	v.SetDefault("admission_timeout", "0s")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "kanitts.speech")
	v.SetDefault("nats.queue", "kanitts")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.request_timeout", "2m")

	v.SetDefault("telemetry.service_name", "kanitts")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.stdout", false)
}

// LoadAndParse resolves configuration from defaults, an optional TOML file,
// KANI_* environment variables and command-line flags, in increasing order
// of precedence.
func LoadAndParse(args []string, usage io.Writer) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	flagSet := pflag.NewFlagSet("kanitts", pflag.ContinueOnError)
	flagSet.SetOutput(usage)
	configFile := flagSet.StringP("config", "c", "", "Path to config file")
	flagSet.String("host", "", "Host to bind to")
	flagSet.IntP("port", "p", 0, "Port to run on")
	flagSet.Int("gpu", 0, "GPU device ID (-1 for CPU)")
	flagSet.StringP("backend", "b", "", "Inference backend")
	flagSet.StringP("model-dir", "m", "", "Directory with lm.onnx, codec.onnx and vocab.json (defaults to the checkpoint)")
	flagSet.String("speaker", "", "Default speaker ID")
	flagSet.Duration("admission-timeout", 0, "How long a request may wait for the model (0 waits forever)")
	flagSet.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flagSet.String("log-file", "", "Log file path")
	flagSet.Bool("nats", false, "Serve speech requests over NATS")
	flagSet.String("nats-url", "", "NATS server URL")
	flagSet.Bool("nats-embedded", false, "Run an embedded NATS server")
	helpFlag := flagSet.BoolP("help", "h", false, "Show help message")

	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *helpFlag {
		fmt.Fprintf(usage, "Usage: kanitts [options]\n\nOptions:\n")
		flagSet.PrintDefaults()
		return nil, ErrHelp
	}

	bindings := map[string]string{
		"host":              "host",
		"port":              "port",
		"gpu":               "gpu",
		"backend":           "backend",
		"model_dir":         "model-dir",
		"speaker":           "speaker",
		"admission_timeout": "admission-timeout",
		"log_level":         "log-level",
		"log_file":          "log-file",
		"nats.enabled":      "nats",
		"nats.url":          "nats-url",
		"nats.embedded":     "nats-embedded",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("kanitts")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "kanitts"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("KANI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.GPU < -1 {
		return fmt.Errorf("gpu must be a device ID or -1 for CPU, got %d", c.GPU)
	}
	if c.AdmissionTimeout < 0 {
		return fmt.Errorf("admission_timeout must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if strings.TrimSpace(c.Backend) == "" {
		return fmt.Errorf("backend is required")
	}
	if strings.TrimSpace(c.Speaker) == "" {
		return fmt.Errorf("speaker must not be empty")
	}
	if c.NATS.Enabled {
		if c.NATS.Embedded && (c.NATS.Port < 1 || c.NATS.Port > 65535) {
			return fmt.Errorf("nats.port must be between 1 and 65535, got %d", c.NATS.Port)
		}
		if !c.NATS.Embedded && c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when nats is enabled")
		}
		if c.NATS.Subject == "" {
			return fmt.Errorf("nats.subject is required when nats is enabled")
		}
		if c.NATS.RequestTimeout < 0 {
			return fmt.Errorf("nats.request_timeout must not be negative")
		}
	}
	return nil
}
