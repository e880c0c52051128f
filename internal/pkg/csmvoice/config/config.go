package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/engine"
	"csmvoice/internal/pkg/csmvoice/generate"
	"csmvoice/internal/pkg/csmvoice/preset"
)

const envPrefix = "CSMVOICE"

type Server struct {
	Addr         string `mapstructure:"addr"`
	StaticDir    string `mapstructure:"static_dir"`
	DownloadsDir string `mapstructure:"downloads_dir"`
}

type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Engine struct {
	Backend        string `mapstructure:"backend"`
	ModelPath      string `mapstructure:"model_path"`
	ServiceURL     string `mapstructure:"service_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Preload        bool   `mapstructure:"preload"`
}

type Generation struct {
	DefaultText        string  `mapstructure:"default_text"`
	Temperature        float64 `mapstructure:"temperature"`
	MinP               float64 `mapstructure:"min_p"`
	MaxDurationMs      int     `mapstructure:"max_duration_ms"`
	SpeakerCount       int     `mapstructure:"speaker_count"`
	TimeoutBaseSeconds float64 `mapstructure:"timeout_base_seconds"`
	TimeoutFactor      float64 `mapstructure:"timeout_factor"`
}

type Archive struct {
	NatsURL string `mapstructure:"nats_url"`
	Bucket  string `mapstructure:"bucket"`
}

type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Engine     Engine     `mapstructure:"engine"`
	Generation Generation `mapstructure:"generation"`
	Archive    Archive    `mapstructure:"archive"`
	LogLevel   string     `mapstructure:"log_level"`
	LogFile    string     `mapstructure:"log_file"`

	// Command line only.
	Text     string `mapstructure:"text"`
	Output   string `mapstructure:"output"`
	Speaker  int    `mapstructure:"speaker"`
	Seed     string `mapstructure:"seed"`
	Script   string `mapstructure:"script"`
	AutoSave bool   `mapstructure:"auto_save"`

	// Args holds positional arguments left after flag parsing.
	Args []string `mapstructure:"-"`
	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.static_dir", "static/audio")
	v.SetDefault("server.downloads_dir", "outputs")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", preset.DefaultSQLitePath)

	v.SetDefault("engine.backend", "onnx")
	v.SetDefault("engine.model_path", "models/csm-1b.onnx")
	v.SetDefault("engine.service_url", "http://127.0.0.1:8000")
	v.SetDefault("engine.timeout_seconds", 300)
	v.SetDefault("engine.preload", false)

	defaults := generate.DefaultOptions()
	v.SetDefault("generation.default_text", defaults.DefaultText)
	v.SetDefault("generation.temperature", defaults.DefaultTemperature)
	v.SetDefault("generation.min_p", defaults.DefaultMinP)
	v.SetDefault("generation.max_duration_ms", defaults.DefaultMaxDurationMs)
	v.SetDefault("generation.speaker_count", defaults.SpeakerCount)
	v.SetDefault("generation.timeout_base_seconds", defaults.TimeoutBase.Seconds())
	v.SetDefault("generation.timeout_factor", defaults.TimeoutFactor)

	v.SetDefault("archive.nats_url", "")
	v.SetDefault("archive.bucket", "csmvoice-audio")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetDefault("text", "")
	v.SetDefault("output", "output.wav")
	v.SetDefault("speaker", 0)
	v.SetDefault("seed", "")
	v.SetDefault("script", "")
	v.SetDefault("auto_save", false)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to config file")
	fs.String("addr", "", "HTTP listen address")
	fs.String("static-dir", "", "Directory for browser playable audio")
	fs.String("downloads-dir", "", "Directory for downloadable audio")
	fs.String("db-driver", "", "Preset database driver (sqlite, postgres)")
	fs.String("db-dsn", "", "Preset database DSN")
	fs.StringP("backend", "b", "", fmt.Sprintf("Synthesis backend %v", engine.ListBackends()))
	fs.StringP("model", "m", "", "Path to ONNX model file")
	fs.String("service-url", "", "Base URL of the remote synthesis service")
	fs.Bool("preload", false, "Load the model before serving")
	fs.StringP("text", "t", "", "Text to synthesize (use '-' to read from stdin)")
	fs.StringP("output", "o", "", "Output WAV file or directory")
	fs.Int("speaker", 0, "Speaker id")
	fs.Float64("temperature", 0, "Sampling temperature")
	fs.Float64("min-p", 0, "Minimum probability threshold")
	fs.Int("max-duration", 0, "Maximum audio length in milliseconds")
	fs.String("seed", "", "Random seed")
	fs.String("script", "", "Conversation script (YAML)")
	fs.Bool("auto-save", false, "Save the voice as a preset after generating")
	fs.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	fs.String("log-file", "", "Log file path")
	return fs
}

var flagKeys = map[string]string{
	"addr":          "server.addr",
	"static-dir":    "server.static_dir",
	"downloads-dir": "server.downloads_dir",
	"db-driver":     "database.driver",
	"db-dsn":        "database.dsn",
	"backend":       "engine.backend",
	"model":         "engine.model_path",
	"service-url":   "engine.service_url",
	"preload":       "engine.preload",
	"text":          "text",
	"output":        "output",
	"speaker":       "speaker",
	"temperature":   "generation.temperature",
	"min-p":         "generation.min_p",
	"max-duration":  "generation.max_duration_ms",
	"seed":          "seed",
	"script":        "script",
	"auto-save":     "auto_save",
	"log-level":     "log_level",
	"log-file":      "log_file",
}

// Load resolves configuration from defaults, a TOML file, CSMVOICE_*
// environment variables and args, in increasing precedence. pflag.ErrHelp is
// returned when help was requested.
func Load(name string, args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindConfig, "config.load", "failed to parse flags", err)
	}

	for flagName, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
		}
	}

	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("csmvoice")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "csmvoice"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, apperr.Wrap(apperr.KindConfig, "config.load", "failed to read config", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "config.load", "failed to unmarshal config", err)
	}
	cfg.Args = fs.Args()
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	const op = "config.validate"

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		return apperr.New(apperr.KindConfig, op, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Engine.Backend) == "" {
		return apperr.New(apperr.KindConfig, op, "engine.backend must be set")
	}
	if !engine.IsRegistered(c.Engine.Backend) {
		return apperr.New(apperr.KindConfig, op, fmt.Sprintf("unknown engine.backend %q (registered: %s)",
			c.Engine.Backend, strings.Join(engine.ListBackends(), ", ")))
	}

	g := c.Generation
	if g.Temperature < 0 {
		return apperr.New(apperr.KindConfig, op, "generation.temperature must not be negative")
	}
	if g.MinP < 0 || g.MinP > 1 {
		return apperr.New(apperr.KindConfig, op, "generation.min_p must be within [0, 1]")
	}
	if g.MaxDurationMs <= 0 {
		return apperr.New(apperr.KindConfig, op, "generation.max_duration_ms must be positive")
	}
	if g.SpeakerCount <= 0 {
		return apperr.New(apperr.KindConfig, op, "generation.speaker_count must be positive")
	}
	if g.TimeoutBaseSeconds < 0 || g.TimeoutFactor < 0 {
		return apperr.New(apperr.KindConfig, op, "generation timeouts must not be negative")
	}

	return nil
}

func (c *Config) DatabaseConfig() preset.Database {
	return preset.Database{Driver: c.Database.Driver, DSN: c.Database.DSN}
}

func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Backend:        c.Engine.Backend,
		ModelPath:      c.Engine.ModelPath,
		ServiceURL:     c.Engine.ServiceURL,
		TimeoutSeconds: c.Engine.TimeoutSeconds,
	}
}

func (c *Config) GenerateOptions() generate.Options {
	g := c.Generation
	return generate.Options{
		SpeakerCount:         g.SpeakerCount,
		DefaultText:          g.DefaultText,
		DefaultTemperature:   g.Temperature,
		DefaultMinP:          g.MinP,
		DefaultMaxDurationMs: g.MaxDurationMs,
		TimeoutBase:          time.Duration(g.TimeoutBaseSeconds * float64(time.Second)),
		TimeoutFactor:        g.TimeoutFactor,
	}
}
