// Package config loads the server configuration from defaults, an optional
// YAML file and EMA_ prefixed environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultEnvPrefix = "EMA"

type Config struct {
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
	Auth     AuthConfig     `yaml:"auth" env:"AUTH"`
	Storage  StorageConfig  `yaml:"storage" env:"STORAGE"`
	Speech   SpeechConfig   `yaml:"speech" env:"SPEECH"`
	LLM      LLMConfig      `yaml:"llm" env:"LLM"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts" env:"TIMEOUTS"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// OutboundQueueSize is the number of messages buffered per connection.
	OutboundQueueSize int           `yaml:"outbound_queue_size" env:"OUTBOUND_QUEUE_SIZE"`
	ReadLimit         int64         `yaml:"read_limit" env:"READ_LIMIT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// AllowedOrigins lists browser origins allowed to connect. Empty allows
	// same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"ISSUER"`
	Audience  string        `yaml:"audience" env:"AUDIENCE"`
	Leeway    time.Duration `yaml:"leeway" env:"LEEWAY"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	// RedisAddr enables the recent-turn cache in front of the sqlite log.
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	HistoryWindow int    `yaml:"history_window" env:"HISTORY_WINDOW"`
}

type SpeechConfig struct {
	DeepgramAPIKey string `yaml:"deepgram_api_key" env:"DEEPGRAM_API_KEY"`
	ListenModel    string `yaml:"listen_model" env:"LISTEN_MODEL"`
	Language       string `yaml:"language" env:"LANGUAGE"`
	SpeakVoice     string `yaml:"speak_voice" env:"SPEAK_VOICE"`
	Encoding       string `yaml:"encoding" env:"ENCODING"`
	SampleRate     int    `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// DisableSynthesis streams reply text only.
	DisableSynthesis bool `yaml:"disable_synthesis" env:"DISABLE_SYNTHESIS"`
}

type LLMProvider string

const (
	LLMProviderOpenAI LLMProvider = "openai"
	LLMProviderGroq   LLMProvider = "groq"
)

type LLMConfig struct {
	Provider     LLMProvider `yaml:"provider" env:"PROVIDER"`
	APIKey       string      `yaml:"api_key" env:"API_KEY"`
	Model        string      `yaml:"model" env:"MODEL"`
	BaseURL      string      `yaml:"base_url" env:"BASE_URL"`
	Instructions string      `yaml:"instructions" env:"INSTRUCTIONS"`
}

type TimeoutsConfig struct {
	Open       time.Duration `yaml:"open" env:"OPEN"`
	Completion time.Duration `yaml:"completion" env:"COMPLETION"`
	Synthesis  time.Duration `yaml:"synthesis" env:"SYNTHESIS"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// OTLPEndpoint enables trace export over OTLP gRPC.
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	SampleRatio  float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

const defaultInstructions = "You are Ema, a warm and attentive conversation partner. " +
	"Your replies are spoken aloud, so answer in short, natural sentences without lists, markup or emoji."

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			HeartbeatInterval: 30 * time.Second,
			OutboundQueueSize: 256,
			ReadLimit:         1 << 20,
			ShutdownTimeout:   10 * time.Second,
		},
		Auth: AuthConfig{Leeway: 5 * time.Second},
		Storage: StorageConfig{
			SQLitePath:    "ema-voice.db",
			HistoryWindow: 20,
		},
		Speech: SpeechConfig{
			ListenModel: "nova-3",
			Language:    "en-US",
			SpeakVoice:  "aura-2-thalia-en",
			Encoding:    "linear16",
			SampleRate:  16000,
		},
		LLM: LLMConfig{
			Provider:     LLMProviderOpenAI,
			Instructions: defaultInstructions,
		},
		Timeouts: TimeoutsConfig{
			Open:       10 * time.Second,
			Completion: 30 * time.Second,
			Synthesis:  15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "ema-voice",
			SampleRatio: 1,
			LogLevel:    "info",
		},
	}
}

// Loader builds a Config. Later sources override earlier ones: defaults,
// then the YAML file, then the environment. Load does not validate; callers
// check what their command needs.
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{envPrefix: defaultEnvPrefix, lookupEnv: os.LookupEnv}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookupEnv replaces the environment source.
func (l *Loader) WithLookupEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	l.loadVendorKeys(cfg)

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadVendorKeys fills missing API keys from the variables the vendors
// document.
func (l *Loader) loadVendorKeys(cfg *Config) {
	if key, ok := l.lookupEnv("DEEPGRAM_API_KEY"); ok && cfg.Speech.DeepgramAPIKey == "" {
		cfg.Speech.DeepgramAPIKey = key
	}
	if cfg.LLM.APIKey != "" {
		return
	}
	vendorKey := map[LLMProvider]string{
		LLMProviderOpenAI: "OPENAI_API_KEY",
		LLMProviderGroq:   "GROQ_API_KEY",
	}[cfg.LLM.Provider]
	if vendorKey == "" {
		return
	}
	if key, ok := l.lookupEnv(vendorKey); ok {
		cfg.LLM.APIKey = key
	}
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		value, ok := l.lookupEnv(envKey)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("server.heartbeat_interval must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Speech.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("speech.deepgram_api_key is required"))
	}
	switch c.LLM.Provider {
	case LLMProviderOpenAI, LLMProviderGroq:
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if c.Storage.HistoryWindow <= 0 {
		errs = append(errs, errors.New("storage.history_window must be positive"))
	}
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required"))
	}
	for name, timeout := range map[string]time.Duration{
		"open":       c.Timeouts.Open,
		"completion": c.Timeouts.Completion,
		"synthesis":  c.Timeouts.Synthesis,
	} {
		if timeout <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive", name))
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be between 0 and 1"))
	}
	switch c.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("telemetry.log_level %q is not supported", c.Telemetry.LogLevel))
	}

	return errors.Join(errs...)
}
