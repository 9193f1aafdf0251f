package kirana

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backend       BackendConfig       `mapstructure:"backend"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	Tools         ToolsConfig         `mapstructure:"tools"`
	Remotes       []RemoteConfig      `mapstructure:"remotes"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	BasePrompt    string              `mapstructure:"base_prompt"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type BackendConfig struct {
	Provider       string         `mapstructure:"provider"`
	Model          string         `mapstructure:"model"`
	Retries        int            `mapstructure:"retries"`
	RetryBackoffMS int            `mapstructure:"retry_backoff_ms"`
	Settings       map[string]any `mapstructure:"settings"`
}

type DispatchConfig struct {
	MaxSteps        int      `mapstructure:"max_steps"`
	Temperature     *float32 `mapstructure:"temperature"`
	MaxOutputTokens int      `mapstructure:"max_output_tokens"`
	StopSequences   []string `mapstructure:"stop_sequences"`
}

type ToolsConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	TimeoutMS   int `mapstructure:"timeout_ms"`
}

// RemoteConfig names one external tool server and how to reach it.
type RemoteConfig struct {
	Name      string `mapstructure:"name"`
	Transport string `mapstructure:"transport"`
}

type ObservabilityConfig struct {
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	// MetricsPath appends every metrics event to one JSONL file when set.
	MetricsPath string `mapstructure:"metrics_path"`
}

type PrivacyConfig struct {
	RedactArgs bool `mapstructure:"redact_args"`
}

func (c ToolsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c BackendConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("backend.provider", "mock")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.retries", 3)
	v.SetDefault("backend.retry_backoff_ms", 200)
	v.SetDefault("dispatch.max_steps", 10)
	v.SetDefault("dispatch.max_output_tokens", 0)
	v.SetDefault("tools.concurrency", 4)
	v.SetDefault("tools.timeout_ms", 6000)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("privacy.redact_args", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.Provider) == "" {
		return fmt.Errorf("backend.provider is required")
	}
	for i, remote := range c.Remotes {
		if strings.TrimSpace(remote.Name) == "" {
			return fmt.Errorf("remotes[%d].name is required", i)
		}
		if strings.TrimSpace(remote.Transport) == "" {
			return fmt.Errorf("remotes[%d].transport is required", i)
		}
	}
	if c.Dispatch.MaxSteps < 0 {
		return fmt.Errorf("dispatch.max_steps must not be negative")
	}
	return nil
}

// expandEnvStrings resolves ${VAR} references so secrets stay out of
// config files.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Backend.Settings = expandSettings(cfg.Backend.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
