package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/efergy-bridge/logger"
)

// ErrMissingValue is wrapped by every error Validate reports for an absent
// mandatory setting.
var ErrMissingValue = errors.New("missing required configuration value")

// Config holds the bridge configuration. It is built once at startup and
// handed to the components that need a slice of it.
type Config struct {
	Decoder     DecoderConfig     `mapstructure:"decoder"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Transformer TransformerConfig `mapstructure:"transformer"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// DecoderConfig describes the two chained decoder executables.
type DecoderConfig struct {
	// UpstreamBinary is the radio demodulator (rtl_fm).
	UpstreamBinary string `mapstructure:"upstream_binary"`
	// Binary is the vendor decoder reading the demodulated stream on stdin.
	Binary string `mapstructure:"binary"`
}

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// TransformerConfig optionally points at a script reshaping the outbound
// payload. Both fields empty means the plain consumption message is sent.
type TransformerConfig struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig controls the log level and optional rotating log file.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// MetricsConfig enables the metrics/health endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ConfigChangeCallback receives the re-read configuration after a change.
type ConfigChangeCallback func(cfg *Config) error

// envBindings maps configuration keys to the environment variables that
// provide them.
var envBindings = map[string]string{
	"decoder.binary":          "EFERGY_BINARY",
	"decoder.upstream_binary": "RTL_FM_BINARY",
	"mqtt.host":               "MQTT_HOST",
	"mqtt.port":               "MQTT_PORT",
	"mqtt.username":           "MQTT_USER",
	"mqtt.password":           "MQTT_PASS",
	"mqtt.client_id":          "MQTT_CLIENT_ID",
	"logger.level":            "LOG_LEVEL",
	"metrics.listen":          "METRICS_LISTEN",
}

func setDefaults() {
	viper.SetDefault("decoder.upstream_binary", "rtl_fm")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.qos", 0)
	viper.SetDefault("mqtt.connect_timeout", 10*time.Second)
	viper.SetDefault("mqtt.publish_timeout", 5*time.Second)
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.max_size", 10)
	viper.SetDefault("logger.max_backups", 5)
	viper.SetDefault("logger.console", true)
}

// LoadConfig reads the optional YAML file at configPath, then overlays the
// environment. A missing file is not an error: the bridge is normally configured through
// the environment alone.
func LoadConfig(configPath string) (*Config, error) {
	viper.Reset()
	setDefaults()

	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s to %s: %w", key, env, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			viper.SetConfigFile(configPath)
			viper.SetConfigType("yaml")
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading %s: %w", configPath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking %s: %w", configPath, err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports every mandatory value that is absent.
func (c *Config) Validate() error {
	required := []struct {
		value string
		key   string
	}{
		{c.Decoder.Binary, "decoder.binary"},
		{c.MQTT.Host, "mqtt.host"},
		{c.MQTT.Username, "mqtt.username"},
		{c.MQTT.Password, "mqtt.password"},
	}

	var errs []error
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%w: %s (env %s)", ErrMissingValue, r.key, envBindings[r.key]))
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// WatchConfig re-reads the file on every write and hands the result to
// callback. Writes closer together than two seconds are coalesced.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("cannot watch %s: %w", absPath, err)
	}

	viper.SetConfigFile(absPath)
	viper.WatchConfig()

	var lastChangeTime time.Time
	var debounceInterval = 2 * time.Second

	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("configuration file changed: %s", e.Name)

		var newConfig Config
		if err := viper.Unmarshal(&newConfig); err != nil {
			logger.Error("decoding changed configuration failed: %v", err)
			return
		}

		if err := callback(&newConfig); err != nil {
			logger.Error("applying changed configuration failed: %v", err)
			return
		}

		logger.Info("configuration reloaded")
	})

	return nil
}
