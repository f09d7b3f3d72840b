// config.go: This file contains the configuration for the easmon application. It defines the settings struct and functions to load and save the settings.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/easmon/easmon-go/internal/errors"
)

//go:embed config.yaml
var configFiles embed.FS

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled bool   // true to enable this log
	Path    string // path to log file
}

// MainSettings contains main configuration settings
type MainSettings struct {
	Name string    // name of this monitoring station node
	Log  LogConfig // main log configuration
}

// CaptureSourceConfig holds the configuration of a single capture source.
// Name is the unique identifier used for buffers, metrics and failover events.
type CaptureSourceConfig struct {
	Name               string        // unique source id
	Locator            string        // source locator passed to the decode process (URL, device, SDR pipe)
	Priority           int           // lower number wins selection
	Enabled            bool          // disabled sources are never selected
	SampleRate         int           // PCM sample rate in Hz
	SilenceThresholdDB float64       // RMS level below which audio is considered silent
	SilenceDuration    time.Duration // continuous silence required before failover
}

// StreamOutputConfig holds the configuration of a single published stream.
type StreamOutputConfig struct {
	Host          string // destination server host
	Port          int    // destination server port
	Password      string // source credential
	Mount         string // mount path of the published stream
	Name          string // stream display name
	Description   string // stream description
	Genre         string // stream genre
	Bitrate       int    // encode bitrate in kbps
	Format        string // mp3 or ogg
	SampleRate    int    // PCM sample rate in Hz
	AdminUser     string // optional admin credential for metadata updates
	AdminPassword string
}

// AudioSettings contains settings for the capture pipeline.
type AudioSettings struct {
	FfmpegPath             string        // path to ffmpeg, used for both decode and encode processes
	SampleRate             int           // master sample rate in Hz
	WatchdogTimeout        time.Duration // stall detection timeout per capture source
	MaxRestartAttempts     int           // consecutive failures before a source is marked Failed
	MasterBufferSeconds    int           // master mix buffer depth
	SourceBufferSeconds    int           // per-source failover buffer depth
	StreamBufferSeconds    int           // per-source stream tap buffer depth
	FailoverHistorySize    int           // bounded failover event history length
	SilenceThresholdDB     float64       // default silence threshold for sources that do not set one
	SilenceDuration        time.Duration // default silence duration for sources that do not set one
	JitterBufferSeconds    int           // output jitter buffer depth
	PrebufferTarget        time.Duration // jitter buffer pre-fill target
	PrebufferMaxWait       time.Duration // upper bound on pre-fill wait
	ReconnectCooldown      time.Duration // fixed delay before encoder restart
	MetadataInterval       time.Duration // metadata push throttle interval
	MetadataMaxRetries     int           // bounded retries for retryable metadata failures
	MetadataRequestTimeout time.Duration // HTTP timeout for metadata pushes
}

// MQTTSettings contains settings for health snapshot publishing.
type MQTTSettings struct {
	Enabled  bool   // true to enable MQTT health publishing
	Broker   string // broker URL
	Topic    string // base topic for snapshots
	Username string
	Password string
	Retain   bool // true to retain snapshots at the broker
}

// MetricsSettings contains settings for the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   // true to expose /metrics
	Listen  string // listen address, e.g. "0.0.0.0:8090"
}

// RealtimeSettings contains all settings for the realtime pipeline.
type RealtimeSettings struct {
	Audio   AudioSettings
	Sources []CaptureSourceConfig
	Streams []StreamOutputConfig
	MQTT    MQTTSettings
	Metrics MetricsSettings
}

// Settings contains all configuration settings.
type Settings struct {
	Debug    bool // true to enable debug logging
	Main     MainSettings
	Realtime RealtimeSettings
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into the settings struct.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	// Initialize viper and read config
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	// Unmarshal the config into settings
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	// Validate settings
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create config with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig creates a default config file and writes it to the default config path
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	return string(data)
}

// Setting returns the current settings instance, loading them if necessary.
func Setting() *Settings {
	settingsMutex.RLock()
	if settingsInstance != nil {
		defer settingsMutex.RUnlock()
		return settingsInstance
	}
	settingsMutex.RUnlock()

	if _, err := Load(); err != nil {
		log.Fatalf("Error loading settings: %v", err)
	}
	return GetSettings()
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveSettings writes the current settings to the configuration file atomically.
func SaveSettings() error {
	settingsMutex.RLock()
	settingsCopy := *settingsInstance
	settingsMutex.RUnlock()

	configPath, err := FindConfigFile()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(&settingsCopy)
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "marshal-settings").
			Build()
	}

	tmpPath := configPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "write-settings").
			Context("path", tmpPath).
			Build()
	}

	return os.Rename(tmpPath, configPath)
}
