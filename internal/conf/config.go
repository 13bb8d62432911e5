// Package conf provides configuration management for faceid.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/faceid/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// MainSettings contains instance-wide settings.
type MainSettings struct {
	Name string // instance name, used as MQTT client id fallback and Sentry server tag
}

// StorageSettings contains local storage locations.
type StorageSettings struct {
	ModelDir        string        // directory holding versioned model artifacts
	HistoryFile     string        // training history file, empty means <modeldir>/training_history.json
	ScratchDir      string        // root for ephemeral training datasets and upload temp files
	UploadMaxAge    time.Duration // upload temp files older than this are removed
	CleanupInterval time.Duration // how often the upload janitor runs
}

// SQLiteSettings contains settings for the SQLite identity store.
type SQLiteSettings struct {
	Path string // path to the database file
}

// MySQLSettings contains settings for the MySQL identity store.
type MySQLSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// DatabaseSettings selects and configures the identity store.
type DatabaseSettings struct {
	Type   string // sqlite or mysql
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// FeatureCacheSettings controls caching of backbone features by image content.
type FeatureCacheSettings struct {
	Enabled bool
	TTL     time.Duration
}

// BackboneSettings configures the frozen feature extractor.
type BackboneSettings struct {
	Name       string // backbone identifier recorded in model metadata
	ModelPath  string // TFLite feature extractor
	InputSize  int    // square input resolution in pixels
	Threads    int    // interpreter threads, 0 means all cores
	UseXNNPACK bool   // use the XNNPACK delegate
	Cache      FeatureCacheSettings
}

// HeadSettings shapes the trainable classification head.
type HeadSettings struct {
	Hidden  []int     // dense layer widths
	Dropout []float64 // dropout rate after each dense layer
}

// AugmentationSettings configures training-time augmentation.
type AugmentationSettings struct {
	Mode             string    // offline, online or off
	Variants         int       // variants per image in offline mode
	RotationRange    float64   // degrees
	WidthShiftRange  float64   // fraction of width
	HeightShiftRange float64   // fraction of height
	BrightnessRange  []float64 // [min, max] multiplier
	ZoomRange        float64   // scale drawn from [1-zoom, 1+zoom]
	HorizontalFlip   bool
	FillMode         string // nearest, constant, reflect or wrap
}

// TrainingSettings configures training runs.
type TrainingSettings struct {
	Epochs          int     // default epoch count when a start request passes none
	ValidationSplit float64 // fraction of each class held out for validation
	BatchSize       int
	LearningRate    float64
	Seed            uint64 // 0 picks a seed per run
	Workers         int    // parallel image preparation workers
	CropFaces       bool   // crop training images to the detected face
	AutoTrain       bool   // start training at service startup when no model exists
	Head            HeadSettings
	Augmentation    AugmentationSettings
}

// DetectorSettings configures the pigo face detector.
type DetectorSettings struct {
	CascadePath      string
	MinSize          int
	MaxSize          int
	ShiftFactor      float64
	ScaleFactor      float64
	QualityThreshold float64
	IoUThreshold     float64
}

// RecognitionSettings configures inference.
type RecognitionSettings struct {
	Threshold    float64 // minimum confidence to report an identity
	UnknownLabel string  // label reported below the threshold
	Detector     DetectorSettings
}

// SentrySettings configures optional error reporting.
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
	SampleRate  float64
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool
	Listen  string
}

// MQTTSettings configures training status publishing.
type MQTTSettings struct {
	Enabled     bool
	Broker      string
	ClientID    string
	Username    string
	Password    string
	Topic       string
	Retain      bool
	MinInterval time.Duration // minimum gap between non-terminal status messages
}

// Settings contains all configuration options for faceid.
type Settings struct {
	Debug bool

	Main        MainSettings
	Storage     StorageSettings
	Database    DatabaseSettings
	Backbone    BackboneSettings
	Training    TrainingSettings
	Recognition RecognitionSettings
	Logging     logger.LoggingConfig
	Sentry      SentrySettings
	Metrics     MetricsSettings
	MQTT        MQTTSettings
}

// HistoryPath returns the training history file location.
func (s *StorageSettings) HistoryPath() string {
	if s.HistoryFile != "" {
		return s.HistoryFile
	}
	return filepath.Join(s.ModelDir, "training_history.json")
}

// TrainingScratchDir returns the root for ephemeral training datasets.
func (s *StorageSettings) TrainingScratchDir() string {
	return filepath.Join(s.ScratchDir, "training")
}

// UploadDir returns the directory for upload temp files.
func (s *StorageSettings) UploadDir() string {
	return filepath.Join(s.ScratchDir, "uploads")
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults, binds the environment and reads the config file.
// An explicit --config path wins over the search paths.
func initViper() error {
	viper.SetConfigType("yaml")

	setDefaultConfig()

	viper.SetEnvPrefix("FACEID")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := bindEnvVars(); err != nil {
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if explicit := viper.GetString("config"); explicit != "" {
		viper.SetConfigFile(explicit)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", explicit, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths)
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the embedded default config to the first config path
func createDefaultConfig(configPaths []string) error {
	if len(configPaths) == 0 {
		return fmt.Errorf("no config path available")
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	defaultConfig, err := getDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, defaultConfig, 0o600); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() ([]byte, error) {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("error reading embedded config: %w", err)
	}
	return data, nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
