// env.go - Environment variable configuration and validation for faceid
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		// Storage
		{"storage.modeldir", "FACEID_MODEL_DIR", validateEnvNonEmpty},
		{"storage.scratchdir", "FACEID_SCRATCH_DIR", validateEnvNonEmpty},

		// Backbone
		{"backbone.modelpath", "FACEID_BACKBONE_MODEL", validateEnvNonEmpty},
		{"backbone.threads", "FACEID_BACKBONE_THREADS", validateEnvNonNegativeInt},
		{"backbone.usexnnpack", "FACEID_BACKBONE_USEXNNPACK", validateEnvBool},

		// Training
		{"training.epochs", "FACEID_TRAINING_EPOCHS", validateEnvPositiveInt},
		{"training.workers", "FACEID_TRAINING_WORKERS", validateEnvPositiveInt},
		{"training.autotrain", "FACEID_TRAINING_AUTOTRAIN", validateEnvBool},

		// Recognition
		{"recognition.threshold", "FACEID_THRESHOLD", validateEnvUnitInterval},
		{"recognition.detector.cascadepath", "FACEID_CASCADE", validateEnvNonEmpty},

		// Database
		{"database.type", "FACEID_DB_TYPE", validateEnvDatabaseType},
		{"database.sqlite.path", "FACEID_SQLITE_PATH", validateEnvNonEmpty},
		{"database.mysql.password", "FACEID_MYSQL_PASSWORD", nil},

		// Integrations
		{"sentry.dsn", "FACEID_SENTRY_DSN", nil},
		{"mqtt.password", "FACEID_MQTT_PASSWORD", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	bindings := getEnvBindings()
	var warnings []string

	for _, binding := range bindings {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

// Environment variable validation functions

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvNonEmpty(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("must not be blank")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("must be zero or a positive integer")
	}
	return nil
}

func validateEnvUnitInterval(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || f > 1 {
		return fmt.Errorf("must be a number between 0 and 1")
	}
	return nil
}

func validateEnvDatabaseType(value string) error {
	switch strings.ToLower(value) {
	case "sqlite", "mysql":
		return nil
	}
	return fmt.Errorf("must be sqlite or mysql")
}
