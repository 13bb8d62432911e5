package conf

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindEnvVars(t *testing.T) {
	t.Run("valid values", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		t.Setenv("FACEID_THRESHOLD", "0.8")
		t.Setenv("FACEID_DB_TYPE", "mysql")
		t.Setenv("FACEID_BACKBONE_USEXNNPACK", "false")

		require.NoError(t, bindEnvVars())
		assert.InDelta(t, 0.8, viper.GetFloat64("recognition.threshold"), 1e-9)
		assert.Equal(t, "mysql", viper.GetString("database.type"))
	})

	t.Run("invalid values are reported together", func(t *testing.T) {
		viper.Reset()
		t.Cleanup(viper.Reset)
		t.Setenv("FACEID_THRESHOLD", "1.7")
		t.Setenv("FACEID_TRAINING_EPOCHS", "-3")

		err := bindEnvVars()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "FACEID_THRESHOLD")
		assert.Contains(t, err.Error(), "FACEID_TRAINING_EPOCHS")
	})
}

func TestEnvValidators(t *testing.T) {
	tests := []struct {
		name     string
		validate func(string) error
		value    string
		wantErr  bool
	}{
		{"bool ok", validateEnvBool, "true", false},
		{"bool bad", validateEnvBool, "maybe", true},
		{"positive ok", validateEnvPositiveInt, "4", false},
		{"positive zero", validateEnvPositiveInt, "0", true},
		{"non-negative zero", validateEnvNonNegativeInt, "0", false},
		{"unit interval edge", validateEnvUnitInterval, "1", false},
		{"unit interval bad", validateEnvUnitInterval, "abc", true},
		{"db type case", validateEnvDatabaseType, "SQLite", false},
		{"db type bad", validateEnvDatabaseType, "postgres", true},
		{"blank", validateEnvNonEmpty, "   ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validate(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
