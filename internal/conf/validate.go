// conf/validate.go

package conf

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateStorageSettings,
		validateDatabaseSettings,
		validateBackboneSettings,
		validateTrainingSettings,
		validateRecognitionSettings,
		validateIntegrationSettings,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateStorageSettings(s *Settings) []string {
	var errs []string
	if s.Storage.ModelDir == "" {
		errs = append(errs, "storage.modeldir must be set")
	}
	if s.Storage.ScratchDir == "" {
		errs = append(errs, "storage.scratchdir must be set")
	}
	if s.Storage.UploadMaxAge < 0 {
		errs = append(errs, "storage.uploadmaxage must not be negative")
	}
	return errs
}

func validateDatabaseSettings(s *Settings) []string {
	switch strings.ToLower(s.Database.Type) {
	case "sqlite":
		if s.Database.SQLite.Path == "" {
			return []string{"database.sqlite.path must be set when database.type is sqlite"}
		}
	case "mysql":
		if s.Database.MySQL.Host == "" || s.Database.MySQL.Database == "" {
			return []string{"database.mysql.host and database.mysql.database must be set when database.type is mysql"}
		}
	default:
		return []string{fmt.Sprintf("database.type %q is not supported, use sqlite or mysql", s.Database.Type)}
	}
	return nil
}

func validateBackboneSettings(s *Settings) []string {
	var errs []string
	if s.Backbone.Name == "" {
		errs = append(errs, "backbone.name must be set")
	}
	if s.Backbone.InputSize <= 0 {
		errs = append(errs, "backbone.inputsize must be positive")
	}
	if s.Backbone.Threads < 0 {
		errs = append(errs, "backbone.threads must not be negative")
	}
	return errs
}

func validateTrainingSettings(s *Settings) []string {
	var errs []string
	t := &s.Training
	if t.Epochs <= 0 {
		errs = append(errs, "training.epochs must be positive")
	}
	if t.ValidationSplit <= 0 || t.ValidationSplit >= 1 {
		errs = append(errs, "training.validationsplit must be between 0 and 1 exclusive")
	}
	if t.BatchSize <= 0 {
		errs = append(errs, "training.batchsize must be positive")
	}
	if t.LearningRate <= 0 {
		errs = append(errs, "training.learningrate must be positive")
	}
	if t.Workers <= 0 {
		errs = append(errs, "training.workers must be positive")
	}
	if len(t.Head.Hidden) == 0 || len(t.Head.Hidden) != len(t.Head.Dropout) {
		errs = append(errs, "training.head.hidden and training.head.dropout must be non-empty and the same length")
	}
	for _, rate := range t.Head.Dropout {
		if rate < 0 || rate >= 1 {
			errs = append(errs, fmt.Sprintf("training.head.dropout value %v must be in [0, 1)", rate))
		}
	}

	a := &t.Augmentation
	if !slices.Contains([]string{"offline", "online", "off"}, a.Mode) {
		errs = append(errs, fmt.Sprintf("training.augmentation.mode %q must be offline, online or off", a.Mode))
	}
	if a.Mode == "offline" && a.Variants <= 0 {
		errs = append(errs, "training.augmentation.variants must be positive in offline mode")
	}
	if len(a.BrightnessRange) != 2 || a.BrightnessRange[0] <= 0 || a.BrightnessRange[0] > a.BrightnessRange[1] {
		errs = append(errs, "training.augmentation.brightnessrange must be [min, max] with 0 < min <= max")
	}
	if a.ZoomRange < 0 || a.ZoomRange >= 1 {
		errs = append(errs, "training.augmentation.zoomrange must be in [0, 1)")
	}
	if !slices.Contains([]string{"nearest", "constant", "reflect", "wrap"}, a.FillMode) {
		errs = append(errs, fmt.Sprintf("training.augmentation.fillmode %q is not supported", a.FillMode))
	}
	return errs
}

func validateRecognitionSettings(s *Settings) []string {
	var errs []string
	r := &s.Recognition
	if r.Threshold < 0 || r.Threshold > 1 {
		errs = append(errs, "recognition.threshold must be between 0 and 1")
	}
	if r.UnknownLabel == "" {
		errs = append(errs, "recognition.unknownlabel must be set")
	}
	if r.Detector.MinSize <= 0 || r.Detector.MaxSize < r.Detector.MinSize {
		errs = append(errs, "recognition.detector minsize must be positive and not exceed maxsize")
	}
	if r.Detector.ScaleFactor <= 1 {
		errs = append(errs, "recognition.detector.scalefactor must be greater than 1")
	}
	return errs
}

func validateIntegrationSettings(s *Settings) []string {
	var errs []string
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		errs = append(errs, "sentry.dsn must be set when sentry is enabled")
	}
	if s.MQTT.Enabled && (s.MQTT.Broker == "" || s.MQTT.Topic == "") {
		errs = append(errs, "mqtt.broker and mqtt.topic must be set when mqtt is enabled")
	}
	if s.Metrics.Enabled && s.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen must be set when metrics are enabled")
	}
	return errs
}
