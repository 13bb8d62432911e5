// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "faceid")

	viper.SetDefault("storage.modeldir", "data/model")
	viper.SetDefault("storage.historyfile", "")
	viper.SetDefault("storage.scratchdir", "data/scratch")
	viper.SetDefault("storage.uploadmaxage", time.Hour)
	viper.SetDefault("storage.cleanupinterval", 10*time.Minute)

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.sqlite.path", "data/faceid.db")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", 3306)
	viper.SetDefault("database.mysql.database", "faceid")

	viper.SetDefault("backbone.name", "mobilenet_v2")
	viper.SetDefault("backbone.modelpath", "model/mobilenet_v2_224_feature.tflite")
	viper.SetDefault("backbone.inputsize", 224)
	viper.SetDefault("backbone.threads", 0)
	viper.SetDefault("backbone.usexnnpack", true)
	viper.SetDefault("backbone.cache.enabled", true)
	viper.SetDefault("backbone.cache.ttl", 30*time.Minute)

	viper.SetDefault("training.epochs", 20)
	viper.SetDefault("training.validationsplit", 0.2)
	viper.SetDefault("training.batchsize", 32)
	viper.SetDefault("training.learningrate", 1e-4)
	viper.SetDefault("training.seed", 0)
	viper.SetDefault("training.workers", 4)
	viper.SetDefault("training.cropfaces", true)
	viper.SetDefault("training.autotrain", true)
	viper.SetDefault("training.head.hidden", []int{512, 256})
	viper.SetDefault("training.head.dropout", []float64{0.5, 0.3})

	viper.SetDefault("training.augmentation.mode", "offline")
	viper.SetDefault("training.augmentation.variants", 10)
	viper.SetDefault("training.augmentation.rotationrange", 30.0)
	viper.SetDefault("training.augmentation.widthshiftrange", 0.2)
	viper.SetDefault("training.augmentation.heightshiftrange", 0.2)
	viper.SetDefault("training.augmentation.brightnessrange", []float64{0.7, 1.3})
	viper.SetDefault("training.augmentation.zoomrange", 0.2)
	viper.SetDefault("training.augmentation.horizontalflip", true)
	viper.SetDefault("training.augmentation.fillmode", "nearest")

	viper.SetDefault("recognition.threshold", 0.6)
	viper.SetDefault("recognition.unknownlabel", "Unknown person")
	viper.SetDefault("recognition.detector.cascadepath", "model/facefinder")
	viper.SetDefault("recognition.detector.minsize", 40)
	viper.SetDefault("recognition.detector.maxsize", 1200)
	viper.SetDefault("recognition.detector.shiftfactor", 0.1)
	viper.SetDefault("recognition.detector.scalefactor", 1.1)
	viper.SetDefault("recognition.detector.qualitythreshold", 5.0)
	viper.SetDefault("recognition.detector.iouthreshold", 0.2)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", true)
	viper.SetDefault("logging.file_output.path", "logs/faceid.log")
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.environment", "production")
	viper.SetDefault("sentry.samplerate", 1.0)

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", "0.0.0.0:8090")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "faceid/training")
	viper.SetDefault("mqtt.retain", true)
	viper.SetDefault("mqtt.mininterval", time.Second)
}
