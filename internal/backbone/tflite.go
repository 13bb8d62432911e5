package backbone

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/errors"
	"github.com/tphakala/faceid/internal/faceimage"
	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

// TFLite runs a MobileNet-style feature extractor through the TensorFlow Lite
// C API. The interpreter is not reentrant so Extract calls are serialized.
type TFLite struct {
	mu           sync.Mutex
	interpreter  *tflite.Interpreter
	name         string
	modelPath    string
	inputSize    int
	featureShape []int
}

// NewTFLite loads the model at settings.ModelPath and allocates its tensors.
func NewTFLite(settings *conf.BackboneSettings) (*TFLite, error) {
	start := time.Now()

	modelData, err := os.ReadFile(settings.ModelPath)
	if err != nil {
		return nil, errors.New(fmt.Errorf("read backbone model: %w", err)).
			Category(errors.CategoryModelLoad).
			Context("model_path", settings.ModelPath).
			Timing("backbone-load", time.Since(start)).
			Build()
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, errors.Newf("cannot load TensorFlow Lite model").
			Category(errors.CategoryModelLoad).
			FileContext(settings.ModelPath, int64(len(modelData))).
			Context("use_xnnpack", settings.UseXNNPACK).
			Build()
	}

	threads := threadCount(settings.Threads)
	options := tflite.NewInterpreterOptions()

	log := getLogger()
	if settings.UseXNNPACK {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // G115: bounded by CPU count
		if delegate == nil {
			log.Warn("failed to create XNNPACK delegate, falling back to default CPU")
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
		}
	} else {
		options.SetNumThread(threads)
	}

	options.SetErrorReporter(func(msg string, _ any) {
		getLogger().Error("TFLite error", logger.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		return nil, errors.Newf("cannot create interpreter").
			Category(errors.CategoryModelLoad).
			Context("model_path", settings.ModelPath).
			Build()
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		return nil, errors.Newf("tensor allocation failed: %v", status).
			Category(errors.CategoryModelLoad).
			Context("model_path", settings.ModelPath).
			Build()
	}

	b := &TFLite{
		interpreter: interpreter,
		name:        settings.Name,
		modelPath:   settings.ModelPath,
		inputSize:   settings.InputSize,
	}
	if err := b.inspectTensors(); err != nil {
		interpreter.Delete()
		return nil, err
	}

	log.Info("backbone initialized",
		logger.String("name", b.name),
		logger.String("model", settings.ModelPath),
		logger.Int("input_size", b.inputSize),
		logger.Any("feature_shape", b.featureShape),
		logger.Int("threads", threads),
		logger.Bool("xnnpack", settings.UseXNNPACK),
		logger.Duration("load_time", time.Since(start)))

	return b, nil
}

// inspectTensors checks the input resolution against the configuration and
// records the output feature shape without its batch dimension.
func (b *TFLite) inspectTensors() error {
	input := b.interpreter.GetInputTensor(0)
	if input == nil {
		return errors.Newf("cannot get input tensor").
			Category(errors.CategoryModelLoad).
			Context("model_path", b.modelPath).
			Build()
	}
	if input.NumDims() != 4 || input.Dim(1) != b.inputSize || input.Dim(2) != b.inputSize || input.Dim(3) != faceimage.Channels {
		return errors.Newf("backbone input shape mismatch: want [1 %d %d %d]", b.inputSize, b.inputSize, faceimage.Channels).
			Category(errors.CategoryValidation).
			Context("model_path", b.modelPath).
			Context("input_dims", input.NumDims()).
			Build()
	}

	output := b.interpreter.GetOutputTensor(0)
	if output == nil {
		return errors.Newf("cannot get output tensor").
			Category(errors.CategoryModelLoad).
			Context("model_path", b.modelPath).
			Build()
	}
	shape := make([]int, 0, output.NumDims())
	for i := 1; i < output.NumDims(); i++ {
		shape = append(shape, output.Dim(i))
	}
	if len(shape) == 0 {
		return errors.Newf("backbone output has no feature dimensions").
			Category(errors.CategoryValidation).
			Context("model_path", b.modelPath).
			Build()
	}
	b.featureShape = shape
	return nil
}

// Extract runs the interpreter on one input tensor.
func (b *TFLite) Extract(input []float32) ([]float32, error) {
	if want := InputLen(b); len(input) != want {
		return nil, errors.Newf("backbone input has %d values, want %d", len(input), want).
			Category(errors.CategoryValidation).
			Build()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interpreter == nil {
		return nil, errors.Newf("backbone is closed").
			Category(errors.CategoryState).
			Build()
	}

	inputTensor := b.interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	copy(inputTensor.Float32s(), input)

	if status := b.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tensor invoke failed: %v", status).
			Category(errors.CategoryRecognition).
			Context("backbone", b.name).
			Build()
	}

	outputTensor := b.interpreter.GetOutputTensor(0)
	features := make([]float32, len(outputTensor.Float32s()))
	copy(features, outputTensor.Float32s())
	return features, nil
}

// Name returns the configured backbone identifier.
func (b *TFLite) Name() string { return b.name }

// InputSize returns the square input resolution.
func (b *TFLite) InputSize() int { return b.inputSize }

// Normalization reports MobileNet-style [-1, 1] scaling.
func (b *TFLite) Normalization() faceimage.Normalization { return faceimage.NormalizeMobileNet }

// FeatureShape returns the output shape without the batch dimension.
func (b *TFLite) FeatureShape() []int { return append([]int(nil), b.featureShape...) }

// Close releases the interpreter.
func (b *TFLite) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interpreter != nil {
		b.interpreter.Delete()
		b.interpreter = nil
	}
	return nil
}

func threadCount(configured int) int {
	cpus := runtime.NumCPU()
	if configured <= 0 || configured > cpus {
		return cpus
	}
	return configured
}

// Open creates the configured backbone, wrapped in a feature cache when
// settings.Cache is enabled.
func Open(settings *conf.BackboneSettings, recorder metrics.Recorder) (Backbone, error) {
	b, err := NewTFLite(settings)
	if err != nil {
		return nil, err
	}
	if !settings.Cache.Enabled {
		return b, nil
	}
	return NewCached(b, settings.Cache.TTL, recorder), nil
}
