package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var ErrPredictionOutOfRange = errors.New("prediction outside [0,1]")

// Options controls how the runtime is located and how the graph is bound.
// Empty names are discovered from the model file.
type Options struct {
	LibraryPath string
	InputName   string
	OutputName  string
}

// Session is an inference-ready detector. Predict is safe for concurrent use.
type Session struct {
	Spec Spec

	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libraryPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Open creates a session for spec from the artifact in modelsDir.
func Open(spec Spec, modelsDir string, opts Options) (*Session, error) {
	modelPath := spec.Path(modelsDir)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model artifact %s: %w", modelPath, err)
	}

	if err := InitRuntime(opts.LibraryPath); err != nil {
		return nil, err
	}

	inputName, outputName, err := bindingNames(modelPath, opts)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Session{
		Spec:         spec,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func bindingNames(modelPath string, opts Options) (string, string, error) {
	if opts.InputName != "" && opts.OutputName != "" {
		return opts.InputName, opts.OutputName, nil
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read model inputs/outputs: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return "", "", fmt.Errorf("expected 1 input and 1 output, model has %d and %d", len(inputs), len(outputs))
	}

	inputName, outputName := opts.InputName, opts.OutputName
	if inputName == "" {
		inputName = inputs[0].Name
	}
	if outputName == "" {
		outputName = outputs[0].Name
	}
	return inputName, outputName, nil
}

// Predict runs one forward pass and returns the single sigmoid output.
func (s *Session) Predict(input []float32) (float32, error) {
	if len(input) != InputSize() {
		return 0, fmt.Errorf("expected %d input values, got %d", InputSize(), len(input))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), input)

	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	out := s.outputTensor.GetData()
	if len(out) == 0 {
		return 0, errors.New("inference produced no output")
	}
	return CheckPrediction(out[0])
}

// CheckPrediction rejects values a sigmoid head cannot produce.
func CheckPrediction(p float32) (float32, error) {
	if math.IsNaN(float64(p)) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: %v", ErrPredictionOutOfRange, p)
	}
	return p, nil
}

func (s *Session) Close() error {
	var errs []error
	if s.inputTensor != nil {
		errs = append(errs, s.inputTensor.Destroy())
	}
	if s.outputTensor != nil {
		errs = append(errs, s.outputTensor.Destroy())
	}
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
	}
	return errors.Join(errs...)
}
