// Package classify runs the detector on an image and interprets its output.
//
// The model was trained with 0 = CTC and 1 = anything else, so a prediction
// below the threshold means the image is a CTC.
package classify

import (
	"image"

	"github.com/Brownie44l1/ctc-detector/internal/logging"
	"github.com/Brownie44l1/ctc-detector/internal/model"
	"github.com/Brownie44l1/ctc-detector/internal/preprocess"
)

// Predictor runs one forward pass over a preprocessed tensor.
type Predictor interface {
	Predict(input []float32) (float32, error)
}

// Session is a Predictor that owns runtime resources.
type Session interface {
	Predictor
	Close() error
}

// Interpret thresholds a raw prediction. The comparison happens in float32,
// so a prediction equal to the threshold is not a CTC.
func Interpret(prediction float32, spec model.Spec) Result {
	isCTC := prediction < float32(spec.Threshold)

	confidence := prediction
	if isCTC {
		confidence = 1 - prediction
	}

	raw := float64(prediction)
	threshold := spec.Threshold
	return Result{
		IsCTC:         isCTC,
		Confidence:    float64(confidence),
		RawPrediction: &raw,
		Threshold:     &threshold,
		Reason:        spec.Description,
	}
}

// File preprocesses the image at path and classifies it.
func File(p Predictor, spec model.Spec, path string) (Result, error) {
	tensor, err := preprocess.LoadFile(path)
	if err != nil {
		return Result{}, logging.NewOperationError("preprocess", "", err)
	}
	return run(p, spec, tensor)
}

// Image classifies an already decoded image.
func Image(p Predictor, spec model.Spec, img image.Image) (Result, error) {
	return run(p, spec, preprocess.FromImage(img))
}

// Tensor classifies a caller-supplied tensor, which must already be
// in the model's input layout.
func Tensor(p Predictor, spec model.Spec, input []float32) (Result, error) {
	return run(p, spec, input)
}

func run(p Predictor, spec model.Spec, input []float32) (Result, error) {
	prediction, err := p.Predict(input)
	if err != nil {
		return Result{}, logging.NewOperationError("inference", "", err)
	}
	prediction, err = model.CheckPrediction(prediction)
	if err != nil {
		return Result{}, logging.NewOperationError("inference", "", err)
	}
	return Interpret(prediction, spec), nil
}
