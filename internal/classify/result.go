package classify

import "fmt"

// Result is the single JSON object the detector reports.
// RawPrediction and Threshold are set only on success.
type Result struct {
	IsCTC         bool     `json:"isCTC"`
	Confidence    float64  `json:"confidence"`
	RawPrediction *float64 `json:"raw_prediction,omitempty"`
	Threshold     *float64 `json:"threshold,omitempty"`
	Reason        string   `json:"reason"`
}

// Failure results. The polarity of IsCTC differs per case and callers rely on it.

func UsageError() Result {
	return Result{IsCTC: true, Confidence: 0, Reason: "No image path provided"}
}

func NotFound(path string) Result {
	return Result{IsCTC: false, Confidence: 0, Reason: fmt.Sprintf("Image not found: %s", path)}
}

func InvalidVersion(version string) Result {
	return Result{IsCTC: true, Confidence: 0, Reason: fmt.Sprintf("Invalid model version: %s", version)}
}

func RuntimeError(err error) Result {
	return Result{IsCTC: true, Confidence: 0, Reason: fmt.Sprintf("Prediction error: %v", err)}
}

func InvalidArguments(err error) Result {
	return Result{IsCTC: true, Confidence: 0, Reason: fmt.Sprintf("Invalid arguments: %v", err)}
}

// Unavailable reports a known version whose detector is not loaded.
func Unavailable(version string) Result {
	return Result{IsCTC: true, Confidence: 0, Reason: fmt.Sprintf("Model version not loaded: %s", version)}
}
