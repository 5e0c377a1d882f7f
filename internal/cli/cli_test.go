package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/ctc-detector/internal/classify"
	"github.com/Brownie44l1/ctc-detector/internal/model"
	"github.com/Brownie44l1/ctc-detector/internal/testutil"
)

type opened struct {
	specs []model.Spec
}

func newApp(p *testutil.MockPredictor, openErr error) (*App, *bytes.Buffer, *opened) {
	var stdout bytes.Buffer
	rec := &opened{}
	logger := log.New()
	logger.SetOutput(io.Discard)

	app := &App{
		Stdout: &stdout,
		Log:    logger,
		Open: func(spec model.Spec) (classify.Session, error) {
			rec.specs = append(rec.specs, spec)
			if openErr != nil {
				return nil, openErr
			}
			return p, nil
		},
	}
	return app, &stdout, rec
}

func decode(t *testing.T, out *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 1, "stdout must hold exactly one JSON line")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &fields))
	return fields
}

func cerealImage(t *testing.T) string {
	return testutil.WritePNG(t, "cereal.png", 120, 80, color.RGBA{220, 180, 60, 255})
}

func TestRun_NoArguments(t *testing.T) {
	app, out, rec := newApp(nil, nil)

	code := app.Run(nil)

	assert.Equal(t, ExitFail, code)
	fields := decode(t, out)
	assert.Equal(t, true, fields["isCTC"])
	assert.Equal(t, 0.0, fields["confidence"])
	assert.Equal(t, "No image path provided", fields["reason"])
	assert.Empty(t, rec.specs)
}

func TestRun_ImageNotFound(t *testing.T) {
	app, out, rec := newApp(nil, nil)

	code := app.Run([]string{"missing.jpg"})

	assert.Equal(t, ExitFail, code)
	fields := decode(t, out)
	assert.Equal(t, false, fields["isCTC"])
	assert.Equal(t, 0.0, fields["confidence"])
	assert.Equal(t, "Image not found: missing.jpg", fields["reason"])
	assert.Empty(t, rec.specs)
}

func TestRun_NotFoundCheckedBeforeVersion(t *testing.T) {
	app, out, _ := newApp(nil, nil)

	code := app.Run([]string{"missing.jpg", "v3"})

	assert.Equal(t, ExitFail, code)
	assert.Equal(t, "Image not found: missing.jpg", decode(t, out)["reason"])
}

func TestRun_InvalidVersion(t *testing.T) {
	for _, version := range []string{"v3", "", "V2", "latest"} {
		t.Run(version, func(t *testing.T) {
			app, out, rec := newApp(nil, nil)

			code := app.Run([]string{cerealImage(t), version})

			assert.Equal(t, ExitFail, code)
			fields := decode(t, out)
			assert.Equal(t, true, fields["isCTC"])
			assert.Equal(t, 0.0, fields["confidence"])
			assert.Equal(t, "Invalid model version: "+version, fields["reason"])
			assert.Empty(t, rec.specs)
		})
	}
}

func TestRun_SuccessV1(t *testing.T) {
	p := new(testutil.MockPredictor)
	p.On("Predict", mock.Anything).Return(float32(0.2), nil)
	p.On("Close").Return(nil)
	app, out, rec := newApp(p, nil)

	code := app.Run([]string{cerealImage(t), "v1"})

	assert.Equal(t, ExitOK, code)
	fields := decode(t, out)
	assert.Equal(t, true, fields["isCTC"])
	assert.InDelta(t, 0.8, fields["confidence"], 1e-6)
	assert.InDelta(t, 0.2, fields["raw_prediction"], 1e-6)
	assert.Equal(t, 0.5, fields["threshold"])
	require.Len(t, rec.specs, 1)
	assert.Equal(t, model.V1, rec.specs[0].Version)
	p.AssertExpectations(t)
}

func TestRun_DefaultsToV1(t *testing.T) {
	p := new(testutil.MockPredictor)
	p.On("Predict", mock.Anything).Return(float32(0.6), nil)
	p.On("Close").Return(nil)
	app, out, rec := newApp(p, nil)

	code := app.Run([]string{cerealImage(t)})

	assert.Equal(t, ExitOK, code)
	fields := decode(t, out)
	assert.Equal(t, false, fields["isCTC"])
	assert.Equal(t, 0.5, fields["threshold"])
	require.Len(t, rec.specs, 1)
	assert.Equal(t, model.V1, rec.specs[0].Version)
}

func TestRun_V2Threshold(t *testing.T) {
	p := new(testutil.MockPredictor)
	p.On("Predict", mock.Anything).Return(float32(0.6), nil)
	p.On("Close").Return(nil)
	app, out, _ := newApp(p, nil)

	code := app.Run([]string{cerealImage(t), "v2"})

	assert.Equal(t, ExitOK, code)
	fields := decode(t, out)
	assert.Equal(t, true, fields["isCTC"])
	assert.Equal(t, 0.9, fields["threshold"])
}

func TestRun_Idempotent(t *testing.T) {
	p := new(testutil.MockPredictor)
	p.On("Predict", mock.Anything).Return(float32(0.31), nil)
	p.On("Close").Return(nil)
	image := cerealImage(t)

	app, first, _ := newApp(p, nil)
	require.Equal(t, ExitOK, app.Run([]string{image, "v2"}))
	app2, second, _ := newApp(p, nil)
	require.Equal(t, ExitOK, app2.Run([]string{image, "v2"}))

	assert.Equal(t, first.String(), second.String())
}

func TestRun_LoadFailure(t *testing.T) {
	app, out, _ := newApp(nil, errors.New("corrupt artifact"))

	code := app.Run([]string{cerealImage(t), "v2"})

	assert.Equal(t, ExitFail, code)
	fields := decode(t, out)
	assert.Equal(t, true, fields["isCTC"])
	assert.Equal(t, 0.0, fields["confidence"])
	assert.Equal(t, "Prediction error: load_model: corrupt artifact", fields["reason"])
	assert.NotContains(t, fields, "threshold")
}

func TestRun_InferenceFailureClosesSession(t *testing.T) {
	p := new(testutil.MockPredictor)
	p.On("Predict", mock.Anything).Return(float32(0), errors.New("shape mismatch"))
	p.On("Close").Return(nil)
	app, out, _ := newApp(p, nil)

	code := app.Run([]string{cerealImage(t)})

	assert.Equal(t, ExitFail, code)
	fields := decode(t, out)
	assert.Equal(t, true, fields["isCTC"])
	assert.Contains(t, fields["reason"], "Prediction error: ")
	assert.Contains(t, fields["reason"], "shape mismatch")
	p.AssertCalled(t, "Close")
}

func TestRun_UndecodableImage(t *testing.T) {
	p := new(testutil.MockPredictor)
	p.On("Close").Return(nil)
	app, out, _ := newApp(p, nil)

	code := app.Run([]string{t.TempDir()})

	assert.Equal(t, ExitFail, code)
	fields := decode(t, out)
	assert.Equal(t, true, fields["isCTC"])
	assert.Contains(t, fields["reason"], "Prediction error: preprocess")
	p.AssertNotCalled(t, "Predict", mock.Anything)
}

func TestRun_PanicBecomesRuntimeError(t *testing.T) {
	p := new(testutil.MockPredictor)
	p.On("Predict", mock.Anything).Run(func(mock.Arguments) { panic("runtime exploded") })
	p.On("Close").Return(nil)
	app, out, _ := newApp(p, nil)

	code := app.Run([]string{cerealImage(t)})

	assert.Equal(t, ExitFail, code)
	assert.Equal(t, "Prediction error: runtime exploded", decode(t, out)["reason"])
}

func TestMain_DashPrefixedPathIsPositional(t *testing.T) {
	tests := []struct {
		name string
		args []string
		path string
	}{
		{"shorthand-like path", []string{"-missing.jpg"}, "-missing.jpg"},
		{"long-flag-like path", []string{"--bogus", "v1"}, "--bogus"},
		{"help", []string{"--help"}, "--help"},
		{"short help", []string{"-h"}, "-h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer

			code := Main(tt.args, &stdout, &stderr)

			assert.Equal(t, ExitFail, code)
			fields := decode(t, &stdout)
			assert.Equal(t, false, fields["isCTC"])
			assert.Equal(t, 0.0, fields["confidence"])
			assert.Equal(t, "Image not found: "+tt.path, fields["reason"])
		})
	}
}

func TestMain_DashPrefixedExistingImage(t *testing.T) {
	t.Setenv("CTC_MODELS_DIR", t.TempDir())
	dir := t.TempDir()
	image := testutil.WritePNG(t, "cereal.png", 16, 16, color.White)
	dashed := filepath.Join(dir, "-cereal.png")
	require.NoError(t, os.Rename(image, dashed))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	var stdout, stderr bytes.Buffer
	code := Main([]string{"-cereal.png", "v3"}, &stdout, &stderr)

	assert.Equal(t, ExitFail, code)
	assert.Equal(t, "Invalid model version: v3", decode(t, &stdout)["reason"])
}

func TestMain_Scenarios(t *testing.T) {
	t.Setenv("CTC_MODELS_DIR", t.TempDir())
	image := cerealImage(t)

	tests := []struct {
		name   string
		args   []string
		isCTC  bool
		reason string
	}{
		{"usage", nil, true, "No image path provided"},
		{"missing image", []string{"missing.jpg"}, false, "Image not found: missing.jpg"},
		{"invalid version", []string{image, "v3"}, true, "Invalid model version: v3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer

			code := Main(tt.args, &stdout, &stderr)

			assert.Equal(t, ExitFail, code)
			fields := decode(t, &stdout)
			assert.Equal(t, tt.isCTC, fields["isCTC"])
			assert.Equal(t, 0.0, fields["confidence"])
			assert.Equal(t, tt.reason, fields["reason"])
		})
	}
}

func TestMain_MissingModelArtifact(t *testing.T) {
	modelsDir := t.TempDir()
	var stdout, stderr bytes.Buffer

	code := Main([]string{"--models-dir", modelsDir, cerealImage(t), "v2"}, &stdout, &stderr)

	assert.Equal(t, ExitFail, code)
	fields := decode(t, &stdout)
	assert.Equal(t, true, fields["isCTC"])
	reason, _ := fields["reason"].(string)
	assert.True(t, strings.HasPrefix(reason, "Prediction error: load_model"))
	assert.Contains(t, reason, filepath.Join(modelsDir, "ctc_detector_v2.onnx"))
}
