// Package cli implements the ctc-detector command: validate arguments, load
// the selected detector, classify one image and print one JSON result.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Brownie44l1/ctc-detector/internal/classify"
	"github.com/Brownie44l1/ctc-detector/internal/config"
	"github.com/Brownie44l1/ctc-detector/internal/logging"
	"github.com/Brownie44l1/ctc-detector/internal/model"
)

const (
	ExitOK   = 0
	ExitFail = 1
)

// Opener returns a ready session for spec.
type Opener func(spec model.Spec) (classify.Session, error)

type App struct {
	Stdout io.Writer
	Open   Opener
	Log    *log.Logger
}

// Main parses flags and config, then runs the positional arguments.
// When the flags do not parse, every argument is treated as positional and
// config comes from the environment only, so a path such as "-photo.jpg"
// still gets the usual not-found handling.
// It returns the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("ctc-detector", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFile := fs.String("config", "", "path to a YAML, JSON or TOML config file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (text, json)")
	fs.String("models-dir", "", "directory holding the ONNX detectors")
	fs.String("onnxruntime-lib", "", "path to the onnxruntime shared library")

	positional := args
	if err := fs.Parse(args); err != nil {
		*configFile = ""
		fs = nil
	} else {
		positional = fs.Args()
	}

	cfg, err := config.Load(*configFile, fs)
	if err != nil {
		return writeResult(stdout, classify.RuntimeError(err), ExitFail)
	}

	logger := logging.NewWithOutput(stderr, cfg.Logger.Level, cfg.Logger.Format)
	defer func() {
		if err := model.ShutdownRuntime(); err != nil {
			logger.WithError(err).Warn("failed to shut down onnxruntime")
		}
	}()

	app := &App{
		Stdout: stdout,
		Log:    logger,
		Open: func(spec model.Spec) (classify.Session, error) {
			session, err := model.Open(spec, cfg.Model.Dir, model.Options{
				LibraryPath: cfg.Model.RuntimeLib,
				InputName:   cfg.Model.InputName,
				OutputName:  cfg.Model.OutputName,
			})
			if err != nil {
				return nil, err
			}
			return session, nil
		},
	}
	return app.Run(positional)
}

// Run handles `<image_path> [model_version]`. Extra arguments are ignored.
func (a *App) Run(args []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.WithField("panic", r).Error("prediction panicked")
			code = writeResult(a.Stdout, classify.RuntimeError(fmt.Errorf("%v", r)), ExitFail)
		}
	}()

	if len(args) < 1 {
		return writeResult(a.Stdout, classify.UsageError(), ExitFail)
	}
	imagePath := args[0]

	versionArg := string(model.DefaultVersion)
	if len(args) > 1 {
		versionArg = args[1]
	}

	if _, err := os.Stat(imagePath); err != nil {
		return writeResult(a.Stdout, classify.NotFound(imagePath), ExitFail)
	}

	spec, err := model.Lookup(model.Version(versionArg))
	if err != nil {
		return writeResult(a.Stdout, classify.InvalidVersion(versionArg), ExitFail)
	}

	result, err := a.predict(spec, imagePath)
	if err != nil {
		a.Log.WithError(err).WithField("image", imagePath).Error("prediction failed")
		return writeResult(a.Stdout, classify.RuntimeError(err), ExitFail)
	}

	a.Log.WithFields(log.Fields{
		"version":    spec.Version,
		"prediction": *result.RawPrediction,
		"isCTC":      result.IsCTC,
	}).Debug("prediction complete")

	return writeResult(a.Stdout, result, ExitOK)
}

func (a *App) predict(spec model.Spec, imagePath string) (classify.Result, error) {
	session, err := a.Open(spec)
	if err != nil {
		return classify.Result{}, logging.NewOperationError("load_model", "", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			a.Log.WithError(err).Warn("failed to release model session")
		}
	}()

	return classify.File(session, spec, imagePath)
}

func writeResult(w io.Writer, result classify.Result, code int) int {
	if err := json.NewEncoder(w).Encode(result); err != nil {
		return ExitFail
	}
	return code
}
