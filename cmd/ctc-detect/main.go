// Command ctc-detect asks the ctc-detector binary about one image and prints
// its result, falling back to a bypass result when the detector is unusable.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Brownie44l1/ctc-detector/internal/classify"
	"github.com/Brownie44l1/ctc-detector/internal/config"
	"github.com/Brownie44l1/ctc-detector/internal/detector"
	"github.com/Brownie44l1/ctc-detector/internal/logging"
	"github.com/Brownie44l1/ctc-detector/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("ctc-detect", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "path to a YAML, JSON or TOML config file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (text, json)")
	fs.String("detector-binary", "", "ctc-detector binary, a PATH name or a path")
	fs.String("detector-dir", "", "working directory for the detector")
	fs.String("detector-timeout", "", "how long to wait for the detector")

	if err := fs.Parse(args); err != nil {
		return write(stdout, classify.InvalidArguments(err), 1)
	}

	cfg, err := config.Load(*configFile, fs)
	if err != nil {
		return write(stdout, classify.RuntimeError(err), 1)
	}

	positional := fs.Args()
	if len(positional) < 1 {
		return write(stdout, classify.UsageError(), 1)
	}
	version := model.DefaultVersion
	if len(positional) > 1 {
		version = model.Version(positional[1])
	}

	logger := logging.NewWithOutput(stderr, cfg.Logger.Level, cfg.Logger.Format)
	d := detector.New(cfg.Detector.Binary, logger, detector.WithDir(cfg.Detector.Dir))

	ctx, cancel := context.WithTimeout(ctx, cfg.Detector.Timeout)
	defer cancel()

	return write(stdout, d.Detect(ctx, positional[0], version), 0)
}

func write(w io.Writer, result classify.Result, code int) int {
	if err := json.NewEncoder(w).Encode(result); err != nil {
		return 1
	}
	return code
}
