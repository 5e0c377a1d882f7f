// Package detector runs the ctc-detector binary as a child process and reads
// its JSON result. It fails open: when no usable result comes back the image
// is treated as a CTC with full confidence so downstream grading still runs.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/ctc-detector/internal/classify"
	"github.com/Brownie44l1/ctc-detector/internal/model"
)

var (
	ErrInvalidResponse = errors.New("invalid detector response format")
	ErrUnparseable     = errors.New("could not parse detector output")

	jsonObject = regexp.MustCompile(`(?s)\{.*\}`)
)

// Output is what one run of the binary produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner starts the binary. A non-zero exit is reported through
// Output.ExitCode, not err; err means the process could not run at all.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

type Detector struct {
	binary string
	dir    string
	runner Runner
	log    *log.Logger
}

type Option func(*Detector)

// WithDir sets the working directory the binary runs in, which is where it
// resolves its relative models directory.
func WithDir(dir string) Option {
	return func(d *Detector) { d.dir = dir }
}

func WithRunner(r Runner) Option {
	return func(d *Detector) { d.runner = r }
}

func New(binary string, logger *log.Logger, opts ...Option) *Detector {
	d := &Detector{binary: binary, log: logger}
	for _, opt := range opts {
		opt(d)
	}
	if d.runner == nil {
		d.runner = execRunner{dir: d.dir}
	}
	return d
}

// Detect never returns an error; failures come back as a bypass result.
func (d *Detector) Detect(ctx context.Context, imagePath string, version model.Version) classify.Result {
	binary, err := d.resolveBinary()
	if err != nil {
		d.log.WithError(err).WithField("binary", d.binary).Warn("detector binary not found, bypassing")
		return Bypass("detector binary missing")
	}

	out, err := d.runner.Run(ctx, binary, imagePath, string(version))
	if err != nil {
		d.log.WithError(err).Error("detector failed to run")
		return Bypass(err.Error())
	}
	if len(out.Stderr) > 0 {
		d.log.WithField("stderr", truncate(out.Stderr, 200)).Debug("detector stderr")
	}

	result, err := ParseOutput(out.Stdout)
	if err != nil {
		d.log.WithError(err).WithField("exit_code", out.ExitCode).Error("detector returned no usable result")
		return Bypass(err.Error())
	}

	d.log.WithFields(log.Fields{
		"isCTC":      result.IsCTC,
		"confidence": result.Confidence,
		"exit_code":  out.ExitCode,
	}).Info("detector result")
	return result
}

// resolveBinary finds bare names on PATH and resolves relative paths against
// the working directory the binary will run in.
func (d *Detector) resolveBinary() (string, error) {
	if filepath.Base(d.binary) == d.binary {
		return exec.LookPath(d.binary)
	}

	path := d.binary
	if !filepath.IsAbs(path) && d.dir != "" {
		path = filepath.Join(d.dir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	return filepath.Abs(path)
}

// Bypass is the fail-open result.
func Bypass(why string) classify.Result {
	return classify.Result{
		IsCTC:      true,
		Confidence: 1.0,
		Reason:     fmt.Sprintf("Detector bypassed: %s", why),
	}
}

type wireResult struct {
	IsCTC         bool     `json:"isCTC"`
	Confidence    *float64 `json:"confidence"`
	RawPrediction *float64 `json:"raw_prediction"`
	Threshold     *float64 `json:"threshold"`
	Reason        string   `json:"reason"`
}

// ParseOutput decodes stdout as one JSON object. If stdout carries other
// text, the outermost {...} span is tried instead.
func ParseOutput(stdout []byte) (classify.Result, error) {
	text := bytes.TrimSpace(stdout)

	var w wireResult
	if err := json.Unmarshal(text, &w); err != nil {
		m := jsonObject.Find(text)
		if m == nil {
			return classify.Result{}, ErrUnparseable
		}
		w = wireResult{}
		if err := json.Unmarshal(m, &w); err != nil {
			return classify.Result{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
	}

	if w.Confidence == nil {
		return classify.Result{}, ErrInvalidResponse
	}

	return classify.Result{
		IsCTC:         w.IsCTC,
		Confidence:    *w.Confidence,
		RawPrediction: w.RawPrediction,
		Threshold:     w.Threshold,
		Reason:        w.Reason,
	}, nil
}

// truncate keeps at most n bytes without splitting a rune.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n])
}

type execRunner struct {
	dir string
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}
