// Package local executes inference jobs as subprocesses on the worker host.
// The model runtime is a separate program; this package only stages inputs,
// invokes it, and interprets its exit.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mediaforge/jobforge/internal/strategy"
	"github.com/mediaforge/jobforge/pkg/models"
)

// Subprocess exit codes the model runtimes agree on. Anything else is an
// unclassified crash.
const (
	exitBadInput         = 2
	exitModelUnavailable = 3
)

// MediaStore fetches job inputs and persists produced artifacts.
type MediaStore interface {
	// Download resolves a media token to a local file under dir.
	Download(ctx context.Context, token string, dir string) (string, error)
	// Upload stores the artifact at path and returns its media token.
	Upload(ctx context.Context, path string) (string, error)
}

// Config describes how to invoke one model runtime.
type Config struct {
	// Bin is the interpreter or binary, Script its entrypoint argument.
	Bin    string
	Script string

	WorkDir string
	Timeout time.Duration
}

// Strategy runs one model runtime as a subprocess per job.
type Strategy struct {
	name  string
	cfg   Config
	media MediaStore
	log   *slog.Logger
}

func New(name string, cfg Config, media MediaStore, log *slog.Logger) *Strategy {
	return &Strategy{name: name, cfg: cfg, media: media, log: log}
}

func (s *Strategy) Name() string {
	return s.name
}

// request is the file handed to the model runtime.
type request struct {
	JobToken  string                `json:"job_token"`
	Category  models.Category       `json:"category"`
	JobType   models.JobType        `json:"job_type"`
	ModelType models.ModelType      `json:"model_type"`
	Args      *models.InferenceArgs `json:"args"`
	// Inputs maps media tokens to staged local paths.
	Inputs map[string]string `json:"inputs,omitempty"`
}

// result is what the model runtime writes on success.
type result struct {
	OutputPath string `json:"output_path"`
}

func (s *Strategy) Execute(ctx context.Context, job *models.Job) (*strategy.Outcome, error) {
	args, err := models.ParseInferenceArgs(job.InferenceArgs)
	if err != nil {
		return nil, strategy.Permanent(models.FailureCategoryBadInput, err)
	}
	if args.Category != job.Category {
		return nil, strategy.Permanent(models.FailureCategoryBadInput,
			fmt.Errorf("args category %q does not match job category %q", args.Category, job.Category))
	}

	dir, err := os.MkdirTemp(s.cfg.WorkDir, "job-")
	if err != nil {
		return nil, strategy.Transient(models.FailureCategoryServerError, fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(dir)

	inputs := map[string]string{}
	for _, token := range args.InputMediaTokens() {
		path, err := s.media.Download(ctx, token, dir)
		if err != nil {
			return nil, strategy.Transient(models.FailureCategoryServerError,
				fmt.Errorf("download input %s: %w", token, err))
		}
		inputs[token] = path
	}

	reqPath := filepath.Join(dir, "request.json")
	outPath := filepath.Join(dir, "result.json")
	reqData, err := json.Marshal(request{
		JobToken:  job.JobToken,
		Category:  job.Category,
		JobType:   job.JobType,
		ModelType: job.ModelType,
		Args:      args,
		Inputs:    inputs,
	})
	if err != nil {
		return nil, strategy.Transient(models.FailureCategoryServerError, fmt.Errorf("encode request: %w", err))
	}
	if err := os.WriteFile(reqPath, reqData, 0o600); err != nil {
		return nil, strategy.Transient(models.FailureCategoryServerError, fmt.Errorf("write request: %w", err))
	}

	execCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, s.cfg.Bin, s.cfg.Script, "--request", reqPath, "--result", outPath)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	if err != nil {
		return nil, s.classifyRunError(execCtx, err, &stderr)
	}
	s.log.Debug("subprocess finished",
		"job_token", job.JobToken,
		"job_type", job.JobType,
		"duration", time.Since(start))

	resData, err := os.ReadFile(outPath)
	if err != nil {
		return nil, strategy.Transient(models.FailureCategoryServerError,
			fmt.Errorf("subprocess exited 0 but wrote no result: %w", err))
	}
	var res result
	if err := json.Unmarshal(resData, &res); err != nil {
		return nil, strategy.Transient(models.FailureCategoryServerError, fmt.Errorf("decode result: %w", err))
	}
	if res.OutputPath == "" {
		return nil, strategy.Transient(models.FailureCategoryServerError, errors.New("result has no output path"))
	}

	outputPath := res.OutputPath
	if !filepath.IsAbs(outputPath) {
		outputPath = filepath.Join(dir, outputPath)
	}
	mediaToken, err := s.media.Upload(ctx, outputPath)
	if err != nil {
		return nil, strategy.Transient(models.FailureCategoryServerError, fmt.Errorf("upload output: %w", err))
	}

	return &strategy.Outcome{
		Result: models.ResultEntity{EntityType: "media_file", EntityToken: mediaToken},
	}, nil
}

func (s *Strategy) classifyRunError(execCtx context.Context, err error, stderr *bytes.Buffer) error {
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return strategy.Transient(models.FailureCategoryExecutionTimeout,
			fmt.Errorf("subprocess exceeded %s", s.cfg.Timeout))
	}

	detail := err
	if tail := lastLine(stderr.Bytes()); tail != "" {
		detail = fmt.Errorf("%w: %s", err, tail)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case exitBadInput:
			return strategy.Permanent(models.FailureCategoryBadInput, detail)
		case exitModelUnavailable:
			return strategy.Transient(models.FailureCategoryModelUnavailable, detail)
		}
	}
	return strategy.Transient(models.FailureCategoryServerError, detail)
}

// lastLine returns the final non-empty stderr line, the part model runtimes
// put their actual error on.
func lastLine(b []byte) string {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return string(line)
		}
	}
	return ""
}
