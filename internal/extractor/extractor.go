// Package extractor turns chunk pcap files into flow records by running an
// external flow meter and parsing its CSV output.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/metrics"
	"Go2NetSentry/internal/model"
)

// ErrExtractionFailed matches every *ExtractionError.
var ErrExtractionFailed = errors.New("flow extraction failed")

const maxOutput = 4 << 10

// Failure reasons reported by ExtractionError.
const (
	ReasonStart         = "start"
	ReasonTimeout       = "timeout"
	ReasonExit          = "exit"
	ReasonMissingOutput = "missing_output"
)

// ExtractionError describes a failed run of the extraction tool.
type ExtractionError struct {
	Chunk    string
	Reason   string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("flow extraction failed for %s (%s)", e.Chunk, e.Reason)
	if e.Reason == ReasonExit {
		msg += fmt.Sprintf(", exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtractionFailed }

// Extractor runs the configured command once per chunk.
type Extractor struct {
	command    []string
	outputDir  string
	outputName string
	timeout    time.Duration
	logger     *zap.Logger
}

// New creates an extractor and makes sure the output directory exists.
func New(cfg config.ExtractorConfig, logger *zap.Logger) (*Extractor, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("extractor command is empty")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extractor output directory: %w", err)
	}
	timeout := config.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	name := cfg.OutputName
	if name == "" {
		name = "{base}_Flow.csv"
	}
	return &Extractor{
		command:    cfg.Command,
		outputDir:  cfg.OutputDir,
		outputName: name,
		timeout:    timeout,
		logger:     logger.Named("extractor"),
	}, nil
}

// OutputPath returns the CSV path the tool is expected to write for chunkPath.
func (e *Extractor) OutputPath(chunkPath string) string {
	return filepath.Join(e.outputDir, e.expand(e.outputName, chunkPath))
}

// Extract runs the tool on chunkPath and parses the resulting CSV. The CSV
// path is returned even when parsing fails so it can be recorded.
func (e *Extractor) Extract(ctx context.Context, chunkPath string) (model.FlowSet, string, error) {
	csvPath := e.OutputPath(chunkPath)
	if err := os.Remove(csvPath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("Failed to remove stale output", zap.String("path", csvPath), zap.Error(err))
	}

	if err := e.run(ctx, chunkPath); err != nil {
		var xerr *ExtractionError
		if errors.As(err, &xerr) {
			metrics.ExtractionFailures.WithLabelValues(xerr.Reason).Inc()
		}
		return model.FlowSet{}, "", err
	}

	f, err := os.Open(csvPath)
	if err != nil {
		metrics.ExtractionFailures.WithLabelValues(ReasonMissingOutput).Inc()
		return model.FlowSet{}, "", &ExtractionError{Chunk: chunkPath, Reason: ReasonMissingOutput, Err: err}
	}
	defer f.Close()

	flows, err := ParseCSV(f)
	if err != nil {
		metrics.ExtractionFailures.WithLabelValues("parse").Inc()
		return model.FlowSet{}, csvPath, fmt.Errorf("failed to parse %s: %w", csvPath, err)
	}

	e.logger.Debug("Extracted flows", zap.String("chunk", chunkPath), zap.Int("flows", len(flows.Flows)))
	return flows, csvPath, nil
}

func (e *Extractor) run(ctx context.Context, chunkPath string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	argv := make([]string, len(e.command))
	for i, arg := range e.command {
		argv[i] = e.expand(arg, chunkPath)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err == nil {
		e.logger.Debug("Extraction tool finished", zap.String("chunk", chunkPath), zap.Duration("elapsed", time.Since(start)))
		return nil
	}

	xerr := &ExtractionError{Chunk: chunkPath, Output: truncate(out), Err: err}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		xerr.Reason = ReasonTimeout
		xerr.Err = fmt.Errorf("timed out after %s: %w", e.timeout, err)
	case ctx.Err() != nil:
		xerr.Reason = ReasonTimeout
		xerr.Err = ctx.Err()
	case errors.As(err, &exitErr):
		xerr.Reason = ReasonExit
		xerr.ExitCode = exitErr.ExitCode()
	default:
		xerr.Reason = ReasonStart
	}
	e.logger.Warn("Extraction tool failed",
		zap.String("chunk", chunkPath), zap.String("reason", xerr.Reason), zap.String("output", xerr.Output), zap.Error(err))
	return xerr
}

func (e *Extractor) expand(s, chunkPath string) string {
	base := strings.TrimSuffix(filepath.Base(chunkPath), filepath.Ext(chunkPath))
	return strings.NewReplacer(
		"{input}", chunkPath,
		"{output_dir}", e.outputDir,
		"{base}", base,
	).Replace(s)
}

func truncate(out []byte) string {
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return strings.TrimSpace(string(out))
}
