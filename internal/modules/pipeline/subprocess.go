package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

// SubprocessRunner evaluates strategies by invoking an external
// backtest program. The strategy config is written to a temp JSON file
// whose path is appended to the argv; the program reports its outcome
// as the last JSON object on stdout.
type SubprocessRunner struct {
	argv []string
	log  zerolog.Logger
}

// subprocessResult is the envelope the external program prints
type subprocessResult struct {
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// NewSubprocessRunner creates a runner for the given command line
func NewSubprocessRunner(argv []string, log zerolog.Logger) (*SubprocessRunner, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("subprocess runner needs a command")
	}
	return &SubprocessRunner{
		argv: argv,
		log:  log.With().Str("component", "subprocess_runner").Logger(),
	}, nil
}

// Evaluate runs the external program for one strategy. The caller's
// context deadline bounds the run; on expiry the process is killed.
func (sr *SubprocessRunner) Evaluate(ctx context.Context, cfg paramspace.StrategyConfig) (Metrics, error) {
	configPath, err := sr.writeConfig(cfg)
	if err != nil {
		return Metrics{}, err
	}
	defer os.Remove(configPath)

	args := append(append([]string{}, sr.argv[1:]...), configPath)
	cmd := exec.CommandContext(ctx, sr.argv[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Metrics{}, fmt.Errorf("backtest %s timed out", cfg.StrategyID)
	}
	if runErr != nil {
		sr.log.Warn().
			Str("strategy_id", cfg.StrategyID).
			Str("stderr", truncate(stderr.String(), 500)).
			Err(runErr).
			Msg("Backtest process failed")
		return Metrics{}, fmt.Errorf("backtest process failed: %w", runErr)
	}

	result, err := parseLastJSON(stdout.String())
	if err != nil {
		return Metrics{}, fmt.Errorf("backtest %s produced no parseable result: %w", cfg.StrategyID, err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "unspecified backtest error"
		}
		return Metrics{}, fmt.Errorf("backtest %s reported failure: %s", cfg.StrategyID, msg)
	}

	return result.Metrics, nil
}

// writeConfig serializes the strategy to a temp JSON file
func (sr *SubprocessRunner) writeConfig(cfg paramspace.StrategyConfig) (string, error) {
	f, err := os.CreateTemp("", "strategy_*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create config file: %w", err)
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close config file: %w", err)
	}

	return f.Name(), nil
}

// parseLastJSON extracts the last JSON object printed on stdout. The
// program may log freely before it; the result may span multiple lines,
// so parsing walks line starts from the end until one decodes.
func parseLastJSON(output string) (*subprocessResult, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if !strings.HasPrefix(strings.TrimSpace(lines[i]), "{") {
			continue
		}
		candidate := strings.Join(lines[i:], "\n")
		var result subprocessResult
		if err := json.Unmarshal([]byte(candidate), &result); err == nil {
			return &result, nil
		}
	}
	return nil, fmt.Errorf("no JSON object found in output")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
