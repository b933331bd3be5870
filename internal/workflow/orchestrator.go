package workflow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Options selects what a workflow pass runs
type Options struct {
	Test          bool
	Clean         bool
	SkipHooks     bool
	Verbose       bool
	MaxIterations int
}

// Result is the structured outcome of one orchestrator invocation
type Result struct {
	Success  bool    `json:"success"`
	Output   string  `json:"output,omitempty"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration_seconds"`
}

// Orchestrator is the external collaborator that actually runs the quality
// workflow. The server treats each method as opaque; only the contract here
// is relied upon.
type Orchestrator interface {
	RunFastHooks(ctx context.Context, opts Options) (*Result, error)
	RunComprehensiveHooks(ctx context.Context, opts Options) (*Result, error)
	RunTests(ctx context.Context, opts Options) (*Result, error)
	RunCleaning(ctx context.Context, opts Options) (*Result, error)
	RunInit(ctx context.Context, opts Options) (*Result, error)
	RunCompleteWorkflow(ctx context.Context, opts Options) (bool, error)
}

// CLIOrchestrator shells out to the crackerjack command line. Subprocesses
// inherit the caller's context; on expiry the process is killed and a
// structured failure is returned.
type CLIOrchestrator struct {
	Command     string
	ProjectPath string
	Timeout     time.Duration
}

// NewCLIOrchestrator creates an orchestrator for a project directory
func NewCLIOrchestrator(projectPath string, timeout time.Duration) *CLIOrchestrator {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &CLIOrchestrator{
		Command:     "crackerjack",
		ProjectPath: projectPath,
		Timeout:     timeout,
	}
}

func (o *CLIOrchestrator) run(ctx context.Context, args []string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, o.Command, args...)
	cmd.Dir = o.ProjectPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Success:  err == nil,
		Output:   stdout.String(),
		Duration: time.Since(start).Seconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("command timed out after %v", o.Timeout)
		slog.Warn("Orchestrator command killed on timeout", "args", args, "timeout", o.Timeout)
		return result, nil
	}
	if err != nil {
		result.Error = stderr.String()
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	return result, nil
}

func (o *CLIOrchestrator) buildArgs(base []string, opts Options) []string {
	args := append([]string{}, base...)
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// RunFastHooks runs the fast hook stage
func (o *CLIOrchestrator) RunFastHooks(ctx context.Context, opts Options) (*Result, error) {
	return o.run(ctx, o.buildArgs([]string{"--fast"}, opts))
}

// RunComprehensiveHooks runs the comprehensive hook stage
func (o *CLIOrchestrator) RunComprehensiveHooks(ctx context.Context, opts Options) (*Result, error) {
	return o.run(ctx, o.buildArgs([]string{"--comp"}, opts))
}

// RunTests runs the test stage
func (o *CLIOrchestrator) RunTests(ctx context.Context, opts Options) (*Result, error) {
	return o.run(ctx, o.buildArgs([]string{"--test"}, opts))
}

// RunCleaning runs the code cleaning stage
func (o *CLIOrchestrator) RunCleaning(ctx context.Context, opts Options) (*Result, error) {
	return o.run(ctx, o.buildArgs([]string{"--clean"}, opts))
}

// RunInit initialises project configuration, skipping hooks
func (o *CLIOrchestrator) RunInit(ctx context.Context, opts Options) (*Result, error) {
	args := []string{"--init"}
	if opts.SkipHooks {
		args = append(args, "--skip-hooks")
	}
	return o.run(ctx, o.buildArgs(args, opts))
}

// RunCompleteWorkflow runs one full pass and reports overall success
func (o *CLIOrchestrator) RunCompleteWorkflow(ctx context.Context, opts Options) (bool, error) {
	var args []string
	if opts.Test {
		args = append(args, "--test")
	}
	if opts.Clean {
		args = append(args, "--clean")
	}
	if opts.SkipHooks {
		args = append(args, "--skip-hooks")
	}
	result, err := o.run(ctx, o.buildArgs(args, opts))
	if err != nil {
		return false, err
	}
	return result.Success, nil
}

// StageOptions builds the workflow options for a named stage
func StageOptions(stage string) (Options, error) {
	switch stage {
	case "fast", "comprehensive":
		return Options{}, nil
	case "tests":
		return Options{Test: true}, nil
	case "cleaning":
		return Options{Clean: true}, nil
	case "init":
		return Options{SkipHooks: true}, nil
	default:
		return Options{}, fmt.Errorf("invalid stage: %q", stage)
	}
}

// RunStage dispatches a named stage to the matching orchestrator method
func RunStage(ctx context.Context, o Orchestrator, stage string) (*Result, error) {
	opts, err := StageOptions(stage)
	if err != nil {
		return nil, err
	}
	switch stage {
	case "fast":
		return o.RunFastHooks(ctx, opts)
	case "comprehensive":
		return o.RunComprehensiveHooks(ctx, opts)
	case "tests":
		return o.RunTests(ctx, opts)
	case "cleaning":
		return o.RunCleaning(ctx, opts)
	case "init":
		return o.RunInit(ctx, opts)
	}
	return nil, fmt.Errorf("invalid stage: %q", stage)
}
