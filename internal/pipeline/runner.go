package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Phase names one of the packaging script's lifecycle functions.
type Phase string

const (
	PhasePrepare     Phase = "prepare"
	PhaseBuild       Phase = "build"
	PhaseInstall     Phase = "do_install"
	PhasePostInstall Phase = "postinst"
)

// PhaseRun describes one phase invocation.
type PhaseRun struct {
	// Descriptor is the path of the PACKAGE file defining the phase
	// functions.
	Descriptor string
	Phase      Phase
	// Dir is the working directory the phase runs in. The process never
	// changes its own directory.
	Dir string
	// LogPath receives the combined output, appended.
	LogPath string
	// Interactive connects the phase to the terminal as well as the log,
	// for packages that prompt during their scripts.
	Interactive bool
}

// Runner executes packaging script phases. Implementations decide how
// the phase functions are located and invoked.
type Runner interface {
	// Run executes one phase. ran is false when the descriptor does not
	// declare the phase function, which is not an error.
	Run(ctx context.Context, r PhaseRun) (ran bool, err error)
}

// passthroughEnv is the environment a phase sees, copied from the parent
// process. Everything else is withheld.
var passthroughEnv = []string{"PATH", "HOME", "TERM", "NPROC", "MAKEFLAGS", "TESTSUITEFLAGS"}

// BashRunner runs phases by sourcing the descriptor in bash and calling
// the phase function.
type BashRunner struct {
	shell string
}

// NewBashRunner returns the default phase runner.
func NewBashRunner() *BashRunner {
	return &BashRunner{shell: "bash"}
}

func (b *BashRunner) env() []string {
	env := make([]string, 0, len(passthroughEnv))
	for _, key := range passthroughEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// declared reports whether the descriptor defines the phase function.
func (b *BashRunner) declared(ctx context.Context, descriptorPath string, phase Phase) (bool, error) {
	script := fmt.Sprintf(`source %s >/dev/null 2>&1; declare -F %s >/dev/null`, shellQuote(descriptorPath), phase)
	cmd := exec.CommandContext(ctx, b.shell, "-c", script)
	cmd.Env = b.env()
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("probing %s in %s: %w", phase, descriptorPath, err)
	}
	return true, nil
}

func (b *BashRunner) Run(ctx context.Context, r PhaseRun) (bool, error) {
	ok, err := b.declared(ctx, r.Descriptor, r.Phase)
	if err != nil || !ok {
		return false, err
	}

	logFile, err := os.OpenFile(r.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", r.LogPath, err)
	}
	defer func() { _ = logFile.Close() }()

	script := fmt.Sprintf(`source %s >/dev/null 2>&1; %s`, shellQuote(r.Descriptor), r.Phase)
	cmd := exec.CommandContext(ctx, b.shell, "-c", script)
	cmd.Dir = r.Dir
	cmd.Env = b.env()

	if r.Interactive {
		cmd.Stdin = os.Stdin
		cmd.Stdout = io.MultiWriter(logFile, os.Stdout)
		cmd.Stderr = io.MultiWriter(logFile, os.Stderr)
	} else {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Run(); err != nil {
		return true, fmt.Errorf("%s failed: %w", r.Phase, err)
	}
	return true, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
