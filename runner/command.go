package runner

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/nightwatchci/nightwatch/errors"
)

// tailBuffer keeps the last max bytes written to it. Step output can be
// arbitrarily large; only the tail is stored with the step result.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		return "...(truncated)\n" + string(b.buf)
	}
	return string(b.buf)
}

// stepOutcome captures the result of one command execution.
type stepOutcome struct {
	ExitCode int
	Duration time.Duration
	LogTail  string
	TimedOut bool
}

// runCommand parses the shell-quoted command line and executes it in dir
// with the given environment and timeout.
//
// A non-zero exit is NOT an error; it is a result, reported via ExitCode.
// Errors mean the command could not be run at all (bad quoting, missing
// binary) or that the context was cancelled.
func runCommand(ctx context.Context, command, dir string, env []string, timeout time.Duration, tailBytes int) (*stepOutcome, error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse command %q", command)
	}
	if len(words) == 0 {
		return nil, errors.Newf("empty command")
	}

	stepCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tail := newTailBuffer(tailBytes)

	cmd := exec.CommandContext(stepCtx, words[0], words[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = tail
	cmd.Stderr = tail

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	outcome := &stepOutcome{
		Duration: duration,
		LogTail:  tail.String(),
	}

	// Step timeout: the step context expired but the job context is alive.
	if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		outcome.TimedOut = true
		outcome.ExitCode = -1
		return outcome, nil
	}

	// Job cancellation (shutdown or supersession) propagates as an error.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			outcome.ExitCode = exitErr.ExitCode()
			return outcome, nil
		}
		return nil, errors.Wrapf(runErr, "failed to run command %q", command)
	}

	outcome.ExitCode = 0
	return outcome, nil
}

// buildEnv merges environment layers: process env, then daemon-level env,
// then pipeline env, then step env. Later layers win.
func buildEnv(layers ...map[string]string) []string {
	env := os.Environ()
	for _, layer := range layers {
		for k, v := range layer {
			env = append(env, k+"="+v)
		}
	}
	return env
}
