// Package cmdrun invokes external command-line capabilities (tpm2-tools,
// openssl) and turns their exit status and error stream into Go errors.
package cmdrun

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
)

// Runner runs a program to completion and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError describes a capability that could not be started or exited
// with a nonzero status.
type ExitError struct {
	Name     string
	Args     []string
	ExitCode int // -1 when the process never ran
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Name, e.ExitCode)
	if e.ExitCode < 0 && e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

const pipeWaitDelay = 2 * time.Second

// ExecRunner runs programs with os/exec. Cancelling ctx kills the process.
type ExecRunner struct {
	// Env, when set, replaces the inherited environment.
	Env []string
}

var _ Runner = ExecRunner{}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	// Grandchildren holding the output pipes must not stall a cancelled call.
	cmd.WaitDelay = pipeWaitDelay

	// Preallocated so small secrets on stdout are not copied by buffer growth.
	stdout := bytes.NewBuffer(make([]byte, 0, 4096))
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		memguard.WipeBytes(stdout.Bytes())
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrap(ctxErr, err.Error())
		}
		return nil, &ExitError{
			Name:     name,
			Args:     append([]string(nil), args...),
			ExitCode: code,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.Bytes(), nil
}

// Diagnostic returns the text a failed capability reported on its error
// stream, or the error text itself when there is none.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if s := strings.TrimSpace(exitErr.Stderr); s != "" {
			return s
		}
		if exitErr.Err != nil {
			return exitErr.Err.Error()
		}
	}
	return err.Error()
}
