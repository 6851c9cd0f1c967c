// Package toolkit runs the external programs the converters depend on and
// reports their outcome as a single evaluated Result.
package toolkit

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrExternalTool matches every *Error returned by this package
var ErrExternalTool = errors.New("external tool failure")

// Result is the outcome of one subprocess invocation
type Result struct {
	// Args is the full command line, program first
	Args []string

	// ExitCode is the process exit status, -1 if it never ran
	ExitCode int

	// Stdout and Stderr hold captured output
	Stdout, Stderr []byte

	// Output is the file the command declared it would produce, if any
	Output string

	// OutputExists reports whether Output was present after the run
	OutputExists bool

	// StartErr is set when the process could not be started
	StartErr error
}

// Err folds exit status, start failure and the declared output into one
// verdict. It returns nil only when the process ran, exited 0 and produced
// its output file.
func (r *Result) Err() error {
	if r.StartErr == nil && r.ExitCode == 0 && (r.Output == "" || r.OutputExists) {
		return nil
	}
	return &Error{
		Command:  strings.Join(r.Args, " "),
		ExitCode: r.ExitCode,
		Stderr:   string(bytes.TrimSpace(r.Stderr)),
		Output:   r.Output,
		Missing:  r.Output != "" && !r.OutputExists,
		cause:    r.StartErr,
	}
}

// Error describes a failed subprocess. Stderr carries the captured output
// for diagnosis.
type Error struct {
	Command  string
	ExitCode int
	Stderr   string
	Output   string
	Missing  bool
	cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q", e.Command)
	switch {
	case e.cause != nil:
		fmt.Fprintf(&b, " could not start: %v", e.cause)
	case e.ExitCode != 0:
		fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
	case e.Missing:
		fmt.Fprintf(&b, " did not produce %s", e.Output)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is(err, ErrExternalTool) true for every *Error
func (e *Error) Is(target error) bool { return target == ErrExternalTool }

// Evaluate builds a Result from a command that has finished running.
// runErr is the error returned by cmd.Run.
func Evaluate(cmd *exec.Cmd, runErr error, output string) *Result {
	res := &Result{Args: cmd.Args, Output: output}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.ExitCode = cmd.ProcessState.ExitCode()
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.StartErr = runErr
	}

	if output != "" {
		_, err := os.Stat(output)
		res.OutputExists = err == nil
	}
	return res
}

// Runner executes a program and blocks until it exits
type Runner interface {
	Run(program string, args []string, output string) *Result
}

// ExecRunner runs programs with os/exec
type ExecRunner struct {
	Log logrus.FieldLogger
}

// Run executes program with args, capturing stdout and stderr
func (r *ExecRunner) Run(program string, args []string, output string) *Result {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(program, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := Evaluate(cmd, cmd.Run(), output)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	if r.Log != nil {
		entry := r.Log.WithFields(logrus.Fields{
			"command": strings.Join(res.Args, " "),
			"exit":    res.ExitCode,
		})
		if len(res.Stdout) > 0 {
			entry = entry.WithField("stdout", string(bytes.TrimSpace(res.Stdout)))
		}
		if len(res.Stderr) > 0 {
			entry = entry.WithField("stderr", string(bytes.TrimSpace(res.Stderr)))
		}
		entry.Info("external command finished")
	}
	return res
}
