// Package executor runs job scripts as shell or container processes.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mattn/go-isatty"
)

// Kind is the executor family of a command.
type Kind string

const (
	Shell     Kind = "shell"
	Container Kind = "container"
)

// Command is one external process invocation.
type Command struct {
	Args        []string
	Dir         string
	Env         []string
	Kind        Kind
	Interactive bool
}

// Process starts external commands. Output lines are delivered in order
// through out. The returned error is set only when no exit status exists,
// e.g. the executable is missing or ctx ended.
type Process interface {
	Execute(ctx context.Context, cmd Command, out func(line string)) (int, error)
}

// OSProcess runs commands through os/exec.
type OSProcess struct {
	// KillGrace is how long a cancelled process gets before its pipes are closed.
	KillGrace time.Duration
}

func NewOSProcess() *OSProcess {
	return &OSProcess{KillGrace: 5 * time.Second}
}

// ErrNoTerminal is returned for interactive commands without a terminal.
var ErrNoTerminal = errors.New("interactive job requires a terminal on stdin")

func (p *OSProcess) Execute(ctx context.Context, c Command, out func(line string)) (int, error) {
	if len(c.Args) == 0 {
		return -1, errors.New("empty command")
	}
	if _, err := exec.LookPath(c.Args[0]); err != nil {
		return -1, err
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.WaitDelay = p.KillGrace
	configureProcessGroup(cmd)

	if c.Interactive {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return -1, ErrNoTerminal
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
		return exitStatus(ctx, cmd.Run())
	}

	// stdout and stderr share one pipe so lines keep their write order
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return -1, err
	}

	scanned := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			if out != nil {
				out(sc.Text())
			}
		}
		// drain so the writer never blocks after a scan error
		_, _ = io.Copy(io.Discard, pr)
		scanned <- sc.Err()
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-scanned
	return exitStatus(ctx, waitErr)
}

func exitStatus(ctx context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("run process: %w", err)
}
