package results

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"syscall"
)

// maxLineBytes bounds a single output line. Anything longer is a tool
// misbehaving, not a record.
const maxLineBytes = 1 << 20

// Process is a started tool whose output is consumed as a line stream.
type Process interface {
	// Lines returns the stdout line stream. The channel closes when the
	// process exits or is killed.
	Lines() <-chan string

	// Wait blocks until the process exits and returns its exit error, nil
	// on a zero exit code.
	Wait() error
}

// ProcessRunner starts external tool commands. The orchestrator and tests
// inject fakes; production uses the shell runner below.
type ProcessRunner interface {
	Start(ctx context.Context, command, workDir string) (Process, error)
}

// execRunner runs commands through the shell so catalog templates can use
// pipes and redirection. The process gets its own group so a timeout kill
// takes helper children down with it.
type execRunner struct{}

// NewExecRunner returns the production ProcessRunner backed by os/exec.
func NewExecRunner() ProcessRunner { return execRunner{} }

func (execRunner) Start(ctx context.Context, command, workDir string) (Process, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	return &execProcess{cmd: cmd, lines: lines}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	lines chan string
}

func (p *execProcess) Lines() <-chan string { return p.lines }

func (p *execProcess) Wait() error { return p.cmd.Wait() }
