package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Process is a running player process
type Process interface {
	Pid() int
	// Terminate asks the process to exit (SIGTERM)
	Terminate() error
	// Alive probes the process with signal 0
	Alive() bool
	// Wait blocks until the process exits and has been reaped
	Wait() error
}

// Runner is the OS process layer used by the Supervisor
type Runner interface {
	Start(name string, args ...string) (Process, error)
	// FindPIDs returns the pids of processes whose command line matches pattern
	FindPIDs(pattern string) ([]int, error)
	// Terminate sends SIGTERM to an arbitrary pid
	Terminate(pid int) error
}

// ExecRunner implements Runner with os/exec, pgrep and kill(2)
type ExecRunner struct{}

// NewExecRunner creates a Runner backed by real processes
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (r *ExecRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (r *ExecRunner) FindPIDs(pattern string) ([]int, error) {
	out, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep %s: %w", pattern, err)
	}
	return parsePIDs(out), nil
}

func (r *ExecRunner) Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Alive() bool {
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func parsePIDs(out []byte) []int {
	var pids []int
	for _, line := range strings.Split(string(bytes.TrimSpace(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
