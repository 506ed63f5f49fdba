package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrMockTerminated is returned by MockProcess.Wait after Terminate
var ErrMockTerminated = errors.New("signal: terminated")

// StartCall records a MockRunner.Start call
type StartCall struct {
	Name string
	Args []string
}

// MockRunner implements Runner for testing
type MockRunner struct {
	mu         sync.Mutex
	nextPID    int
	startErr   error
	processes  []*MockProcess
	starts     []StartCall
	orphans    []int
	terminated []int
}

// NewMockRunner creates a MockRunner whose pids start at 1000
func NewMockRunner() *MockRunner {
	return &MockRunner{nextPID: 1000}
}

// FailStarts makes every following Start return err (nil to succeed again)
func (m *MockRunner) FailStarts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetOrphans sets extra pids FindPIDs reports besides the live mock processes
func (m *MockRunner) SetOrphans(pids ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans = append([]int(nil), pids...)
}

func (m *MockRunner) Start(name string, args ...string) (Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.starts = append(m.starts, StartCall{Name: name, Args: append([]string(nil), args...)})
	if m.startErr != nil {
		return nil, m.startErr
	}

	m.nextPID++
	proc := newMockProcess(m.nextPID)
	m.processes = append(m.processes, proc)
	return proc, nil
}

func (m *MockRunner) FindPIDs(pattern string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pids := append([]int(nil), m.orphans...)
	for _, proc := range m.processes {
		if proc.Alive() {
			pids = append(pids, proc.pid)
		}
	}
	return pids, nil
}

func (m *MockRunner) Terminate(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.terminated = append(m.terminated, pid)
	for i, orphan := range m.orphans {
		if orphan == pid {
			m.orphans = append(m.orphans[:i], m.orphans[i+1:]...)
			return nil
		}
	}
	for _, proc := range m.processes {
		if proc.pid == pid {
			return proc.Terminate()
		}
	}
	return fmt.Errorf("no such process: %d", pid)
}

// Starts returns every Start call so far
func (m *MockRunner) Starts() []StartCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StartCall(nil), m.starts...)
}

// Processes returns every process started so far
func (m *MockRunner) Processes() []*MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockProcess(nil), m.processes...)
}

// Last returns the most recently started process, or nil
func (m *MockRunner) Last() *MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.processes) == 0 {
		return nil
	}
	return m.processes[len(m.processes)-1]
}

// Terminated returns the pids passed to Terminate
func (m *MockRunner) Terminated() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.terminated...)
}

// LiveCount returns how many mock processes are still alive
func (m *MockRunner) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, proc := range m.processes {
		if proc.Alive() {
			n++
		}
	}
	return n
}

// MockProcess is a fake player process
type MockProcess struct {
	pid    int
	mu     sync.Mutex
	alive  bool
	exited chan struct{}
	err    error
}

func newMockProcess(pid int) *MockProcess {
	return &MockProcess{pid: pid, alive: true, exited: make(chan struct{})}
}

func (p *MockProcess) Pid() int {
	return p.pid
}

func (p *MockProcess) Terminate() error {
	p.exit(ErrMockTerminated)
	return nil
}

func (p *MockProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *MockProcess) Wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Crash simulates the process exiting on its own
func (p *MockProcess) Crash(err error) {
	p.exit(err)
}

// Vanish makes the liveness probe fail without the exit being reaped yet
func (p *MockProcess) Vanish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
}

func (p *MockProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isClosed(p.exited) {
		return
	}
	p.alive = false
	p.err = err
	close(p.exited)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// MockMixer implements Mixer for testing
type MockMixer struct {
	mu     sync.Mutex
	accept bool
	calls  []int
}

// NewMockMixer creates a mixer that reports accept for every call
func NewMockMixer(accept bool) *MockMixer {
	return &MockMixer{accept: accept}
}

func (m *MockMixer) SetVolume(ctx context.Context, percent int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, percent)
	return m.accept
}

// Calls returns every percent passed to SetVolume
func (m *MockMixer) Calls() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.calls...)
}
