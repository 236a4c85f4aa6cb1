// Package agents implements the Runner adapters for the supported agent
// CLIs (Claude Code, Codex, Gemini). Each adapter spawns the CLI as a
// subprocess and normalizes its native stdout stream into runner.Event
// values.
package agents

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// maxScanTokenSize bounds a single stream line. Tool results can carry whole
// files, so this is generous.
const maxScanTokenSize = 10 * 1024 * 1024

// stopGracePeriod is how long a process gets between SIGINT and SIGKILL.
const stopGracePeriod = 5 * time.Second

// cliProcess wraps one agent CLI subprocess with line-oriented stdout.
type cliProcess struct {
	logger *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
}

func newCLIProcess(log *logger.Logger) *cliProcess {
	return &cliProcess{logger: log}
}

// start launches the command, calls onStart once the process is up (used to
// deliver the initial prompt), and invokes onLine for each stdout line until
// the stream ends. It returns the process exit error, nil on clean exit.
func (p *cliProcess) start(ctx context.Context, name string, args []string, workDir string, env []string, onStart func(), onLine func(line []byte)) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("process already running")
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	// Keep stderr for spawn diagnostics without mixing it into the stream.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to spawn %s: %w", name, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.running = true
	p.mu.Unlock()

	go p.drainStderr(stderr)

	if onStart != nil {
		onStart()
	}

	// Honor context cancellation by interrupting the process.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.interrupt()
		case <-watchDone:
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		onLine(line)
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	close(watchDone)

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	if scanErr != nil {
		return fmt.Errorf("stream read failed: %w", scanErr)
	}
	return waitErr
}

func (p *cliProcess) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		p.logger.Debug("runner stderr", zap.String("line", scanner.Text()))
	}
}

// writeLine writes one line to the process stdin.
func (p *cliProcess) writeLine(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.stdin == nil {
		return fmt.Errorf("process not running")
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to runner stdin: %w", err)
	}
	return nil
}

// closeStdin signals end of input; stream-json CLIs exit after finishing the
// current turn.
func (p *cliProcess) closeStdin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
}

// interrupt asks the process to stop, escalating to SIGKILL after the grace
// period.
func (p *cliProcess) interrupt() {
	p.mu.Lock()
	cmd := p.cmd
	running := p.running
	p.mu.Unlock()
	if !running || cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGINT)

	go func() {
		time.Sleep(stopGracePeriod)
		p.mu.Lock()
		stillRunning := p.running
		p.mu.Unlock()
		if stillRunning && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()
}

// isRunning reports whether the subprocess is alive.
func (p *cliProcess) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
