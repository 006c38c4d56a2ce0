package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/dork/dork/internal/common/logger"
)

// LaunchOptions configure one agent runtime invocation.
type LaunchOptions struct {
	PermissionMode string
	Cwd            string
	// ResumeSessionID resumes a prior runtime session when non-empty.
	ResumeSessionID string
}

// Process is a running agent runtime invocation. Stdin carries
// stream-json input; Stdout carries stream-json output.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	// StderrTail returns the most recent stderr output, for error
	// reporting after an unexpected exit.
	StderrTail() string
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process. Safe to call after exit.
	Kill() error
}

// Launcher spawns agent runtime processes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
}

// stderrTailLimit bounds the retained stderr output, in bytes.
const stderrTailLimit = 4 * 1024

// CLILauncher launches the Claude Code CLI in stream-json mode. One
// process serves one turn; the session's runtime state is carried
// across turns via --resume.
type CLILauncher struct {
	binary string
	log    *logger.Logger
}

// NewCLILauncher creates a launcher for the given binary. An empty
// binary falls back to "claude" on PATH.
func NewCLILauncher(binary string, log *logger.Logger) *CLILauncher {
	if binary == "" {
		binary = "claude"
	}
	if log == nil {
		log = logger.Default()
	}
	return &CLILauncher{
		binary: binary,
		log:    log.WithFields(zap.String("component", "session-launcher")),
	}
}

// Launch spawns the CLI with the stream-json protocol flags. The
// process is detached from ctx deliberately: turn shutdown kills it
// explicitly so stdin can be drained first.
func (l *CLILauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--include-partial-messages",
		"--verbose",
	}
	if opts.PermissionMode != "" && opts.PermissionMode != "default" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	cmd := exec.Command(l.binary, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = os.Environ()
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.binary, err)
	}
	l.log.Debug("agent runtime started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cwd", opts.Cwd),
		zap.Bool("resume", opts.ResumeSessionID != ""))

	p := &cliProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}
	go p.drainStderr(stderr)
	return p, nil
}

type cliProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	mu     sync.Mutex
	tail   []byte
	waited bool
	werr   error
}

func (p *cliProcess) Stdin() io.Writer  { return p.stdin }
func (p *cliProcess) Stdout() io.Reader { return p.stdout }

func (p *cliProcess) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.tail)
}

// drainStderr keeps the last few KB of stderr for exit diagnostics.
func (p *cliProcess) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.tail = append(p.tail, buf[:n]...)
			if len(p.tail) > stderrTailLimit {
				p.tail = p.tail[len(p.tail)-stderrTailLimit:]
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Wait is single-flight: concurrent callers observe the same result.
func (p *cliProcess) Wait() error {
	p.mu.Lock()
	if p.waited {
		err := p.werr
		p.mu.Unlock()
		return err
	}
	p.waited = true
	p.mu.Unlock()

	err := p.cmd.Wait()
	p.mu.Lock()
	p.werr = err
	p.mu.Unlock()
	return err
}

func (p *cliProcess) Kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if strings.Contains(err.Error(), "process already finished") {
			return nil
		}
		return p.cmd.Process.Kill()
	}
	return nil
}
