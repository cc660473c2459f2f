package codexapp

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

const killGrace = time.Second

// process wraps the persistent app-server subprocess.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}
}

func spawnProcess(binary string, args ...string) (*process, error) {
	cmd := exec.Command(binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("app-server stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("app-server stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start app-server: %w", err)
	}

	p := &process{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Stop asks the subprocess to exit, escalating SIGTERM to SIGKILL after a
// one second grace period.
func (p *process) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	p.stdin.Close()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil
	}
	select {
	case <-p.done:
	case <-time.After(killGrace):
		p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}
