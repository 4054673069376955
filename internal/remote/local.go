package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// localConn runs commands through the local shell for inventory hosts
// marked local. Same Stream contract as the SSH path.
type localConn struct{}

func (localConn) Start(ctx context.Context, command string) (Stream, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	// The shell forks the real work. Put the whole tree in its own
	// process group so Kill reaches the grandchildren too; killing only
	// the shell would leave them holding the pipe write ends open and
	// the scanners would never see EOF.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start local command: %w", err)
	}

	s := &localStream{
		cmd:   cmd,
		lines: make(chan string, 64),
	}
	s.pump(stdout, stderr)
	return s, nil
}

func (localConn) Close() error {
	return nil
}

type localStream struct {
	cmd   *exec.Cmd
	lines chan string

	killOnce sync.Once
	// killed may be set from another goroutine than the one in Wait.
	killed atomic.Bool

	waitOnce sync.Once
	waitErr  error
}

func (s *localStream) pump(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	for _, r := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				s.lines <- scanner.Text()
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(s.lines)
	}()
}

func (s *localStream) Lines() <-chan string {
	return s.lines
}

func (s *localStream) Wait() error {
	s.waitOnce.Do(func() {
		err := s.cmd.Wait()
		if s.killed.Load() {
			s.waitErr = ErrKilled
			return
		}
		if err == nil {
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			s.waitErr = &ExitError{Code: exitErr.ExitCode()}
			return
		}
		s.waitErr = fmt.Errorf("wait local command: %w", err)
	})
	return s.waitErr
}

func (s *localStream) Kill() error {
	var err error
	s.killOnce.Do(func() {
		s.killed.Store(true)
		if s.cmd.Process != nil {
			// Negative pid targets the whole process group.
			err = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		}
	})
	return err
}
