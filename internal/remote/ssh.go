package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/raphaelgruber/fleetjobs/internal/config"
	"golang.org/x/crypto/ssh"
)

// Fleet is the SSH-backed Executor. It keeps one ssh.Client per host and
// multiplexes command sessions over it. Hosts marked local in the
// inventory are driven through the local shell instead.
type Fleet struct {
	inventory   *config.Inventory
	dialTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewFleet creates an Executor backed by the given host inventory.
func NewFleet(inv *config.Inventory, dialTimeout time.Duration, logger *slog.Logger) *Fleet {
	return &Fleet{
		inventory:   inv,
		dialTimeout: dialTimeout,
		logger:      logger,
		clients:     make(map[string]*ssh.Client),
	}
}

// Dial returns a connection to the named host, reusing a pooled SSH
// client when one is already open.
func (f *Fleet) Dial(ctx context.Context, host string) (Conn, error) {
	entry, ok := f.inventory.Lookup(host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostUnknown, host)
	}

	if entry.Local {
		return localConn{}, nil
	}

	client, err := f.client(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &sshConn{fleet: f, host: host, client: client}, nil
}

// Close shuts down all pooled SSH clients.
func (f *Fleet) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result *multierror.Error
	for host, client := range f.clients {
		if err := client.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", host, err))
		}
		delete(f.clients, host)
	}
	return result.ErrorOrNil()
}

func (f *Fleet) client(ctx context.Context, entry config.Host) (*ssh.Client, error) {
	f.mu.Lock()
	if client, ok := f.clients[entry.Name]; ok {
		f.mu.Unlock()
		return client, nil
	}
	f.mu.Unlock()

	client, err := f.connect(ctx, entry)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// Another Dial may have connected concurrently; keep the first.
	if existing, ok := f.clients[entry.Name]; ok {
		client.Close()
		return existing, nil
	}
	f.clients[entry.Name] = client
	return client, nil
}

func (f *Fleet) connect(ctx context.Context, entry config.Host) (*ssh.Client, error) {
	key, err := os.ReadFile(entry.Key)
	if err != nil {
		return nil, fmt.Errorf("read key for %s: %w", entry.Name, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse key for %s: %w", entry.Name, err)
	}

	cfg := &ssh.ClientConfig{
		User: entry.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Fleet hosts are provisioned by us; host keys rotate with
		// reimaging too often to pin.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         f.dialTimeout,
	}

	dialer := net.Dialer{Timeout: f.dialTimeout}
	tcp, err := dialer.DialContext(ctx, "tcp", entry.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", entry.Name, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcp, entry.Addr, cfg)
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("handshake %s: %w", entry.Name, err)
	}

	f.logger.Debug("ssh connection established", "host", entry.Name, "addr", entry.Addr)
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// drop removes a pooled client after a session-open failure so the next
// Dial reconnects.
func (f *Fleet) drop(host string, client *ssh.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients[host] == client {
		delete(f.clients, host)
		client.Close()
	}
}

type sshConn struct {
	fleet  *Fleet
	host   string
	client *ssh.Client
}

func (c *sshConn) Start(ctx context.Context, command string) (Stream, error) {
	session, err := c.client.NewSession()
	if err != nil {
		// The pooled transport may have died underneath us; drop it so
		// later dials reconnect.
		c.fleet.drop(c.host, c.client)
		return nil, fmt.Errorf("open session on %s: %w", c.host, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("start on %s: %w", c.host, err)
	}

	s := &sshStream{
		session: session,
		lines:   make(chan string, 64),
	}
	s.pump(stdout, stderr)

	// Abort the remote process if the caller's context ends first.
	stop := make(chan struct{})
	s.stopWatch = func() { close(stop) }
	go func() {
		select {
		case <-ctx.Done():
			s.Kill()
		case <-stop:
		}
	}()

	return s, nil
}

func (c *sshConn) Close() error {
	// The transport is pooled and owned by the Fleet.
	return nil
}

type sshStream struct {
	session   *ssh.Session
	lines     chan string
	stopWatch func()

	killOnce sync.Once
	// killed is set by the ctx watcher goroutine and read by the owner
	// calling Wait.
	killed atomic.Bool

	waitOnce sync.Once
	waitErr  error
}

// pump merges stdout and stderr into the lines channel and closes it
// when both pipes reach EOF.
func (s *sshStream) pump(stdout, stderr io.Reader) {
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

func (s *sshStream) Lines() <-chan string {
	return s.lines
}

func (s *sshStream) Wait() error {
	s.waitOnce.Do(func() {
		err := s.session.Wait()
		s.stopWatch()
		s.session.Close()

		if s.killed.Load() {
			s.waitErr = ErrKilled
			return
		}
		if err == nil {
			return
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			s.waitErr = &ExitError{Code: exitErr.ExitStatus()}
			return
		}
		s.waitErr = fmt.Errorf("session wait: %w", err)
	})
	return s.waitErr
}

func (s *sshStream) Kill() error {
	var err error
	s.killOnce.Do(func() {
		s.killed.Store(true)
		// Signal is best effort: many sshds ignore it, so also tear the
		// session down to unblock the pumps.
		_ = s.session.Signal(ssh.SIGTERM)
		err = s.session.Close()
	})
	return err
}
