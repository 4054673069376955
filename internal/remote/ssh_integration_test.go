//go:build integration
// +build integration

// Package remote integration tests run commands against a real sshd in
// a container. Run with: go test -tags integration ./internal/remote/
package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/fleetjobs/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/ssh"
)

var testFleet *Fleet
var testContainer testcontainers.Container

// TestMain sets up and tears down the sshd container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate key pair: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		log.Fatalf("Failed to convert public key: %v", err)
	}
	privPEM, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		log.Fatalf("Failed to marshal private key: %v", err)
	}

	keyDir, err := os.MkdirTemp("", "fleetjobs-ssh")
	if err != nil {
		log.Fatalf("Failed to create key dir: %v", err)
	}
	defer os.RemoveAll(keyDir)
	keyFile := filepath.Join(keyDir, "id_ed25519")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(privPEM), 0o600); err != nil {
		log.Fatalf("Failed to write private key: %v", err)
	}

	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "lscr.io/linuxserver/openssh-server:latest",
			ExposedPorts: []string{"2222/tcp"},
			Env: map[string]string{
				"USER_NAME":  "ops",
				"PUBLIC_KEY": string(ssh.MarshalAuthorizedKey(sshPub)),
			},
			WaitingFor: wait.ForListeningPort("2222/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start sshd container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "2222")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	inv, err := config.ParseInventory(fmt.Appendf(nil,
		"hosts:\n  - name: gpu-01\n    addr: %s:%s\n    user: ops\n    key: %s\n",
		host, mappedPort.Port(), keyFile))
	if err != nil {
		log.Fatalf("Failed to build inventory: %v", err)
	}

	testFleet = NewFleet(inv, 10*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	code := m.Run()

	testFleet.Close()
	if err := testContainer.Terminate(ctx); err != nil {
		log.Printf("Failed to terminate container: %v", err)
	}
	os.Exit(code)
}

func TestFleet_RunCommand(t *testing.T) {
	ctx := context.Background()

	conn, err := testFleet.Dial(ctx, "gpu-01")
	require.NoError(t, err)
	defer conn.Close()

	stream, err := conn.Start(ctx, "printf 'hello\\nworld\\n'")
	require.NoError(t, err)

	lines := collectLines(stream)
	require.NoError(t, stream.Wait())
	assert.Equal(t, []string{"hello", "world"}, lines)
}

func TestFleet_StderrIsMerged(t *testing.T) {
	ctx := context.Background()

	conn, err := testFleet.Dial(ctx, "gpu-01")
	require.NoError(t, err)
	defer conn.Close()

	stream, err := conn.Start(ctx, "printf 'out\\n'; printf 'err\\n' >&2")
	require.NoError(t, err)

	lines := collectLines(stream)
	require.NoError(t, stream.Wait())
	assert.ElementsMatch(t, []string{"out", "err"}, lines)
}

func TestFleet_NonZeroExit(t *testing.T) {
	ctx := context.Background()

	conn, err := testFleet.Dial(ctx, "gpu-01")
	require.NoError(t, err)
	defer conn.Close()

	stream, err := conn.Start(ctx, "exit 7")
	require.NoError(t, err)
	collectLines(stream)

	var exitErr *ExitError
	require.ErrorAs(t, stream.Wait(), &exitErr)
	assert.Equal(t, 7, exitErr.Code)
}

func TestFleet_ContextCancelKillsCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := testFleet.Dial(ctx, "gpu-01")
	require.NoError(t, err)
	defer conn.Close()

	stream, err := conn.Start(ctx, "sleep 60")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		collectLines(stream)
		done <- stream.Wait()
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrKilled), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("command did not end after context cancellation")
	}
}

func TestFleet_ReusesPooledClient(t *testing.T) {
	ctx := context.Background()

	first, err := testFleet.Dial(ctx, "gpu-01")
	require.NoError(t, err)
	second, err := testFleet.Dial(ctx, "gpu-01")
	require.NoError(t, err)
	defer first.Close()
	defer second.Close()

	testFleet.mu.Lock()
	pooled := len(testFleet.clients)
	testFleet.mu.Unlock()
	assert.Equal(t, 1, pooled)
}

func TestFleet_UnknownHost(t *testing.T) {
	_, err := testFleet.Dial(context.Background(), "gpu-99")
	assert.ErrorIs(t, err, ErrHostUnknown)
}
