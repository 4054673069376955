package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectLines(s Stream) []string {
	var out []string
	for line := range s.Lines() {
		out = append(out, line)
	}
	return out
}

func TestLocalConn_StreamsOutput(t *testing.T) {
	stream, err := localConn{}.Start(context.Background(), "printf 'one\\ntwo\\n'; printf 'err\\n' >&2")
	require.NoError(t, err)

	lines := collectLines(stream)
	require.NoError(t, stream.Wait())
	assert.ElementsMatch(t, []string{"one", "two", "err"}, lines)
}

func TestLocalConn_NonZeroExit(t *testing.T) {
	stream, err := localConn{}.Start(context.Background(), "printf 'boom\\n'; exit 3")
	require.NoError(t, err)

	lines := collectLines(stream)
	err = stream.Wait()

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, []string{"boom"}, lines)
}

func TestLocalConn_WaitIsSticky(t *testing.T) {
	stream, err := localConn{}.Start(context.Background(), "exit 2")
	require.NoError(t, err)

	collectLines(stream)
	first := stream.Wait()
	second := stream.Wait()
	assert.Equal(t, first, second)
}

func TestLocalConn_ContextCancelEndsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The shell forks sleep; cancellation must reach it or the pipes
	// stay open and the stream never ends.
	stream, err := localConn{}.Start(ctx, "sleep 30")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		collectLines(stream)
		done <- stream.Wait()
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after context cancellation")
	}
}

func TestLocalConn_KillReportsErrKilled(t *testing.T) {
	stream, err := localConn{}.Start(context.Background(), "sleep 30")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		collectLines(stream)
		done <- stream.Wait()
	}()

	// Give the shell a moment to exec sleep.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stream.Kill())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrKilled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after Kill")
	}
}
