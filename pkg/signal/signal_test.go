package signal

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalCoalesces(t *testing.T) {
	s := New()

	for i := 0; i < 100; i++ {
		s.Notify()
	}

	// Exactly one token is pending.
	select {
	case <-s.Wait():
	default:
		t.Fatal("expected a pending token")
	}
	select {
	case <-s.Wait():
		t.Fatal("expected the tokens to collapse into one")
	default:
	}
}

func TestSignalNotifyAfterDrain(t *testing.T) {
	s := New()

	s.Notify()
	<-s.Wait()

	s.Notify()
	select {
	case <-s.Wait():
	case <-time.After(time.Second):
		t.Fatal("expected a fresh token after drain")
	}
}

func TestListenerForwardsSchedulerMessages(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "controller.sock")
	scheduler := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewListener(socketPath, scheduler)
	go listener.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	encoder := json.NewEncoder(conn)
	require.NoError(t, encoder.Encode(Message{Destination: "nowhere"}))
	require.NoError(t, encoder.Encode(Message{Destination: DestinationScheduler}))

	select {
	case <-scheduler.Wait():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the scheduler signal to fire")
	}
}
