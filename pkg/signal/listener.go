package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/curious-containers/agency/pkg/log"
)

// DestinationScheduler is the only message destination the controller acts
// on; anything else is ignored.
const DestinationScheduler = "scheduler"

// Message is the one-way wake-up sent by the broker (or other internal
// producers) to the controller socket.
type Message struct {
	Destination string `json:"destination"`
}

// Listener receives broker wake-ups on a filesystem socket and forwards them
// to the scheduler signal.
type Listener struct {
	socketPath string
	scheduler  *Signal
}

// NewListener creates a listener bound when Run is called.
func NewListener(socketPath string, scheduler *Signal) *Listener {
	return &Listener{socketPath: socketPath, scheduler: scheduler}
}

// Run binds the socket (file mode 0700) and forwards messages until the
// context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := os.Remove(l.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", l.socketPath, err)
	}

	listener, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("bind controller socket %s: %w", l.socketPath, err)
	}
	if err := os.Chmod(l.socketPath, 0700); err != nil {
		listener.Close()
		return fmt.Errorf("chmod controller socket %s: %w", l.socketPath, err)
	}

	logger := log.WithComponent("signal")
	logger.Info().Str("socket", l.socketPath).Msg("controller signal socket listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on controller socket: %w", err)
		}
		go l.serveConn(conn, logger)
	}
}

func (l *Listener) serveConn(conn net.Conn, logger zerolog.Logger) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("malformed signal message")
			}
			return
		}
		if msg.Destination != DestinationScheduler {
			logger.Debug().Str("destination", msg.Destination).Msg("ignoring signal")
			continue
		}
		l.scheduler.Notify()
	}
}
