package trustee

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

// Server holds the secret mapping and serves the request/reply protocol on a
// unix socket. Secrets live in memory only; a restart loses them all and any
// batch still holding a handle fails permanently on its next collect.
type Server struct {
	socketPath string
	secrets    map[string]any
	requests   chan serverRequest
}

type serverRequest struct {
	req   Request
	reply chan Response
}

// NewServer creates a trustee server bound to socketPath when Run is called.
func NewServer(socketPath string) *Server {
	return &Server{
		socketPath: socketPath,
		secrets:    make(map[string]any),
		requests:   make(chan serverRequest),
	}
}

// Run binds the socket and serves until the context is cancelled. The socket
// file is created with mode 0700.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind trustee socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0700); err != nil {
		listener.Close()
		return fmt.Errorf("chmod trustee socket %s: %w", s.socketPath, err)
	}

	logger := log.WithComponent("trustee")
	logger.Info().Str("socket", s.socketPath).Msg("trustee listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	// Single reply loop: connections feed requests into one channel and the
	// loop below answers them one at a time.
	go s.replyLoop(ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept on trustee socket: %w", err)
		}
		go s.serveConn(ctx, conn, logger)
	}
}

func (s *Server) replyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sr := <-s.requests:
			sr.reply <- s.handle(sr.req)
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, logger zerolog.Logger) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		reply := make(chan Response, 1)
		select {
		case s.requests <- serverRequest{req: req, reply: reply}:
		case <-ctx.Done():
			return
		}

		var resp Response
		select {
		case resp = <-reply:
		case <-ctx.Done():
			return
		}

		if err := encoder.Encode(&resp); err != nil {
			return
		}
	}
}

// handle processes one request against the vault.
func (s *Server) handle(req Request) Response {
	switch req.Action {
	case ActionStore:
		for key := range req.Secrets {
			if _, exists := s.secrets[key]; exists {
				return Response{
					State:     StateFailed,
					DebugInfo: fmt.Sprintf("key %s exists", key),
				}
			}
		}
		for key, val := range req.Secrets {
			s.secrets[key] = val
		}
		return Response{State: StateSuccess}

	case ActionDelete:
		// Unknown keys are silently ignored.
		for _, key := range req.Keys {
			delete(s.secrets, key)
		}
		return Response{State: StateSuccess}

	case ActionCollect:
		collected := make(map[string]any, len(req.Keys))
		for _, key := range req.Keys {
			val, ok := s.secrets[key]
			if !ok {
				return Response{
					State:        StateFailed,
					DebugInfo:    fmt.Sprintf("could not collect secret with key %s", key),
					DisableRetry: true,
				}
			}
			collected[key] = val
		}
		return Response{State: StateSuccess, Collected: collected}

	case ActionInspect:
		return Response{State: StateSuccess}

	default:
		return Response{
			State:     StateFailed,
			DebugInfo: fmt.Sprintf("unknown action %q", req.Action),
		}
	}
}
