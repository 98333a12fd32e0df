// Package tcpserver is a small accept loop that hands every connection to a
// session and tracks live sessions by id.
package tcpserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/rtstream/idgenerator"
	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/safemap"
)

// NewSessionFunc creates the session for an accepted connection. It receives
// the id assigned by the server.
type NewSessionFunc func(id int32, conn net.Conn) TCPServerSession

// TCPServer accepts connections on Addr and delegates each to a session created
// by NewSession.
type TCPServer struct {
	Logger      logger.Logger
	Name        string
	Addr        string
	NewSession  NewSessionFunc
	IdGenerator *idgenerator.IdGenerator

	listener net.Listener
	sessions *safemap.SafeMap[int32, TCPServerSession]
	running  atomic.Bool
	wg       sync.WaitGroup
}

// New creates a server; Start must be called to begin accepting.
//
// Parameters:
//   - name: Label used in log entries and errors
//   - addr: TCP address to listen on; port 0 picks a free port
//   - log: Logger for server events; nil discards them
//   - newSession: Factory called for every accepted connection
//
// Returns:
//   - A stopped *TCPServer
func New(name, addr string, log logger.Logger, newSession NewSessionFunc) *TCPServer {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &TCPServer{
		Logger:      log.With(logger.F("server", name)),
		Name:        name,
		Addr:        addr,
		NewSession:  newSession,
		IdGenerator: idgenerator.NewIdGenerator(0),
		sessions:    safemap.NewSafeMap[int32, TCPServerSession](),
	}
}

// Start binds Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - An error if the server is already running or Addr cannot be bound
func (s *TCPServer) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Err(err))
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	s.listener = ln
	s.running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.F("addr", ln.Addr().String()))
	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// ListenAddr returns the bound address, which differs from Addr when Addr
// used port 0. It is empty before Start.
func (s *TCPServer) ListenAddr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop closes the listener and every live session, then waits for the accept
// loop and session handlers to return.
func (s *TCPServer) Stop() {
	if !s.running.Swap(false) {
		return
	}

	_ = s.listener.Close()

	s.sessions.Range(func(_ int32, session TCPServerSession) bool {
		_ = session.Close()
		return true
	})

	s.wg.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// Session returns the live session with the given id.
//
// Parameters:
//   - id: Session id assigned at accept time
//
// Returns:
//   - The session and true, or nil and false if it has ended
func (s *TCPServer) Session(id int32) (TCPServerSession, bool) {
	return s.sessions.Load(id)
}

// SessionCount returns the number of live sessions.
func (s *TCPServer) SessionCount() int {
	return s.sessions.Len()
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Err(err))
			continue
		}

		id := s.IdGenerator.Id()
		session := s.NewSession(id, conn)
		s.sessions.Store(id, session)
		if !s.running.Load() {
			// Stop may have swept the sessions before this one was stored.
			_ = session.Close()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sessions.Delete(id)
			session.Handle()
		}()
	}
}
