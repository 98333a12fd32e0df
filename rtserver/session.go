package rtserver

import (
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/logger"
)

// session serves one data client.
type session struct {
	id     int32
	conn   net.Conn
	server *Server
	log    logger.Logger

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	streamMu   sync.Mutex
	streamStop chan struct{}
	streamWG   sync.WaitGroup
	next       int64
}

func newSession(id int32, conn net.Conn, server *Server) *session {
	return &session{
		id:     id,
		conn:   conn,
		server: server,
		log:    server.log.With(logger.F("session", id), logger.F("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
}

func (s *session) ID() int32 {
	return s.id
}

func (s *session) Handle() {
	defer func() {
		_ = s.Close()
	}()

	s.log.Debug("client connected")
	for {
		tag, err := fiff.ReadTag(s.conn)
		if err != nil {
			s.log.Debug("client gone", logger.Err(err))
			return
		}

		if tag.Kind != fiff.KindRTCommand {
			s.log.Warn("ignoring non-command frame", logger.F("kind", tag.Kind))
			continue
		}

		if err := s.handleCommand(tag); err != nil {
			s.log.Warn("write failed", logger.Err(err))
			return
		}
	}
}

func (s *session) handleCommand(tag fiff.Tag) error {
	cmd, sessionID, arg, err := fiff.ParseCommand(tag)
	if err != nil {
		s.log.Warn("bad command frame", logger.Err(err))
		return nil
	}

	if cmd != fiff.CmdGetClientID && sessionID != s.id {
		s.log.Warn("command for foreign session ignored", logger.F("command", cmd.String()), logger.F("claimed", sessionID))
		return nil
	}

	switch cmd {
	case fiff.CmdGetClientID:
		return s.write(fiff.IntTag(fiff.KindRTClientID, s.id))
	case fiff.CmdSetClientAlias:
		s.server.aliases.Store(s.id, string(arg))
		s.log.Info("client alias set", logger.F("alias", string(arg)))
	case fiff.CmdMeasInfo:
		info := s.server.info
		info.SessionID = s.id
		return s.write(fiff.EncodeInfo(info)...)
	case fiff.CmdStartMeasurement:
		s.startStreaming()
	case fiff.CmdStopMeasurement:
		return s.stopStreaming(true)
	default:
		s.log.Warn("unknown command", logger.F("command", cmd.String()))
	}

	return nil
}

// write sends tags back to back so a multi-tag reply is never interleaved
// with streamed blocks.
func (s *session) write(tags ...fiff.Tag) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	for _, tag := range tags {
		if err := fiff.WriteTag(s.conn, tag); err != nil {
			return err
		}
	}

	return nil
}

func (s *session) startStreaming() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.streamStop != nil {
		return
	}

	stop := make(chan struct{})
	s.streamStop = stop
	s.streamWG.Add(1)
	go s.stream(stop)
	s.log.Info("measurement started")
}

// stopStreaming halts the stream goroutine. With sendEnd the client is told
// the measurement ended.
func (s *session) stopStreaming(sendEnd bool) error {
	s.streamMu.Lock()
	stop := s.streamStop
	s.streamStop = nil
	s.streamMu.Unlock()

	if stop == nil {
		return nil
	}

	close(stop)
	s.streamWG.Wait()
	s.log.Info("measurement stopped")

	if sendEnd {
		return s.write(fiff.IntTag(fiff.KindBlockEnd, fiff.KindBlockRawData))
	}

	return nil
}

func (s *session) stream(stop chan struct{}) {
	defer s.streamWG.Done()

	if err := s.write(fiff.IntTag(fiff.KindBlockStart, fiff.KindBlockRawData)); err != nil {
		return
	}

	var tick <-chan time.Time
	if s.server.config.BlockInterval > 0 {
		ticker := time.NewTicker(s.server.config.BlockInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	sent := 0
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		default:
		}

		if tick != nil {
			select {
			case <-stop:
				return
			case <-s.done:
				return
			case <-tick:
			}
		}

		block := s.server.block(s.next)
		if err := s.write(fiff.EncodeBlock(block)); err != nil {
			return
		}
		s.next += int64(block.Samples)
		sent++

		if limit := s.server.config.MaxBlocks; limit > 0 && sent >= limit {
			s.finish(stop, sent)
			return
		}
	}
}

// finish ends a bounded measurement from inside the stream goroutine.
func (s *session) finish(stop chan struct{}, blocks int) {
	s.streamMu.Lock()
	if s.streamStop == stop {
		s.streamStop = nil
	}
	s.streamMu.Unlock()

	if err := s.write(fiff.IntTag(fiff.KindBlockEnd, fiff.KindBlockRawData)); err == nil {
		s.log.Info("measurement finished", logger.F("blocks", blocks))
	}
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		_ = s.stopStreaming(false)
	})

	return err
}
