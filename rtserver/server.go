// Package rtserver is a simulated acquisition server. It speaks the same tag
// protocol as the real device server: it assigns session ids, records client
// aliases, answers measurement-info requests and streams synthetic sample
// blocks between start and stop commands.
package rtserver

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/safemap"
	"github.com/cyberinferno/rtstream/tcpserver"
)

// Config describes the simulated device.
type Config struct {
	// Address to listen on; port 0 picks a free port.
	Address string
	// NumChannels is the number of simulated channels.
	NumChannels int
	// SampleFrequency in Hz, reported in the measurement info.
	SampleFrequency float32
	// BlockSize is the number of samples per data block.
	BlockSize int
	// BlockInterval is the pause between blocks; 0 streams as fast as possible.
	BlockInterval time.Duration
	// MaxBlocks ends each measurement with a block end after this many
	// blocks; 0 streams until stopped.
	MaxBlocks int
}

// DefaultConfig returns an 8-channel, 1 kHz device sending 100-sample blocks
// every 100ms.
func DefaultConfig(address string) Config {
	return Config{
		Address:         address,
		NumChannels:     8,
		SampleFrequency: 1000,
		BlockSize:       100,
		BlockInterval:   100 * time.Millisecond,
	}
}

// Server is a running simulated device.
type Server struct {
	config  Config
	info    fiff.ChannelInfo
	log     logger.Logger
	tcp     *tcpserver.TCPServer
	aliases *safemap.SafeMap[int32, string]
}

// New creates a server; call Start to listen.
func New(config Config, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}

	config.NumChannels = max(config.NumChannels, 1)
	config.BlockSize = max(config.BlockSize, 1)
	if config.SampleFrequency <= 0 {
		config.SampleFrequency = 1000
	}

	s := &Server{
		config:  config,
		info:    simulatedInfo(config),
		log:     log.With(logger.F("component", "rtserver")),
		aliases: safemap.NewSafeMap[int32, string](),
	}
	s.tcp = tcpserver.New("acquisition", config.Address, s.log, s.newSession)
	return s
}

// Start begins accepting data clients.
func (s *Server) Start() error {
	return s.tcp.Start()
}

// Stop closes every client connection and the listener.
func (s *Server) Stop() {
	s.tcp.Stop()
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.tcp.ListenAddr()
}

// Info returns the measurement info served to clients.
func (s *Server) Info() fiff.ChannelInfo {
	return s.info
}

// Alias returns the alias registered by a session.
func (s *Server) Alias(sessionID int32) (string, bool) {
	return s.aliases.Load(sessionID)
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	return s.tcp.SessionCount()
}

// Send writes an arbitrary frame to a connected session.
func (s *Server) Send(sessionID int32, tag fiff.Tag) error {
	sess, ok := s.tcp.Session(sessionID)
	if !ok {
		return fmt.Errorf("rtserver: no session %d", sessionID)
	}

	return sess.(*session).write(tag)
}

// Disconnect drops a session's connection from the server side.
func (s *Server) Disconnect(sessionID int32) error {
	sess, ok := s.tcp.Session(sessionID)
	if !ok {
		return fmt.Errorf("rtserver: no session %d", sessionID)
	}

	return sess.Close()
}

// Sample returns the simulated value of channel ch at absolute sample index n.
// Channel ch carries a sine of (ch+1) Hz with amplitude ch+1.
func (s *Server) Sample(ch int, n int64) float32 {
	t := float64(n) / float64(s.config.SampleFrequency)
	return float32(float64(ch+1) * math.Sin(2*math.Pi*float64(ch+1)*t))
}

func (s *Server) newSession(id int32, conn net.Conn) tcpserver.TCPServerSession {
	return newSession(id, conn, s)
}

// block builds the data block starting at absolute sample index first.
func (s *Server) block(first int64) fiff.SampleBlock {
	channels, samples := s.config.NumChannels, s.config.BlockSize
	data := make([]float32, channels*samples)
	for ch := range channels {
		for i := range samples {
			data[ch*samples+i] = s.Sample(ch, first+int64(i))
		}
	}

	return fiff.SampleBlock{Kind: fiff.BlockKindData, Channels: channels, Samples: samples, Data: data}
}

func simulatedInfo(config Config) fiff.ChannelInfo {
	info := fiff.ChannelInfo{
		NumChannels:     config.NumChannels,
		SampleFrequency: config.SampleFrequency,
		Channels:        make([]fiff.ChannelDescriptor, config.NumChannels),
	}

	for i := range info.Channels {
		info.Channels[i] = fiff.ChannelDescriptor{
			Name:          fmt.Sprintf("SIM %03d", i+1),
			Kind:          1,
			Unit:          107,
			LogicalNumber: int32(i + 1),
			Range:         1,
			Calibration:   1,
		}
	}

	return info
}
