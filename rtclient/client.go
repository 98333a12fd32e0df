// Package rtclient implements the data client of the real-time acquisition
// server: connection with a bounded wait, session-id handshake, alias
// registration, measurement-info and sample-block reads, and graceful
// disconnect. Reads block the calling goroutine; reconnection is left to the
// caller.
package rtclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/logger"
)

var (
	ErrConnectTimeout   = errors.New("rtclient: connect timed out")
	ErrConnectRefused   = errors.New("rtclient: connection refused")
	ErrProtocol         = errors.New("rtclient: protocol error")
	ErrClosed           = errors.New("rtclient: connection closed by peer")
	ErrReadTimeout      = errors.New("rtclient: read timed out")
	ErrNotConnected     = errors.New("rtclient: not connected")
	ErrAlreadyConnected = errors.New("rtclient: already connected or connecting")
)

// ConnectionState represents the current state of the data connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // No connection
	Connecting                          // Dial or handshake in progress
	Connected                           // Handshake done; reads are permitted
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Session is the server-assigned identity of one connection lifetime.
type Session struct {
	ID    int32
	Alias string
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address (e.g. "host:port")
	Session   Session         // Valid when State is Connected
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// ConnectionStateHandler is called when the connection state changes.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type ConnectionStateHandler func(event ConnectionStateEvent)

// Config holds configuration for the data client.
type Config struct {
	// Address is the "host:port" of the acquisition server.
	Address string
	// Alias is an optional human-readable client name sent after the handshake.
	Alias string
	// ConnectTimeout bounds dialing.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the wait for the session id reply.
	HandshakeTimeout time.Duration
	// DisconnectTimeout bounds the wait for the peer to confirm a close.
	DisconnectTimeout time.Duration
	// WriteTimeout bounds each request write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout bounds each info or block read; 0 means reads block until
	// data or an error arrives.
	ReadTimeout time.Duration
}

// DefaultConfig returns a Config with default values for the given address:
// ConnectTimeout 1s, HandshakeTimeout 5s, DisconnectTimeout 1s,
// WriteTimeout 5s, ReadTimeout 0.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectTimeout:    time.Second,
		HandshakeTimeout:  5 * time.Second,
		DisconnectTimeout: time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Client is a blocking data client. Reads are meant to be issued from a single
// goroutine; Disconnect, State and Session may be called from any goroutine.
type Client struct {
	config Config
	log    logger.Logger

	mu      sync.RWMutex
	conn    net.Conn
	reader  *bufio.Reader
	state   ConnectionState
	session Session

	onConnectionState ConnectionStateHandler

	wmu sync.Mutex
}

// New creates a client in the Disconnected state.
func New(config Config, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		config: config,
		log:    log.With(logger.F("component", "rtclient"), logger.F("address", config.Address)),
		state:  Disconnected,
	}
}

// OnConnectionState registers the handler for connection state changes.
// Only one handler is active; pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is in the Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Session returns the current session; the zero Session when disconnected.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Connect dials the server, waiting at most ConnectTimeout, then requests a
// session id and registers the alias. Dial failures are reported as
// ErrConnectTimeout or ErrConnectRefused; handshake failures close the
// connection again.
func (c *Client) Connect(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return Session{}, ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitConnectionState(Connecting, Session{}, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		err = classifyDialError(c.config.Address, err)
		c.setDisconnected(err)
		return Session{}, err
	}

	reader := bufio.NewReader(conn)
	session, err := c.handshake(conn, reader)
	if err != nil {
		_ = conn.Close()
		c.setDisconnected(err)
		return Session{}, err
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.session = session
	c.state = Connected
	c.mu.Unlock()

	c.log.Info("data client connected", logger.F("session", session.ID), logger.F("alias", session.Alias))
	c.emitConnectionState(Connected, session, nil)
	return session, nil
}

func (c *Client) handshake(conn net.Conn, reader *bufio.Reader) (Session, error) {
	if c.config.HandshakeTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
			return Session{}, classifyReadError(err)
		}
		defer func() {
			_ = conn.SetDeadline(time.Time{})
		}()
	}

	if err := fiff.WriteTag(conn, fiff.CommandTag(fiff.CmdGetClientID, -1, nil)); err != nil {
		return Session{}, classifyReadError(err)
	}

	var session Session
	for {
		tag, err := fiff.ReadTag(reader)
		if err != nil {
			return Session{}, classifyReadError(err)
		}
		if tag.Kind != fiff.KindRTClientID {
			continue
		}
		id, err := tag.Int()
		if err != nil {
			return Session{}, classifyReadError(err)
		}
		if id < 0 {
			return Session{}, fmt.Errorf("%w: server refused client id (%d)", ErrProtocol, id)
		}
		session.ID = id
		break
	}

	if c.config.Alias != "" {
		tag := fiff.CommandTag(fiff.CmdSetClientAlias, session.ID, []byte(c.config.Alias))
		if err := fiff.WriteTag(conn, tag); err != nil {
			return Session{}, classifyReadError(err)
		}
		session.Alias = c.config.Alias
	}

	return session, nil
}

// Disconnect half-closes the connection, waits up to DisconnectTimeout for the
// peer to close its side, and releases the socket. The client always ends up
// Disconnected; a missing confirmation is only logged.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.session = Session{}
	c.state = Disconnected
	c.mu.Unlock()

	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err == nil && c.config.DisconnectTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.DisconnectTimeout))
			if _, err := io.Copy(io.Discard, conn); err != nil {
				c.log.Warn("disconnect not confirmed by peer", logger.Err(err))
			}
		}
	}

	err := conn.Close()
	c.log.Info("data client disconnected")
	c.emitConnectionState(Disconnected, Session{}, nil)
	return err
}

// StreamHandler receives stream frames that arrive ahead of a measurement-info
// reply. Returning an error aborts the read with that error.
type StreamHandler func(block fiff.SampleBlock) error

// ReadInfo requests the measurement info and blocks until the info block has
// been read. Stream frames arriving before the info block are discarded and
// logged; use ReadInfoStreaming while a measurement is running.
func (c *Client) ReadInfo() (*fiff.ChannelInfo, error) {
	return c.ReadInfoStreaming(0, nil)
}

// ReadInfoStreaming requests the measurement info while the server may still be
// streaming. Data blocks and the data block end read before the info block are
// passed to handle in arrival order; data blocks must carry expectedChannels
// channels. A nil handle discards them.
func (c *Client) ReadInfoStreaming(expectedChannels int, handle StreamHandler) (*fiff.ChannelInfo, error) {
	reader, session, err := c.connected()
	if err != nil {
		return nil, err
	}

	if err := c.send(fiff.CommandTag(fiff.CmdMeasInfo, session.ID, nil)); err != nil {
		return nil, err
	}

	if err := c.armReadDeadline(); err != nil {
		return nil, err
	}

	var (
		failure   error
		discarded int
	)
	info, err := fiff.DecodeInfo(func() (fiff.Tag, error) {
		for {
			tag, err := fiff.ReadTag(reader)
			if err != nil {
				failure = c.readFailed(err)
				return fiff.Tag{}, failure
			}
			if !isStreamFrame(tag) {
				return tag, nil
			}
			if handle == nil {
				discarded++
				continue
			}

			block, err := decodeBlock(tag, expectedChannels)
			if err == nil {
				err = handle(block)
			}
			if err != nil {
				failure = err
				return fiff.Tag{}, failure
			}
		}
	})

	if discarded > 0 {
		c.log.Warn("stream frames discarded before measurement info", logger.F("frames", discarded))
	}
	if failure != nil {
		return nil, failure
	}
	if err != nil {
		return nil, classifyReadError(err)
	}

	info.SessionID = session.ID
	return info, nil
}

// ReadBlock reads one frame from the data stream. Data frames must carry
// expectedChannels channels; a mismatch is ErrProtocol. Block ends are
// returned with Kind fiff.BlockKindEnd, anything else as fiff.BlockKindOther.
func (c *Client) ReadBlock(expectedChannels int) (fiff.SampleBlock, error) {
	reader, _, err := c.connected()
	if err != nil {
		return fiff.SampleBlock{}, err
	}

	if err := c.armReadDeadline(); err != nil {
		return fiff.SampleBlock{}, err
	}

	tag, err := fiff.ReadTag(reader)
	if err != nil {
		return fiff.SampleBlock{}, c.readFailed(err)
	}

	return decodeBlock(tag, expectedChannels)
}

func decodeBlock(tag fiff.Tag, expectedChannels int) (fiff.SampleBlock, error) {
	block, err := fiff.DecodeBlock(tag)
	if err != nil {
		return fiff.SampleBlock{}, classifyReadError(err)
	}

	if block.Kind == fiff.BlockKindData && block.Channels != expectedChannels {
		return fiff.SampleBlock{}, fmt.Errorf("%w: block has %d channels, expected %d", ErrProtocol, block.Channels, expectedChannels)
	}

	return block, nil
}

// isStreamFrame matches the frames a running measurement produces: data
// buffers and the raw data block end.
func isStreamFrame(tag fiff.Tag) bool {
	return tag.Kind == fiff.KindDataBuffer || fiff.IsBlockMarker(tag, fiff.KindBlockEnd, fiff.KindBlockRawData)
}

// RequestData asks the server to start streaming sample blocks.
func (c *Client) RequestData() error {
	return c.command(fiff.CmdStartMeasurement)
}

// StopData asks the server to stop streaming; it answers with a block end.
func (c *Client) StopData() error {
	return c.command(fiff.CmdStopMeasurement)
}

func (c *Client) command(cmd fiff.Command) error {
	_, session, err := c.connected()
	if err != nil {
		return err
	}

	return c.send(fiff.CommandTag(cmd, session.ID, nil))
}

func (c *Client) connected() (*bufio.Reader, Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != Connected || c.reader == nil {
		return nil, Session{}, ErrNotConnected
	}

	return c.reader, c.session, nil
}

func (c *Client) send(tag fiff.Tag) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return classifyReadError(err)
		}
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{}) // Best effort to clear deadline
		}()
	}

	if err := fiff.WriteTag(conn, tag); err != nil {
		return classifyReadError(err)
	}

	return nil
}

func (c *Client) armReadDeadline() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Time{}
	if c.config.ReadTimeout > 0 {
		deadline = time.Now().Add(c.config.ReadTimeout)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return classifyReadError(err)
	}

	return nil
}

// readFailed classifies err and logs lost connections. The state is left
// untouched; the caller decides whether to disconnect.
func (c *Client) readFailed(err error) error {
	err = classifyReadError(err)
	if errors.Is(err, ErrClosed) {
		c.log.Warn("data connection lost", logger.Err(err))
	}

	return err
}

func (c *Client) setDisconnected(err error) {
	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()

	c.emitConnectionState(Disconnected, Session{}, err)
}

func (c *Client) emitConnectionState(state ConnectionState, session Session, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		event := ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Session:   session,
			Timestamp: time.Now(),
			Error:     err,
		}

		go handler(event)
	}
}

func classifyDialError(address string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %w", ErrConnectTimeout, address, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrConnectRefused, address, err)
}

func classifyReadError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, fiff.ErrMalformed):
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrReadTimeout, err)
	default:
		// EOF, resets and closed sockets all mean the stream is gone.
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
}
