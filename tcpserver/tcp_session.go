package tcpserver

// TCPServerSession is implemented by each connection session. The server runs
// Handle in its own goroutine; when Handle returns the session is removed from
// the server.
type TCPServerSession interface {
	// ID returns the session's identifier assigned by the server.
	//
	// Returns:
	//   - The session id handed to NewSessionFunc
	ID() int32

	// Handle runs the session's read loop until the connection ends.
	Handle()

	// Close closes the session. It must be safe to call more than once and
	// concurrently with Handle.
	//
	// Returns:
	//   - An error if closing the connection fails
	Close() error
}
