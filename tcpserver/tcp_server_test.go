package tcpserver

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoSession writes back every line it receives.
type echoSession struct {
	id     int32
	conn   net.Conn
	once   sync.Once
	closed chan struct{}
}

func (e *echoSession) ID() int32 { return e.id }

func (e *echoSession) Handle() {
	scanner := bufio.NewScanner(e.conn)
	for scanner.Scan() {
		if _, err := e.conn.Write(append(scanner.Bytes(), '\n')); err != nil {
			return
		}
	}
}

func (e *echoSession) Close() error {
	var err error
	e.once.Do(func() {
		close(e.closed)
		err = e.conn.Close()
	})
	return err
}

func newEchoServer(t *testing.T) (*TCPServer, *sync.Map) {
	t.Helper()

	var created sync.Map
	srv := New("echo", "127.0.0.1:0", nil, func(id int32, conn net.Conn) TCPServerSession {
		s := &echoSession{id: id, conn: conn, closed: make(chan struct{})}
		created.Store(id, s)
		return s
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, &created
}

func dial(t *testing.T, srv *TCPServer) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", srv.ListenAddr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestTCPServer_Start(t *testing.T) {
	t.Run("listen address is resolved", func(t *testing.T) {
		srv, _ := newEchoServer(t)
		assert.NotEqual(t, "127.0.0.1:0", srv.ListenAddr())
	})

	t.Run("double start fails", func(t *testing.T) {
		srv, _ := newEchoServer(t)
		assert.Error(t, srv.Start())
	})

	t.Run("address in use fails", func(t *testing.T) {
		srv, _ := newEchoServer(t)
		other := New("other", srv.ListenAddr(), nil, nil)
		assert.Error(t, other.Start())
	})

	t.Run("listen address empty before start", func(t *testing.T) {
		assert.Empty(t, New("idle", "127.0.0.1:0", nil, nil).ListenAddr())
	})
}

func TestTCPServer_Sessions(t *testing.T) {
	srv, _ := newEchoServer(t)

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, time.Second, 5*time.Millisecond)

	_, err := a.Write([]byte("ping\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(a).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)

	s1, ok := srv.Session(1)
	require.True(t, ok)
	assert.Equal(t, int32(1), s1.ID())
	_, ok = srv.Session(2)
	assert.True(t, ok)

	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTCPServer_Stop(t *testing.T) {
	srv, created := newEchoServer(t)
	dial(t, srv)
	dial(t, srv)
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, time.Second, 5*time.Millisecond)

	srv.Stop()
	srv.Stop()

	created.Range(func(_, v any) bool {
		select {
		case <-v.(*echoSession).closed:
		default:
			t.Errorf("session %d not closed by stop", v.(*echoSession).id)
		}
		return true
	})
	assert.Zero(t, srv.SessionCount())

	_, err := net.DialTimeout("tcp", srv.ListenAddr(), 100*time.Millisecond)
	assert.Error(t, err)
}
