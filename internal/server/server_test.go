package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberdb/emberdb/internal/protocol"
	"github.com/emberdb/emberdb/internal/store"
)

func startTestServer(t *testing.T, cfg Config) string {
	t.Helper()

	st := store.New()
	s := NewWithConfig("127.0.0.1:0", st, cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
	})

	// Start binds asynchronously; wait until the listener reports its port.
	require.Eventually(t, func() bool {
		return s.Addr() != "127.0.0.1:0"
	}, 2*time.Second, 5*time.Millisecond)

	return s.Addr()
}

func dialTestServer(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn
}

// readReply accumulates bytes from conn until one complete frame decodes.
func readReply(t *testing.T, conn net.Conn) protocol.Value {
	t.Helper()

	var pending []byte
	chunk := make([]byte, 512)
	for {
		if len(pending) > 0 {
			val, n, err := protocol.DecodeReply(pending)
			if err == nil {
				pending = pending[n:]
				require.Empty(t, pending, "unexpected trailing bytes after reply")
				return val
			}
			require.ErrorIs(t, err, protocol.ErrIncomplete)
		}
		n, err := conn.Read(chunk)
		require.NoError(t, err)
		pending = append(pending, chunk[:n]...)
	}
}

func sendCommand(t *testing.T, conn net.Conn, args ...string) protocol.Value {
	t.Helper()

	writer := protocol.NewWriter(conn)
	require.NoError(t, writer.WriteStringArray(args))
	return readReply(t, conn)
}

func TestServer_Ping(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	resp := sendCommand(t, conn, "PING")
	assert.Equal(t, byte(protocol.TypeSimpleString), resp.Type)
	assert.Equal(t, "PONG", resp.Str)
}

func TestServer_SetAndGet(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	resp := sendCommand(t, conn, "SET", "key1", "value1")
	assert.Equal(t, "OK", resp.Str)

	resp = sendCommand(t, conn, "GET", "key1")
	assert.Equal(t, byte(protocol.TypeBulkString), resp.Type)
	assert.Equal(t, "value1", resp.Str)
}

func TestServer_GetMissingKey(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	// A missing key comes back as the RESP null bulk string.
	writer := protocol.NewWriter(conn)
	require.NoError(t, writer.WriteStringArray([]string{"GET", "nope"}))

	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "$-1\r\n", string(buf[:n]))
}

func TestServer_SetWithExpiry(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	resp := sendCommand(t, conn, "SET", "fleeting", "v", "PX", "100")
	assert.Equal(t, "OK", resp.Str)

	resp = sendCommand(t, conn, "GET", "fleeting")
	assert.Equal(t, "v", resp.Str)

	time.Sleep(150 * time.Millisecond)

	writer := protocol.NewWriter(conn)
	require.NoError(t, writer.WriteStringArray([]string{"GET", "fleeting"}))
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "$-1\r\n", string(buf[:n]))
}

func TestServer_Echo(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	resp := sendCommand(t, conn, "ECHO", "hello")
	assert.Equal(t, "hello", resp.Str)

	resp = sendCommand(t, conn, "ECHO", "hello", "world")
	assert.Equal(t, "helloworld", resp.Str)
}

func TestServer_DBSize(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	sendCommand(t, conn, "SET", "a", "1")
	sendCommand(t, conn, "SET", "b", "2")

	resp := sendCommand(t, conn, "DBSIZE")
	assert.Equal(t, byte(protocol.TypeInteger), resp.Type)
	assert.Equal(t, int64(2), resp.Num)
}

func TestServer_UnknownCommand(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	resp := sendCommand(t, conn, "FLUSHALL")
	assert.Equal(t, byte(protocol.TypeError), resp.Type)
	assert.Contains(t, resp.Str, "unknown command")

	// The connection stays usable after a command error.
	resp = sendCommand(t, conn, "PING")
	assert.Equal(t, "PONG", resp.Str)
}

func TestServer_ArityErrorKeepsConnection(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	resp := sendCommand(t, conn, "SET", "only-key")
	assert.Equal(t, byte(protocol.TypeError), resp.Type)
	assert.Contains(t, resp.Str, "wrong number of arguments")

	resp = sendCommand(t, conn, "SET", "only-key", "now-a-value")
	assert.Equal(t, "OK", resp.Str)
}

func TestServer_Pipelining(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	// Three frames in a single write; replies must come back in order.
	payload := "*1\r\n$4\r\nPING\r\n" +
		"*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n" +
		"*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)

	want := "+PONG\r\n+OK\r\n$1\r\nv\r\n"
	got := make([]byte, 0, len(want))
	buf := make([]byte, 64)
	for len(got) < len(want) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, want, string(got))
}

func TestServer_SplitFrame(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	// One frame delivered across two writes with a pause in between.
	_, err := conn.Write([]byte("*1\r\n$4\r\nPI"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("NG\r\n"))
	require.NoError(t, err)

	resp := readReply(t, conn)
	assert.Equal(t, "PONG", resp.Str)
}

func TestServer_MalformedFrameClosesConnection(t *testing.T) {
	addr := startTestServer(t, Config{})
	conn := dialTestServer(t, addr)

	_, err := conn.Write([]byte("$abc\r\n"))
	require.NoError(t, err)

	resp := readReply(t, conn)
	assert.Equal(t, byte(protocol.TypeError), resp.Type)

	// The server closes the connection after the error reply.
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestServer_MalformedFrameDoesNotAffectOthers(t *testing.T) {
	addr := startTestServer(t, Config{})

	bad := dialTestServer(t, addr)
	good := dialTestServer(t, addr)

	_, err := bad.Write([]byte("+no-terminator\n"))
	require.NoError(t, err)
	readReply(t, bad)

	resp := sendCommand(t, good, "PING")
	assert.Equal(t, "PONG", resp.Str)
}

func TestServer_ConcurrentClients(t *testing.T) {
	addr := startTestServer(t, Config{})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(2 * time.Second))

			writer := protocol.NewWriter(conn)
			for j := 0; j < 20; j++ {
				if err := writer.WriteStringArray([]string{"PING"}); err != nil {
					t.Error(err)
					return
				}
				buf := make([]byte, 16)
				n, err := conn.Read(buf)
				if err != nil {
					t.Error(err)
					return
				}
				if string(buf[:n]) != "+PONG\r\n" {
					t.Errorf("unexpected reply %q", buf[:n])
					return
				}
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

func TestServer_MaxClients(t *testing.T) {
	addr := startTestServer(t, Config{MaxClients: 1})

	first := dialTestServer(t, addr)
	resp := sendCommand(t, first, "PING")
	require.Equal(t, "PONG", resp.Str)

	// The second connection is accepted then immediately closed.
	second := dialTestServer(t, addr)
	buf := make([]byte, 16)
	_, err := second.Read(buf)
	assert.Error(t, err)
}

func TestServer_ReadTimeoutClosesIdleConnection(t *testing.T) {
	addr := startTestServer(t, Config{ReadTimeout: 50 * time.Millisecond})
	conn := dialTestServer(t, addr)

	resp := sendCommand(t, conn, "PING")
	require.Equal(t, "PONG", resp.Str)

	// Sending nothing lets the deadline fire; the server drops the client.
	buf := make([]byte, 16)
	_, err := conn.Read(buf)
	assert.Error(t, err)
}

func TestServer_CloseUnblocksClients(t *testing.T) {
	st := store.New()
	s := New("127.0.0.1:0", st, nil, nil)

	go func() { _ = s.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return s.Addr() != "127.0.0.1:0"
	}, 2*time.Second, 5*time.Millisecond)

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, s.Close())

	conn.SetDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}
