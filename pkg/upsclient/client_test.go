package upsclient

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the wire protocol for the client tests:
// it accepts one connection and answers each request line via the handler.
// A handler returning "" closes the connection without replying.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	handler  func(line string) string
	requests chan string
}

func newFakeServer(t *testing.T, handler func(line string) string) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fs := &fakeServer{t: t, ln: ln, handler: handler, requests: make(chan string, 32)}
	go fs.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return fs
}

func (fs *fakeServer) serve() {
	conn, err := fs.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		select {
		case fs.requests <- line:
		default:
		}
		reply := fs.handler(line)
		if reply == "" {
			return
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (fs *fakeServer) addr() (string, int) {
	addr := fs.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func dialFake(t *testing.T, fs *fakeServer) *Session {
	t.Helper()
	host, port := fs.addr()
	s, err := Connect(context.Background(), host, port, Config{Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(s.Disconnect)
	return s
}

func TestGet(t *testing.T) {
	fs := newFakeServer(t, func(line string) string {
		if line == "GET VAR myups ups.status" {
			return "VAR myups ups.status \"OL CHRG\"\n"
		}
		return "ERR UNKNOWN-COMMAND\n"
	})

	s := dialFake(t, fs)

	words, err := s.Get("VAR", "myups", "ups.status")
	require.NoError(t, err)
	assert.Equal(t, []string{"VAR", "myups", "ups.status", "OL CHRG"}, words)
}

func TestGet_ServerError(t *testing.T) {
	fs := newFakeServer(t, func(string) string {
		return "ERR ACCESS-DENIED\n"
	})

	s := dialFake(t, fs)

	_, err := s.Get("VAR", "myups", "ups.status")
	require.Error(t, err)
	assert.Equal(t, KindAccessDenied, ErrKind(err))

	// application-level failure must leave the session usable
	assert.True(t, s.Connected())
}

func TestGet_EchoMismatch(t *testing.T) {
	fs := newFakeServer(t, func(string) string {
		return "VAR otherups ups.status OL\n"
	})

	s := dialFake(t, fs)

	_, err := s.Get("VAR", "myups", "ups.status")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, ErrKind(err))
}

func TestGet_CaseInsensitiveEcho(t *testing.T) {
	fs := newFakeServer(t, func(string) string {
		return "var MYUPS ups.status OL\n"
	})

	s := dialFake(t, fs)

	words, err := s.Get("VAR", "myups", "ups.status")
	require.NoError(t, err)
	assert.Equal(t, "OL", words[3])
}

func TestReadLine_ServerDisconnect(t *testing.T) {
	fs := newFakeServer(t, func(string) string {
		return "" // hang up instead of answering
	})

	s := dialFake(t, fs)

	_, err := s.Get("VAR", "myups", "ups.status")
	require.Error(t, err)
	assert.Equal(t, KindServerDisconnected, ErrKind(err))
	assert.False(t, s.Connected())
}

func TestList(t *testing.T) {
	lines := []string{
		"BEGIN LIST VAR myups\n",
		"VAR myups ups.status \"OL\"\n",
		"VAR myups battery.charge \"100\"\n",
		"END LIST VAR myups\n",
	}
	fs := newFakeServer(t, func(string) string {
		return strings.Join(lines, "")
	})

	s := dialFake(t, fs)

	require.NoError(t, s.ListStart("VAR", "myups"))

	var got [][]string
	for {
		words, done, err := s.ListNext()
		require.NoError(t, err)
		if done {
			break
		}
		got = append(got, words)
	}

	require.Len(t, got, 2)
	assert.Equal(t, []string{"VAR", "myups", "ups.status", "OL"}, got[0])
	assert.Equal(t, []string{"VAR", "myups", "battery.charge", "100"}, got[1])
}

func TestListStart_BadHeader(t *testing.T) {
	fs := newFakeServer(t, func(string) string {
		return "VAR myups ups.status OL\n"
	})

	s := dialFake(t, fs)

	err := s.ListStart("VAR", "myups")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, ErrKind(err))
}

func TestStartTLS_TryFallsBackToPlaintext(t *testing.T) {
	fs := newFakeServer(t, func(line string) string {
		if line == "STARTTLS" {
			return "ERR FEATURE-NOT-CONFIGURED\n"
		}
		return "OK\n"
	})

	host, port := fs.addr()
	s, err := Connect(context.Background(), host, port, Config{
		Flags:   ConnTrySSL,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer s.Disconnect()

	assert.False(t, s.TLS())

	// still talking plaintext
	require.NoError(t, s.SendLine("USERNAME monuser"))
	line, err := s.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "OK", line)
}

func TestStartTLS_RequiredButUnavailable(t *testing.T) {
	fs := newFakeServer(t, func(line string) string {
		return "ERR FEATURE-NOT-CONFIGURED\n"
	})

	host, port := fs.addr()
	_, err := Connect(context.Background(), host, port, Config{
		Flags:   ConnReqSSL,
		Timeout: 2 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, KindSSLNotSupported, ErrKind(err))
}

func TestConnect_Refused(t *testing.T) {
	// grab a port and close it again so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Connect(context.Background(), "127.0.0.1", port, Config{Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, KindConnectFailure, ErrKind(err))
}

func TestDisconnect_SendsLogout(t *testing.T) {
	fs := newFakeServer(t, func(string) string {
		return "OK\n"
	})

	s := dialFake(t, fs)
	s.Disconnect()

	select {
	case line := <-fs.requests:
		assert.Equal(t, "LOGOUT", line)
	case <-time.After(time.Second):
		t.Fatal("server never saw LOGOUT")
	}

	assert.False(t, s.Connected())
}
