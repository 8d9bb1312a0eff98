// Package upsclient implements the client side of the line-oriented UPS
// network protocol: connection setup with optional TLS upgrade,
// authenticated request/response exchanges and server-side list iteration.
//
// A Session is single-threaded and synchronous; no operation may be issued
// concurrently on the same session. All failures surface as *Error values
// carrying an ErrorKind; transport errors tear the session down, while
// server-reported errors leave it usable.
package upsclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConnFlags adjust how Connect establishes a session.
type ConnFlags int

const (
	// ConnTrySSL upgrades to TLS when the server supports it and continues
	// in plaintext when it does not.
	ConnTrySSL ConnFlags = 1 << iota
	// ConnReqSSL fails the connection when the server cannot do TLS.
	ConnReqSSL
	// ConnCertVerify verifies the server certificate during the handshake.
	ConnCertVerify
	// ConnIPv4Only and ConnIPv6Only pin the address family.
	ConnIPv4Only
	ConnIPv6Only
)

// DefaultTimeout bounds every network operation on a session unless the
// caller configures otherwise.
const DefaultTimeout = 10 * time.Second

// maxLineLen caps one response line, newline excluded.
const maxLineLen = 512

// Dialer abstracts net.Dialer so tests can substitute their own transport.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config carries the optional knobs for Connect.
type Config struct {
	Flags ConnFlags

	// CertPath points at a PEM file with the CA certificates used to verify
	// the server when ConnCertVerify is set.
	CertPath string

	// ServerName overrides the name checked against the server certificate.
	// Empty means the dialed hostname.
	ServerName string

	// Timeout is the per-operation network timeout. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	Dialer Dialer
}

// Session is one connection to a UPS server.
type Session struct {
	conn    net.Conn
	host    string
	port    int
	timeout time.Duration
	tls     bool

	// listQuery holds the query words of the list being iterated, for
	// echo verification of each member line.
	listQuery []string
}

// Connect opens a TCP connection to host:port and, depending on cfg.Flags,
// upgrades it to TLS. On success the session is ready for requests.
func Connect(ctx context.Context, host string, port int, cfg Config) (*Session, error) {
	if host == "" {
		return nil, kindErr(KindNoSuchHost)
	}

	network := "tcp"
	switch {
	case cfg.Flags&ConnIPv4Only != 0:
		network = "tcp4"
	case cfg.Flags&ConnIPv6Only != 0:
		network = "tcp6"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: timeout}
	}

	conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, wrapErr(KindNoSuchHost, err)
		}
		return nil, wrapErr(KindConnectFailure, err)
	}

	s := &Session{
		conn:    conn,
		host:    host,
		port:    port,
		timeout: timeout,
	}

	if cfg.Flags&(ConnTrySSL|ConnReqSSL) != 0 {
		if err := s.startTLS(cfg); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// startTLS negotiates the in-band upgrade: STARTTLS, one response line,
// then a TLS handshake over the same socket when the server agrees.
func (s *Session) startTLS(cfg Config) error {
	if err := s.SendLine("STARTTLS"); err != nil {
		return err
	}

	line, err := s.readRawLine()
	if err != nil {
		return err
	}

	if !strings.HasPrefix(line, "OK STARTTLS") {
		if cfg.Flags&ConnReqSSL != 0 {
			s.closeConn()
			return kindErr(KindSSLNotSupported)
		}
		return nil // server can't do it, caller only asked us to try
	}

	tlsCfg := &tls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.Flags&ConnCertVerify == 0,
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = s.host
	}

	if cfg.CertPath != "" {
		pem, err := os.ReadFile(cfg.CertPath)
		if err != nil {
			s.closeConn()
			return wrapErr(KindSSLError, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			s.closeConn()
			return kindErr(KindSSLError)
		}
		tlsCfg.RootCAs = pool
	}

	tc := tls.Client(s.conn, tlsCfg)
	_ = tc.SetDeadline(time.Now().Add(s.timeout))
	if err := tc.Handshake(); err != nil {
		s.closeConn()
		return wrapErr(KindSSLError, err)
	}
	_ = tc.SetDeadline(time.Time{})

	s.conn = tc
	s.tls = true
	return nil
}

// Connected reports whether the session still owns a socket.
func (s *Session) Connected() bool { return s != nil && s.conn != nil }

// TLS reports whether the session was upgraded.
func (s *Session) TLS() bool { return s != nil && s.tls }

// Host returns the hostname this session was dialed to.
func (s *Session) Host() string { return s.host }

func (s *Session) closeConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.tls = false
	}
}

// SendLine writes one newline-terminated line. A short write or OS error
// closes the session.
func (s *Session) SendLine(text string) error {
	if s == nil || s.conn == nil {
		return kindErr(KindInvalidArgument)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	defer func() {
		if s.conn != nil {
			_ = s.conn.SetWriteDeadline(time.Time{})
		}
	}()

	if _, err := s.conn.Write([]byte(text)); err != nil {
		s.closeConn()
		return wrapErr(KindWrite, err)
	}
	return nil
}

// readRawLine reads bytes until a newline or until the line buffer fills,
// and strips the terminator. EOF before the newline reports the server as
// disconnected and any other read failure as a read error; either one tears
// the session down.
func (s *Session) readRawLine() (string, error) {
	if s == nil || s.conn == nil {
		return "", kindErr(KindInvalidArgument)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	defer func() {
		if s.conn != nil {
			_ = s.conn.SetReadDeadline(time.Time{})
		}
	}()

	buf := make([]byte, 0, 64)
	one := make([]byte, 1)
	for {
		n, err := s.conn.Read(one)
		if n == 0 {
			s.closeConn()
			if err == nil || errors.Is(err, io.EOF) {
				return "", kindErr(KindServerDisconnected)
			}
			return "", wrapErr(KindRead, err)
		}
		if one[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, one[0])
		if len(buf) == maxLineLen {
			return string(buf), nil
		}
	}
}

// ReadLine reads one response line and translates a leading ERR token into
// its typed kind.
func (s *Session) ReadLine() (string, error) {
	line, err := s.readRawLine()
	if err != nil {
		return "", err
	}
	if serr := checkServerErr(line); serr != nil {
		return "", serr
	}
	return line, nil
}

// Get issues GET <query...> and returns the parsed answer words. The
// response must echo the query words case-insensitively.
func (s *Session) Get(query ...string) ([]string, error) {
	if len(query) == 0 {
		return nil, kindErr(KindInvalidArgument)
	}

	if err := s.SendLine(buildCmd("GET", query...)); err != nil {
		return nil, err
	}

	line, err := s.ReadLine()
	if err != nil {
		return nil, err
	}

	words, perr := splitLine(line)
	if perr != nil {
		return nil, perr
	}
	if !verifyEcho(query, words) {
		return nil, kindErr(KindProtocol)
	}
	return words, nil
}

// ListStart issues LIST <query...> and consumes the BEGIN LIST header.
// Iterate with ListNext until it reports done.
func (s *Session) ListStart(query ...string) error {
	if len(query) == 0 {
		return kindErr(KindInvalidArgument)
	}

	if err := s.SendLine(buildCmd("LIST", query...)); err != nil {
		return err
	}

	line, err := s.ReadLine()
	if err != nil {
		return err
	}

	words, perr := splitLine(line)
	if perr != nil {
		return perr
	}
	if len(words) < 2 ||
		!strings.EqualFold(words[0], "BEGIN") ||
		!strings.EqualFold(words[1], "LIST") ||
		!verifyEcho(query, words[2:]) {
		return kindErr(KindProtocol)
	}

	s.listQuery = append([]string(nil), query...)
	return nil
}

// ListNext reads one list member. It returns (words, false, nil) for a
// member, (nil, true, nil) at END LIST, and an error otherwise. Member
// lines must echo the list's query prefix.
func (s *Session) ListNext() ([]string, bool, error) {
	line, err := s.ReadLine()
	if err != nil {
		return nil, false, err
	}

	words, perr := splitLine(line)
	if perr != nil {
		return nil, false, perr
	}
	if len(words) < 1 {
		return nil, false, kindErr(KindProtocol)
	}

	if len(words) >= 2 && words[0] == "END" && words[1] == "LIST" {
		s.listQuery = nil
		return nil, true, nil
	}

	if !verifyEcho(s.listQuery, words) {
		return nil, false, kindErr(KindProtocol)
	}
	return words, false, nil
}

// Disconnect sends LOGOUT best-effort and tears down the socket (and the
// TLS session with it).
func (s *Session) Disconnect() {
	if s == nil || s.conn == nil {
		return
	}
	_ = s.SendLine("LOGOUT")
	s.closeConn()
}
