package ftps

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestCert builds a throwaway self-signed certificate for 127.0.0.1 and
// a pool that trusts it.
func newTestCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ftps.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, pool
}

// serverConn is the per-connection state of the scripted test server.
type serverConn struct {
	t       *testing.T
	conn    net.Conn
	reader  *bufio.Reader
	tlsConf *tls.Config
	dataLn  net.Listener
}

func (s *serverConn) reply(line string) {
	fmt.Fprintf(s.conn, "%s\r\n", line)
}

// openPassive listens for one data connection and returns the 227 reply
// advertising it.
func (s *serverConn) openPassive() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Errorf("passive listen: %v", err)
		return "425 can't open data connection"
	}
	if s.dataLn != nil {
		s.dataLn.Close()
	}
	s.dataLn = ln
	port := ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("227 Entering Passive Mode (127,0,0,1,%d,%d)", port>>8, port&0xff)
}

// openExtendedPassive is openPassive in RFC 2428 clothing.
func (s *serverConn) openExtendedPassive() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Errorf("passive listen: %v", err)
		return "425 can't open data connection"
	}
	if s.dataLn != nil {
		s.dataLn.Close()
	}
	s.dataLn = ln
	port := ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("229 Entering Extended Passive Mode (|||%d|)", port)
}

func (s *serverConn) acceptData() net.Conn {
	conn, err := s.dataLn.Accept()
	if err != nil {
		s.t.Errorf("accept data: %v", err)
		return nil
	}
	return conn
}

// startFakeServer runs a minimal scripted FTPS server: it greets, upgrades
// on AUTH TLS with a throwaway certificate, and routes everything else to
// handle. Returning false from handle closes the connection. The same
// script serves every connection, so reconnects replay it.
func startFakeServer(t *testing.T, handle func(s *serverConn, cmd, arg string) bool) (addr string, pool *x509.CertPool) {
	t.Helper()

	cert, pool := newTestCert(t)
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveScripted(t, conn, tlsConf, handle)
		}
	}()
	return ln.Addr().String(), pool
}

func serveScripted(t *testing.T, conn net.Conn, tlsConf *tls.Config, handle func(*serverConn, string, string) bool) {
	defer conn.Close()

	s := &serverConn{t: t, conn: conn, reader: bufio.NewReader(conn), tlsConf: tlsConf}
	defer func() {
		if s.dataLn != nil {
			s.dataLn.Close()
		}
	}()

	s.reply("220 fake ftpd ready")
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		switch strings.ToUpper(cmd) {
		case "AUTH":
			s.reply("234 AUTH TLS successful")
			tlsConn := tls.Server(conn, tlsConf)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			s.conn = tlsConn
			s.reader = bufio.NewReader(tlsConn)
		case "QUIT":
			s.reply("221 goodbye")
			return
		default:
			if !handle(s, strings.ToUpper(cmd), arg) {
				return
			}
		}
	}
}

// tlsServerConn wraps an accepted data connection for a session that
// negotiated PROT P.
func tlsServerConn(s *serverConn, conn net.Conn) net.Conn {
	tlsConn := tls.Server(conn, s.tlsConf)
	if err := tlsConn.Handshake(); err != nil {
		s.t.Errorf("data tls handshake: %v", err)
	}
	return tlsConn
}

// recordingEvents records upcalls and scripts the answers to prompts.
type recordingEvents struct {
	NopEvents

	mu sync.Mutex

	mimeType      string
	totalSize     int64
	received      bytes.Buffer
	resumed       bool
	resumeAskedAt int64
	cached        []AuthInfo
	prompts       []string

	// scripted behavior
	uploadChunks [][]byte
	promptUser   string
	promptPass   string
	promptOK     bool
	acceptTLS    bool
	resumeAt     bool
}

func (e *recordingEvents) MimeType(m string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mimeType = m
}

func (e *recordingEvents) TotalSize(size int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalSize = size
}

func (e *recordingEvents) CanResume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumed = true
}

func (e *recordingEvents) CanResumeAt(size int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeAskedAt = size
	return e.resumeAt
}

func (e *recordingEvents) Data(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received.Write(chunk)
	return nil
}

func (e *recordingEvents) DataRequest() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.uploadChunks) == 0 {
		return nil, io.EOF
	}
	chunk := e.uploadChunks[0]
	e.uploadChunks = e.uploadChunks[1:]
	return chunk, nil
}

func (e *recordingEvents) WarnContinueCancel(text, title string) bool {
	return e.acceptTLS
}

func (e *recordingEvents) OpenPasswordDialog(info *AuthInfo, errMsg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, errMsg)
	if !e.promptOK {
		return false
	}
	info.Username = e.promptUser
	info.Password = e.promptPass
	return true
}

func (e *recordingEvents) CacheAuth(info AuthInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cached = append(e.cached, info)
}

func newTestClient(t *testing.T, events Events, pool *x509.CertPool) *Client {
	t.Helper()
	client, err := New(
		WithEvents(events),
		WithTLSConfig(&tls.Config{RootCAs: pool}),
		WithConnectTimeout(5*time.Second),
		WithReadTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.CloseConnection)
	return client
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

// loginScript answers the boilerplate of a session; it returns false when
// the command was not one of them.
func loginScript(s *serverConn, cmd, arg string) bool {
	switch cmd {
	case "USER":
		s.reply("331 password required")
	case "PASS":
		s.reply("230 user logged in")
	case "SYST":
		s.reply("215 UNIX Type: L8")
	case "PWD":
		s.reply(`257 "/" is the current directory`)
	case "TYPE":
		s.reply("200 switching mode")
	case "PBSZ":
		s.reply("200 PBSZ set to 0")
	case "PASV":
		s.reply(s.openPassive())
	default:
		return false
	}
	return true
}
