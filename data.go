package ftps

import (
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

var (
	// The usual PASV reply is `227 Entering Passive Mode. (160,39,200,55,6,245)`
	// but anonftpd answers `227 =160,39,200,55,6,245`.
	pasvRegex = regexp.MustCompile(`[(=](\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)
	epsvRegex = regexp.MustCompile(`\|\|\|(\d+)\|`)
)

// openDataConnection finds the best mode for the next data connection:
// PASV, then EPSV, then active PORT/EPRT as a last resort. A helper
// returning ErrInternal just means "this mode did not work here"; any other
// code is fatal and goes back to the caller. Once a connection is up,
// protection for it is negotiated on the control channel.
func (c *Client) openDataConnection() Code {
	c.closeDataConnection()

	var errCode, errCodePASV Code

	if !c.settings.DisablePassiveMode {
		errCode = c.openPASVDataConnection()
		if errCode == 0 {
			c.requestDataEncryption()
			return 0
		}
		errCodePASV = errCode
		c.closeDataConnection()

		if !c.settings.DisableEPSV {
			errCode = c.openEPSVDataConnection()
			if errCode == 0 {
				c.requestDataEncryption()
				return 0
			}
			c.closeDataConnection()
		}

		// Once the server accepted EPSV ALL, active modes are gone.
		if c.caps&capEPSVAllSent != 0 {
			if errCodePASV != 0 {
				return errCodePASV
			}
			return errCode
		}
	}

	errCode = c.openPortDataConnection()
	if errCode == 0 {
		c.requestDataEncryption()
		return 0
	}

	c.closeDataConnection()
	// Prefer the PASV error, that is what should have worked in the
	// first place.
	if errCodePASV != 0 {
		return errCodePASV
	}
	return errCode
}

// openPASVDataConnection sets up the data connection in PASV mode. The host
// part of the reply is ignored on purpose: it is often wrong anyway, and
// trusting it would make us susceptible to a port scanning attack. The data
// socket always goes to the control connection's peer.
func (c *Client) openPASVDataConnection() Code {
	peer, ok := c.control.RemoteAddr().(*net.TCPAddr)
	if !ok || peer.IP.To4() == nil {
		return ErrInternal // no PASV for non-IPv4 connections
	}
	if c.caps&capPasvUnknown != 0 {
		return ErrInternal // already tried and got "unknown command"
	}

	c.passive = true
	if err := c.sendCmd("PASV"); err != nil || c.last.Type != 2 {
		c.logger.Debug("PASV attempt failed")
		if c.last.Type == 5 {
			c.logger.Debug("disabling use of PASV")
			c.caps |= capPasvUnknown
		}
		return ErrInternal
	}

	m := pasvRegex.FindStringSubmatch(c.last.Tail(3))
	if m == nil {
		c.logger.Error("parsing IP and port numbers failed", "reply", c.last.Text)
		return ErrInternal
	}
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	port := p1<<8 | p2

	target := net.JoinHostPort(peer.IP.String(), strconv.Itoa(port))
	c.logger.Debug("connecting data channel", "addr", target)

	dialer := *c.dialer
	dialer.Timeout = c.connectTimeout
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return ErrInternal
	}
	c.data = &deadlineConn{Conn: conn, timeout: c.readTimeout}
	return 0
}

// openEPSVDataConnection sets up the data connection via EPSV. Before the
// first EPSV of a session the client offers EPSV ALL so the server can lock
// down the other modes; a 5xx there only means it is not understood.
func (c *Client) openEPSVDataConnection() Code {
	peer, ok := c.control.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return ErrInternal
	}
	if c.caps&capEPSVUnknown != 0 {
		return ErrInternal
	}

	c.passive = true

	if c.caps&(capEPSVAllSent|capEPSVAllUnknown) == 0 {
		if err := c.sendCmd("EPSV ALL"); err == nil && c.last.Type == 2 {
			c.caps |= capEPSVAllSent
		} else if c.last.Type == 5 {
			c.caps |= capEPSVAllUnknown
		}
	}

	if err := c.sendCmd("EPSV"); err != nil || c.last.Type != 2 {
		if c.last.Type == 5 {
			c.logger.Debug("disabling use of EPSV")
			c.caps |= capEPSVUnknown
		}
		return ErrInternal
	}

	m := epsvRegex.FindStringSubmatch(c.last.Tail(3))
	if m == nil {
		return ErrInternal
	}
	port, _ := strconv.Atoi(m[1])

	target := net.JoinHostPort(peer.IP.String(), strconv.Itoa(port))
	c.logger.Debug("connecting data channel", "addr", target)

	dialer := *c.dialer
	dialer.Timeout = c.connectTimeout
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return ErrInternal
	}
	c.data = &deadlineConn{Conn: conn, timeout: c.readTimeout}
	return 0
}

// openPortDataConnection sets up an active mode data connection: listen on
// the control connection's local address, tell the server with PORT (IPv4)
// or EPRT (IPv6), then accept the one connection the server makes back.
// This is the last mode tried, so it never returns ErrInternal.
func (c *Client) openPortDataConnection() Code {
	c.passive = false
	if c.caps&capEPRTUnknown != 0 {
		return ErrCouldNotConnect
	}

	local, ok := c.control.LocalAddr().(*net.TCPAddr)
	if !ok {
		return ErrCouldNotConnect
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: local.IP})
	if err != nil {
		return ErrCouldNotConnect
	}
	port := listener.Addr().(*net.TCPAddr).Port

	var command string
	isEPRT := false
	if ip4 := local.IP.To4(); ip4 != nil {
		command = fmt.Sprintf("PORT %d,%d,%d,%d,%d,%d",
			ip4[0], ip4[1], ip4[2], ip4[3], port>>8, port&0xff)
	} else {
		isEPRT = true
		command = fmt.Sprintf("EPRT |2|%s|%d|", local.IP.String(), port)
	}

	if err := c.sendCmd(command); err != nil || c.last.Type != 2 {
		listener.Close()
		// A refused PORT stays retryable; only the EPRT extension itself
		// can be unknown to the server.
		if c.last.Type == 5 && isEPRT {
			c.logger.Debug("disabling use of EPRT")
			c.caps |= capEPRTUnknown
		}
		return ErrCouldNotConnect
	}

	listener.SetDeadline(time.Now().Add(c.connectTimeout))
	conn, err := listener.Accept()
	listener.Close()
	if err != nil {
		return ErrCouldNotConnect
	}
	c.data = &deadlineConn{Conn: conn, timeout: c.readTimeout}
	return 0
}

// requestDataEncryption negotiates protection for the data channel: PBSZ 0
// followed by PROT P. A server that refuses protected transfers gets an
// explicit PROT C and the transfer continues in the clear. Returns whether
// the data channel must be encrypted before use.
func (c *Client) requestDataEncryption() bool {
	c.protClear = true

	if err := c.sendCmd("PBSZ 0"); err != nil || c.last.Type != 2 {
		return false
	}
	if err := c.sendCmd("PROT P"); err != nil || c.last.Type != 2 {
		// Reset the channel to clear, should not be necessary.
		c.sendCmd("PROT C")
		return false
	}

	c.protClear = false
	return true
}

// encryptDataChannel runs the TLS handshake on the data socket. It is
// deferred until the transfer command got its preliminary reply, since many
// servers only then attach the socket. The TLS role follows the connection
// direction: client when we dialed (passive), server when the peer dialed
// in (active). If control verification was overridden by the user, that
// choice carries over.
func (c *Client) encryptDataChannel() Code {
	dc, ok := c.data.(*deadlineConn)
	if !ok {
		return ErrInternal
	}

	config := c.tlsActive
	if config == nil {
		config = c.tlsBase.Clone()
		config.ServerName = c.host
		if c.ignoreTLSErrors {
			config.InsecureSkipVerify = true
		}
	}

	var tlsConn *tls.Conn
	if c.passive {
		tlsConn = tls.Client(dc.Conn, config)
	} else {
		tlsConn = tls.Server(dc.Conn, config)
	}

	dc.Conn.SetDeadline(time.Now().Add(c.connectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		c.logger.Debug("data TLS handshake failed", "err", err)
		return ErrSlaveDefined
	}
	dc.Conn.SetDeadline(time.Time{})

	c.data = &deadlineConn{Conn: tlsConn, timeout: c.readTimeout}
	return 0
}
