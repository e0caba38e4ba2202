package ftps

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// UnknownSize marks a transfer whose length the server did not reveal.
const UnknownSize int64 = -1

const defaultPort = 21

// Anonymous credentials used when the host supplies none. Successful logins
// with exactly these values are never offered to the credential cache.
const (
	anonymousUser = "anonymous"
	anonymousPass = "anonymous@"
)

// The original session controller reprompts forever until the user cancels.
// A disabled dialog turns that into a spin, so the loop is bounded instead.
const maxLoginAttempts = 10

// capSet records server capabilities learned during a session. The bits are
// sticky for the lifetime of the control connection and reset on reconnect.
type capSet uint

const (
	capChmodUnknown capSet = 1 << iota
	capPasvUnknown
	capEPSVUnknown
	capEPSVAllSent
	capEPSVAllUnknown
	capEPRTUnknown
)

type loginMode int

const (
	loginDeferred loginMode = iota
	loginExplicit
	loginImplicit
)

// Client is an FTPS protocol engine driving one control connection and at
// most one data connection. It is not safe for concurrent use; the worker
// dispatcher serializes operations on it.
type Client struct {
	host string
	port int
	user string
	pass string

	proxyHost string
	proxyPort int

	settings Settings
	meta     Metadata

	events Events
	logger *slog.Logger
	dialer *net.Dialer

	connectTimeout time.Duration
	readTimeout    time.Duration

	tlsBase   *tls.Config
	tlsActive *tls.Config // resolved config of the current control connection

	control net.Conn
	reader  *bufio.Reader
	data    net.Conn

	loggedOn  bool
	busy      bool // a transfer command is in flight, cleared by closeCommand
	passive   bool // current data connection was opened passively
	protClear bool // PROT P was refused, data channel stays cleartext

	ignoreTLSErrors bool
	textMode        bool
	dataMode        byte // last TYPE sent, 0 when unknown

	caps capSet
	last Reply

	initialPath string
	currentPath string

	size int64 // size learned for the current transfer
}

// New creates a Client. The zero configuration talks to nobody; call SetHost
// before opening a connection.
func New(options ...Option) (*Client, error) {
	c := &Client{
		settings:       DefaultSettings(),
		events:         NopEvents{},
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		dialer:         &net.Dialer{},
		connectTimeout: 20 * time.Second,
		readTimeout:    15 * time.Minute,
		tlsBase:        &tls.Config{},
		size:           UnknownSize,
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetHost selects the server for subsequent operations. Changing any part of
// the target closes an open connection.
func (c *Client) SetHost(host string, port int, user, pass string) {
	c.logger.Debug("setHost", "host", host, "port", port)

	if c.host != host || c.port != port || c.user != user || c.pass != pass {
		c.CloseConnection()
	}
	c.host = host
	c.port = port
	c.user = user
	c.pass = pass
}

// SetMetadata installs the per-request hints for the next operation. An
// ftp:// proxy URL is picked up here; other proxy schemes are ignored.
func (c *Client) SetMetadata(meta Metadata) {
	c.meta = meta
	c.proxyHost, c.proxyPort = "", 0
	if meta.UseProxy == "" {
		return
	}
	u, err := url.Parse(meta.UseProxy)
	if err != nil || u.Scheme != "ftp" {
		return
	}
	c.proxyHost = u.Hostname()
	if p, err := strconv.Atoi(u.Port()); err == nil {
		c.proxyPort = p
	}
}

// InitialPath returns the working directory reported right after login,
// empty if the server did not reveal one.
func (c *Client) InitialPath() string { return c.initialPath }

// OpenConnection connects and logs in. It implements the host's explicit
// connect operation; individual operations connect implicitly on demand.
func (c *Client) OpenConnection() error {
	return c.openConnection(loginExplicit)
}

func (c *Client) openConnection(mode loginMode) error {
	if c.loggedOn {
		return nil
	}
	if c.control != nil && mode == loginDeferred {
		return nil
	}

	c.logger.Debug("openConnection", "host", c.host, "port", c.port, "user", c.user)
	c.events.InfoMessage(fmt.Sprintf("Opening connection to host %s", c.host))

	if c.host == "" {
		return newError(ErrUnknownHost, "")
	}

	c.initialPath = ""
	c.currentPath = ""

	host, port := c.host, c.port
	if c.proxyHost != "" {
		host, port = c.proxyHost, c.proxyPort
	}

	if err := c.openControlConnection(host, port, false); err != nil {
		return err
	}
	c.events.InfoMessage(fmt.Sprintf("Connected to host %s", c.host))

	if mode != loginDeferred {
		if err := c.login(); err != nil {
			return err
		}
		c.loggedOn = true
	}

	c.textMode = c.settings.TextMode
	c.events.Connected()
	return nil
}

// openControlConnection dials the server, reads the greeting and upgrades
// the control channel with AUTH TLS. When the TLS handshake fails on a
// certificate problem the user is asked whether to continue; on Continue the
// whole procedure is repeated with verification disabled, and that choice
// also applies to data connections of this session.
func (c *Client) openControlConnection(host string, port int, ignoreTLSErrors bool) error {
	c.ignoreTLSErrors = ignoreTLSErrors
	c.closeControlConnection()

	if port == 0 {
		port = defaultPort
	}

	dialer := *c.dialer
	dialer.Timeout = c.connectTimeout
	conn, err := dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return newError(ErrUnknownHost, fmt.Sprintf("%s: %v", host, err))
		}
		return newError(ErrCouldNotConnect, fmt.Sprintf("%s: %v", host, err))
	}
	c.control = &deadlineConn{Conn: conn, timeout: c.readTimeout}
	c.reader = bufio.NewReader(c.control)

	reply, err := c.readControlReply()
	if err != nil || reply.Type != 2 {
		msg := host
		if err == nil && reply.Text != "" {
			msg = fmt.Sprintf("%s.\n\nReason: %s", host, reply.Text)
		}
		c.closeControlConnection()
		return newError(ErrCouldNotConnect, msg)
	}

	// AUTH TLS goes out before the channel is encrypted.
	if err := c.sendCmd("AUTH TLS"); err != nil || c.last.Code != 234 {
		perr := c.protocolError(ErrSlaveDefined,
			"The FTP server does not seem to support ftps-encryption.", "AUTH TLS")
		c.closeControlConnection()
		return perr
	}

	config := c.tlsBase.Clone()
	if config.ServerName == "" {
		config.ServerName = c.host
	}
	if config.ClientSessionCache == nil {
		// Lets the data channel resume the control channel's TLS session.
		config.ClientSessionCache = tls.NewLRUClientSessionCache(4)
	}
	if ignoreTLSErrors {
		config.InsecureSkipVerify = true
	}

	tlsConn := tls.Client(conn, config)
	conn.SetDeadline(time.Now().Add(c.connectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		c.logger.Debug("control TLS handshake failed", "err", err)
		c.closeControlConnection()

		if !ignoreTLSErrors && c.acceptTLSError(err) {
			return c.openControlConnection(host, port, true)
		}
		return newError(ErrSlaveDefined, "TLS Handshake Error.")
	}
	conn.SetDeadline(time.Time{})

	c.tlsActive = config
	c.control = &deadlineConn{Conn: tlsConn, timeout: c.readTimeout}
	c.reader = bufio.NewReader(c.control)
	return nil
}

// acceptTLSError shows the certificate problem behind a failed handshake to
// the user. Self-signed certificates are common enough that this is a normal
// part of connecting. Only verification failures are negotiable.
func (c *Client) acceptTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if !errors.As(err, &certErr) {
		return false
	}
	return c.events.WarnContinueCancel(certErr.Err.Error(), "TLS Handshake Error")
}

// login drives the USER/PASS exchange, prompting through the host when the
// server rejects the credentials. On success the IIS listing style is
// normalized, the auto-login macro runs and the initial path is captured.
func (c *Client) login() error {
	c.events.InfoMessage("Sending login information")

	user, pass := c.user, c.pass
	if c.settings.EnableAutoLogin {
		if au := c.settings.AutoLoginUser; au != "" {
			user = au
			pass = c.settings.AutoLoginPass
		}
	}
	if user == "" && pass == "" {
		user = anonymousUser
		pass = anonymousPass
	}

	info := AuthInfo{Host: c.host}
	if c.port > 0 && c.port != defaultPort {
		info.Port = c.port
	}
	info.Username = user

	loggedIn := false
	failedAuth := 0
	for attempt := 0; attempt < maxLoginAttempts && !loggedIn; attempt++ {
		// Prompt if the previous attempt failed, or if the host named a
		// user but gave no password.
		if failedAuth > 0 || (user != "" && pass == "") {
			c.logger.Debug("prompting user for login info")

			var errMsg string
			if failedAuth > 0 {
				errMsg = fmt.Sprintf("Message sent:\nLogin using username=%s and "+
					"password=[hidden]\n\nServer replied:\n%s\n\n", user, c.last.Text)
			}

			if user != anonymousUser {
				info.Username = user
			}
			info.Prompt = "You need to supply a username and a password to access this site."
			info.CommentLabel = "Site:"
			info.Comment = c.host
			info.KeepPassword = true
			info.ReadOnly = c.user != "" && c.user != anonymousUser

			if c.settings.DisablePassDlg || !c.events.OpenPasswordDialog(&info, errMsg) {
				return newError(ErrUserCanceled, c.host)
			}
			user = info.Username
			pass = info.Password
		}

		userCmd := "USER " + user
		if c.proxyHost != "" {
			userCmd += "@" + c.host
			if c.port > 0 && c.port != defaultPort {
				userCmd += ":" + strconv.Itoa(c.port)
			}
		}
		c.logger.Debug("sending login name", "user", user)

		err := c.sendCmd(userCmd)
		loggedIn = err == nil && c.last.Code == 230
		needPass := err == nil && c.last.Code == 331
		if !loggedIn && !needPass {
			c.logger.Debug("login failed", "reply", c.last.Text)
			failedAuth++
			continue
		}

		if needPass {
			c.logger.Debug("sending login password")
			err = c.sendCmd("pass " + pass)
			loggedIn = err == nil && c.last.Code == 230
		}

		if loggedIn {
			// Never cache the anonymous default.
			if user != anonymousUser && pass != anonymousPass {
				info.Username = user
				info.Password = pass
				c.events.CacheAuth(info)
			}
		} else {
			failedAuth++
		}
	}
	if !loggedIn {
		return newError(ErrCouldNotLogin, fmt.Sprintf("Could not login to %s.", c.host))
	}

	c.logger.Debug("login OK")
	c.events.InfoMessage("Login OK")

	// If this is IIS, switch the directory listing style to Unix.
	if err := c.sendCmd("SYST"); err == nil && c.last.Type == 2 {
		if strings.HasPrefix(c.last.Text, "215 Windows_NT") {
			c.sendCmd("site dirstyle")
			if strings.HasPrefix(c.last.Text, "200 MSDOS-like directory output is on") {
				// It was in Unix style already, toggle it back.
				c.sendCmd("site dirstyle")
			}
			// Windows servers do not support chmod.
			c.caps |= capChmodUnknown
		}
	} else {
		c.logger.Warn("SYST failed")
	}

	if c.settings.EnableAutoLoginMacro {
		c.autoLoginMacro()
	}

	c.logger.Debug("searching for pwd")
	if err := c.sendCmd("PWD"); err != nil || c.last.Type != 2 {
		c.logger.Debug("couldn't issue pwd command")
		return newError(ErrCouldNotLogin, fmt.Sprintf("Could not login to %s.", c.host))
	}

	// The reply is typically `257 "/home/user" is current directory`.
	text := c.last.Tail(3)
	begin := strings.IndexByte(text, '"')
	end := strings.LastIndexByte(text, '"')
	if begin > 0 && begin < end {
		c.initialPath = text[begin+1 : end]
		if !strings.HasPrefix(c.initialPath, "/") {
			c.initialPath = "/" + c.initialPath
		}
		c.logger.Debug("initial path", "path", c.initialPath)
		c.currentPath = c.initialPath
	}
	return nil
}

// autoLoginMacro runs the cwd directives of the macro's init block. Other
// directives are ignored.
func (c *Client) autoLoginMacro() {
	macro := c.meta.AutoLoginMacro
	if macro == "" {
		return
	}

	for _, line := range strings.Split(macro, "\n") {
		if !strings.HasPrefix(line, "init") {
			continue
		}

		first := true
		for _, part := range strings.Split(macro, "\\") {
			if part == "" {
				continue
			}
			if first {
				// the macro name
				first = false
				continue
			}
			if strings.HasPrefix(part, "cwd") {
				var arg string
				if len(part) > 4 {
					arg = strings.TrimSpace(part[4:])
				}
				c.folder(arg)
			}
		}
		break
	}
}

// CloseConnection sends QUIT if logged on and tears down both channels.
// Safe to call at any time, including when nothing is open.
func (c *Client) CloseConnection() {
	if c.control != nil || c.data != nil {
		c.logger.Debug("closeConnection", "loggedOn", c.loggedOn, "busy", c.busy)
	}

	if c.busy {
		// closeCommand was never called for the current transfer
		c.logger.Warn("abandoned data stream")
		c.closeDataConnection()
	}

	if c.loggedOn {
		if err := c.sendCmdRetry("quit", 0); err != nil || c.last.Type != 2 {
			c.logger.Warn("QUIT returned error", "code", c.last.Code)
		}
	}

	c.closeDataConnection()
	c.closeControlConnection()
}

// closeControlConnection drops the control channel and resets every state
// bit that depends on it.
func (c *Client) closeControlConnection() {
	c.caps = 0
	if c.control != nil {
		c.control.Close()
		c.control = nil
	}
	c.reader = nil
	c.tlsActive = nil
	c.dataMode = 0
	c.loggedOn = false
	c.textMode = false
	c.busy = false
}

func (c *Client) closeDataConnection() {
	if c.data != nil {
		c.data.Close()
		c.data = nil
	}
}
