package ftps

import (
	"crypto/tls"
	"log/slog"
	"net"
	"time"
)

// Settings mirrors the worker configuration keys the engine consumes.
// The zero value is usable; DefaultSettings fills in the documented defaults.
type Settings struct {
	TextMode             bool
	EnableAutoLogin      bool
	AutoLoginUser        string
	AutoLoginPass        string
	DisablePassDlg       bool
	DisablePassiveMode   bool
	DisableEPSV          bool
	EnableAutoLoginMacro bool
	MarkPartial          bool
	MinimumKeepSize      int64
}

// DefaultSettings returns the stock worker configuration.
func DefaultSettings() Settings {
	return Settings{
		MarkPartial:     true,
		MinimumKeepSize: 5000,
	}
}

// Metadata carries the per-request hints the host attaches to an operation.
type Metadata struct {
	// UseProxy is an ftp:// proxy URL; other schemes are ignored.
	UseProxy string

	// AutoLoginMacro is the raw macro text; only cwd directives of its
	// init block are honored.
	AutoLoginMacro string

	// StatSide is "source" when the host stats the source of a transfer.
	StatSide string

	// Details selects how much of a stat entry to fill in (0 = type only).
	Details int

	// Resume is a download offset requested by the host.
	Resume int64
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithLogger enables debug logging using the provided logger.
// Every control-channel line is logged at debug level; password values
// are redacted.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithEvents sets the upcall sink for session and transfer events.
func WithEvents(events Events) Option {
	return func(c *Client) error {
		c.events = events
		return nil
	}
}

// WithSettings replaces the engine's configuration snapshot.
func WithSettings(s Settings) Option {
	return func(c *Client) error {
		c.settings = s
		return nil
	}
}

// WithConnectTimeout bounds dials, TLS handshakes and active-mode accepts.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.connectTimeout = d
		return nil
	}
}

// WithReadTimeout bounds individual reads and writes on both channels.
// A timeout while waiting for a control reply is handled like a 421.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.readTimeout = d
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing connections.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		c.dialer = dialer
		return nil
	}
}

// WithTLSConfig sets the base TLS configuration used for the control and
// data channels. ServerName and InsecureSkipVerify are filled in by the
// session controller; a ClientSessionCache is added if not present so that
// data connections can resume the control connection's TLS session.
func WithTLSConfig(config *tls.Config) Option {
	return func(c *Client) error {
		if config == nil {
			config = &tls.Config{}
		}
		c.tlsBase = config
		return nil
	}
}
