// Package config loads the worker configuration and decodes the per-request
// metadata the host attaches to operations.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	ftps "ftpsworker"
)

// Config is the static worker configuration.
//
// Sources, in order of precedence: environment variables (FTPSWORKER_*),
// the configuration file, built-in defaults. All keys are case-insensitive.
type Config struct {
	// Session settings handed to the protocol engine.
	TextMode             bool   `mapstructure:"textmode"`
	EnableAutoLogin      bool   `mapstructure:"enableautologin"`
	AutoLoginUser        string `mapstructure:"autologinuser"`
	AutoLoginPass        string `mapstructure:"autologinpass"`
	DisablePassDlg       bool   `mapstructure:"disablepassdlg"`
	DisablePassiveMode   bool   `mapstructure:"disablepassivemode"`
	DisableEPSV          bool   `mapstructure:"disableepsv"`
	EnableAutoLoginMacro bool   `mapstructure:"enableautologinmacro"`
	MarkPartial          bool   `mapstructure:"markpartial"`
	MinimumKeepSize      int64  `mapstructure:"minimumkeepsize"`

	// ConnectTimeout bounds dials, TLS handshakes and active-mode accepts.
	ConnectTimeout time.Duration `mapstructure:"connecttimeout"`

	// ReadTimeout bounds individual reads on the control and data channels.
	ReadTimeout time.Duration `mapstructure:"readtimeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"loglevel"`

	// LogFormat is text or json.
	LogFormat string `mapstructure:"logformat"`

	// MetricsAddr is the listen address of the Prometheus endpoint;
	// empty disables it.
	MetricsAddr string `mapstructure:"metricsaddr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MarkPartial:     true,
		MinimumKeepSize: 5000,
		ConnectTimeout:  20 * time.Second,
		ReadTimeout:     15 * time.Minute,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads the configuration from path, falling back to defaults when the
// file does not exist. Environment variables with the FTPSWORKER_ prefix
// override file values, e.g. FTPSWORKER_LOGLEVEL=debug.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FTPSWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("markpartial", defaults.MarkPartial)
	v.SetDefault("minimumkeepsize", defaults.MinimumKeepSize)
	v.SetDefault("connecttimeout", defaults.ConnectTimeout)
	v.SetDefault("readtimeout", defaults.ReadTimeout)
	v.SetDefault("loglevel", defaults.LogLevel)
	v.SetDefault("logformat", defaults.LogFormat)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Settings extracts the engine's configuration snapshot.
func (c *Config) Settings() ftps.Settings {
	return ftps.Settings{
		TextMode:             c.TextMode,
		EnableAutoLogin:      c.EnableAutoLogin,
		AutoLoginUser:        c.AutoLoginUser,
		AutoLoginPass:        c.AutoLoginPass,
		DisablePassDlg:       c.DisablePassDlg,
		DisablePassiveMode:   c.DisablePassiveMode,
		DisableEPSV:          c.DisableEPSV,
		EnableAutoLoginMacro: c.EnableAutoLoginMacro,
		MarkPartial:          c.MarkPartial,
		MinimumKeepSize:      c.MinimumKeepSize,
	}
}

// metadataFields mirrors ftps.Metadata with the key names the host uses on
// the wire.
type metadataFields struct {
	UseProxy       string `mapstructure:"UseProxy"`
	AutoLoginMacro string `mapstructure:"autoLoginMacro"`
	StatSide       string `mapstructure:"statSide"`
	Details        int    `mapstructure:"details"`
	Resume         int64  `mapstructure:"resume"`
}

// ParseMetadata decodes the per-request metadata map. Values arrive as
// strings, so numeric fields are converted leniently. A missing details key
// means the host wants a full stat answer.
func ParseMetadata(meta map[string]string) (ftps.Metadata, error) {
	var fields metadataFields
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &fields,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return ftps.Metadata{}, err
	}
	if err := decoder.Decode(meta); err != nil {
		return ftps.Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}

	result := ftps.Metadata{
		UseProxy:       fields.UseProxy,
		AutoLoginMacro: fields.AutoLoginMacro,
		StatSide:       fields.StatSide,
		Details:        fields.Details,
		Resume:         fields.Resume,
	}
	if _, ok := meta["details"]; !ok {
		result.Details = 2
	}
	return result, nil
}
