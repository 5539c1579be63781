package agent

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cluvio/agent/pkg/sealedbox"
)

// ConfigFileName is the file looked up in the well-known locations when no
// config path is given on the command line.
const ConfigFileName = "cluvio-agent.toml"

// EnvPrefix is the prefix of environment variables overriding file
// configuration.
const EnvPrefix = "CLUVIO_AGENT_"

const (
	defaultPort           = 443
	defaultConnectTimeout = 30 * time.Second
	defaultPingFrequency  = 60 * time.Second
	defaultMaxConnections = 1000
)

// Duration is a time.Duration that decodes from humane strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) value() time.Duration {
	return time.Duration(d)
}

// Config is the agent configuration.
//
// AllowedAddresses populates both allow-lists; AllowedExternal and
// AllowedInternal override it per direction. Server and ControlServer are
// two names for the same table; exactly one must be present.
type Config struct {
	SecretKey        sealedbox.SecretKey `toml:"secret-key"`
	ConnectTimeout   Duration            `toml:"connect-timeout"`
	PingFrequency    Duration            `toml:"ping-frequency"`
	AllowedAddresses []Network           `toml:"allowed-addresses"`
	AllowedExternal  []Network           `toml:"allowed-external"`
	AllowedInternal  []Network           `toml:"allowed-internal"`
	MaxConnections   int                 `toml:"max-connections"`
	Server           *ServerConfig       `toml:"server"`
	ControlServer    *ServerConfig       `toml:"control-server"`

	// Canonical allow-lists, derived by normalise.
	External []Network `toml:"-"`
	Internal []Network `toml:"-"`
}

// ServerConfig describes the gateway endpoint.
type ServerConfig struct {
	Host  string `toml:"host"`
	Port  uint16 `toml:"port"`
	Trust string `toml:"trust"`

	trust []*x509.Certificate
}

// TrustedCertificates returns the extra trust anchors from the config, if
// any.
func (s *ServerConfig) TrustedCertificates() []*x509.Certificate {
	return s.trust
}

// ReadConfig reads the TOML configuration at path, applies CLUVIO_AGENT_*
// overrides from environ, then validates the result.
func ReadConfig(path string, environ []string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	md, err := toml.Decode(string(buf), &c)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if un := md.Undecoded(); len(un) != 0 {
		return nil, fmt.Errorf("parse %s: unknown key %q", path, un[0].String())
	}
	if err := c.applyEnv(environ); err != nil {
		return nil, err
	}
	if err := c.normalise(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnv overrides config values from CLUVIO_AGENT_* environment
// variables. List values are comma-separated.
func (c *Config) applyEnv(environ []string) error {
	for _, e := range environ {
		k, v, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		var err error
		switch strings.TrimPrefix(k, EnvPrefix) {
		case "SECRET_KEY":
			err = c.SecretKey.UnmarshalText([]byte(v))
		case "CONNECT_TIMEOUT":
			err = c.ConnectTimeout.UnmarshalText([]byte(v))
		case "PING_FREQUENCY":
			err = c.PingFrequency.UnmarshalText([]byte(v))
		case "MAX_CONNECTIONS":
			c.MaxConnections, err = strconv.Atoi(v)
		case "ALLOWED_ADDRESSES":
			c.AllowedAddresses, err = parseNetworkList(v)
		case "ALLOWED_EXTERNAL":
			c.AllowedExternal, err = parseNetworkList(v)
		case "ALLOWED_INTERNAL":
			c.AllowedInternal, err = parseNetworkList(v)
		case "SERVER_HOST":
			if c.Server == nil {
				c.Server = new(ServerConfig)
			}
			c.Server.Host = v
		case "INSECURE_DEBUG_ADDR":
			// consumed by the binary, not the agent
		case "SERVER_PORT":
			if c.Server == nil {
				c.Server = new(ServerConfig)
			}
			var p uint64
			p, err = strconv.ParseUint(v, 10, 16)
			c.Server.Port = uint16(p)
		default:
			err = fmt.Errorf("unknown variable")
		}
		if err != nil {
			return fmt.Errorf("env %s: %w", k, err)
		}
	}
	return nil
}

func parseNetworkList(s string) ([]Network, error) {
	parts := strings.Split(s, ",")
	ns := make([]Network, 0, len(parts))
	for _, p := range parts {
		n, err := ParseNetwork(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return ns, nil
}

// normalise validates the configuration and fills in defaults and the
// canonical allow-lists.
func (c *Config) normalise() error {
	var zero [sealedbox.KeySize]byte
	if string(c.SecretKey.Bytes()) == string(zero[:]) {
		return errors.New("secret-key is required")
	}

	switch {
	case c.Server != nil && c.ControlServer != nil:
		return errors.New("server and control-server are mutually exclusive")
	case c.ControlServer != nil:
		c.Server, c.ControlServer = c.ControlServer, nil
	case c.Server == nil:
		return errors.New("server section is required")
	}
	if _, err := hostname(c.Server.Host); err != nil {
		return fmt.Errorf("server host %q is not a DNS name: %w", c.Server.Host, err)
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.Trust != "" {
		certs, err := parseCertificates(c.Server.Trust)
		if err != nil {
			return fmt.Errorf("server trust: %w", err)
		}
		c.Server.trust = certs
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if c.PingFrequency == 0 {
		c.PingFrequency = Duration(defaultPingFrequency)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}

	// An allow-list that is present must not be empty; whitelist checks
	// against an empty list would deny everything, which is never what a
	// configured list means.
	for _, l := range []struct {
		name string
		list []Network
	}{
		{"allowed-addresses", c.AllowedAddresses},
		{"allowed-external", c.AllowedExternal},
		{"allowed-internal", c.AllowedInternal},
	} {
		if l.list != nil && len(l.list) == 0 {
			return fmt.Errorf("%s must not be empty", l.name)
		}
	}

	c.External = firstNetworks(c.AllowedExternal, c.AllowedAddresses)
	c.Internal = firstNetworks(c.AllowedInternal, c.AllowedAddresses)
	return nil
}

func firstNetworks(lists ...[]Network) []Network {
	for _, l := range lists {
		if len(l) != 0 {
			return l
		}
	}
	return DefaultNetworks()
}

func parseCertificates(pemData string) ([]*x509.Certificate, error) {
	certs, err := decodePEMCertificates([]byte(pemData))
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate found")
	}
	return certs, nil
}

// FindConfig looks for the config file in the platform's well-known
// locations, returning the empty string if none exists.
func FindConfig() string {
	var candidates []string

	exe := func() {
		if p, err := os.Executable(); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(p), ConfigFileName))
		}
	}
	usr := func() {
		if runtime.GOOS == "darwin" {
			if home, err := os.UserHomeDir(); err == nil {
				candidates = append(candidates, filepath.Join(home, ConfigFileName))
			}
			return
		}
		if dir, err := os.UserConfigDir(); err == nil {
			candidates = append(candidates, filepath.Join(dir, ConfigFileName))
		}
	}

	switch runtime.GOOS {
	case "windows":
		usr()
		exe()
	default:
		exe()
		usr()
		candidates = append(candidates, filepath.Join("/etc", ConfigFileName))
	}

	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p
		}
	}
	return ""
}
