package pgstream

import (
	"crypto/x509"
	"time"
)

// SSLMode controls whether and how the connection negotiates TLS, following
// the same progressively-stricter ladder libpq exposes.
type SSLMode int

const (
	// SSLDisable never attempts TLS; no SSLRequest is sent.
	SSLDisable SSLMode = iota
	// SSLAllow connects in plaintext without sending an SSLRequest. If the
	// server rejects a plaintext connection, no TLS attempt follows.
	SSLAllow
	// SSLPrefer sends SSLRequest and upgrades when the server agrees, but
	// falls back to plaintext when the server declines.
	SSLPrefer
	// SSLRequire demands TLS but performs no certificate verification.
	SSLRequire
	// SSLVerifyCA demands TLS and verifies the server certificate against
	// SSLRootCert, without checking the hostname.
	SSLVerifyCA
	// SSLVerifyFull demands TLS, verifies the certificate chain, and checks
	// the server hostname against the certificate.
	SSLVerifyFull
)

// Config carries every connection-time setting exposed by this driver. It is
// populated by functional [Option] values.
type Config struct {
	Host        string
	Port        int
	Socket      string
	Username    string
	Password    string
	Database    string
	Schema      string
	Options     map[string]string

	ApplicationName      string
	AutodetectExtensions bool
	ForceBinary          bool
	ConnectTimeout       time.Duration

	SSLMode             SSLMode
	SSLCert             string
	SSLKey              string
	SSLRootCert         string
	SSLPassword         string
	SSLHostnameVerifier func(host string, cert *x509.Certificate) error

	StatementCacheLimit int // 0 disables the cache, <0 is unbounded, >0 is a BoundedLRU capacity
}

// Option configures a [Config].
type Option func(*Config)

// defaultConfig returns the Config populated with this driver's defaults:
// ApplicationName "pgstream", AutodetectExtensions true, Port 5432,
// SSLMode Disable.
func defaultConfig() *Config {
	return &Config{
		Port:                 5432,
		ApplicationName:      "pgstream",
		AutodetectExtensions: true,
		SSLMode:              SSLDisable,
		Options:              map[string]string{},
	}
}

// WithHost sets the target host for a TCP connection.
func WithHost(host string) Option {
	return func(c *Config) { c.Host = host }
}

// WithPort sets the target port for a TCP connection.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithSocket switches the transport to a Unix-domain socket at the given
// path. SSL negotiation is skipped entirely for this transport.
func WithSocket(path string) Option {
	return func(c *Config) { c.Socket = path }
}

// WithCredentials sets the username and password presented during
// authentication negotiation.
func WithCredentials(username, password string) Option {
	return func(c *Config) {
		c.Username = username
		c.Password = password
	}
}

// WithDatabase selects the database named in the startup message.
func WithDatabase(database string) Option {
	return func(c *Config) { c.Database = database }
}

// WithSchema issues `SET SEARCH_PATH` once the connection is ready.
func WithSchema(schema string) Option {
	return func(c *Config) { c.Schema = schema }
}

// WithApplicationName overrides the default `application_name` startup
// parameter.
func WithApplicationName(name string) Option {
	return func(c *Config) { c.ApplicationName = name }
}

// WithStartupOption adds an arbitrary key/value pair to the startup message's
// connection parameters.
func WithStartupOption(key, value string) Option {
	return func(c *Config) { c.Options[key] = value }
}

// WithAutodetectExtensions toggles whether the codec registry queries
// pg_type for extension OIDs it does not recognize out of the box.
func WithAutodetectExtensions(enabled bool) Option {
	return func(c *Config) { c.AutodetectExtensions = enabled }
}

// WithForceBinary requests binary result format for every column of every
// bound portal and encodes parameters in binary. Without it, every column
// and parameter uses text format; there is no per-column format choice.
func WithForceBinary(enabled bool) Option {
	return func(c *Config) { c.ForceBinary = enabled }
}

// WithConnectTimeout bounds how long [Connect] may block dialing the
// transport. The TLS handshake and the startup/authentication exchange are
// not covered by it.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithSSLMode selects the TLS negotiation strategy.
func WithSSLMode(mode SSLMode) Option {
	return func(c *Config) { c.SSLMode = mode }
}

// WithSSLCert configures the client certificate/key pair presented during
// TLS negotiation.
func WithSSLCert(cert, key string) Option {
	return func(c *Config) {
		c.SSLCert = cert
		c.SSLKey = key
	}
}

// WithSSLRootCert configures the CA bundle used to verify the server
// certificate under SSLVerifyCA/SSLVerifyFull.
func WithSSLRootCert(path string) Option {
	return func(c *Config) { c.SSLRootCert = path }
}

// WithSSLPassword configures the passphrase protecting SSLKey, if any.
func WithSSLPassword(password string) Option {
	return func(c *Config) { c.SSLPassword = password }
}

// WithSSLHostnameVerifier overrides the default hostname verification used
// under SSLVerifyFull.
func WithSSLHostnameVerifier(verify func(host string, cert *x509.Certificate) error) Option {
	return func(c *Config) { c.SSLHostnameVerifier = verify }
}

// WithStatementCache selects the statement cache strategy: limit == 0
// disables caching, limit < 0 is unbounded, limit > 0 is a BoundedLRU of
// that capacity.
func WithStatementCache(limit int) Option {
	return func(c *Config) { c.StatementCacheLimit = limit }
}
