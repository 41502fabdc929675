package pgstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
)

// sslResponse is the single byte the server answers an SSLRequest with:
// 'S' to proceed with TLS, 'N' to continue in the clear.
type sslResponse byte

const (
	sslAccepted sslResponse = 'S'
	sslDeclined sslResponse = 'N'
)

// dial opens the transport for a connection: a TCP socket to Host:Port, or
// a Unix-domain socket at Socket when one is configured. Unix sockets skip
// SSL negotiation entirely.
func dial(ctx context.Context, cfg *Config) (net.Conn, error) {
	dialer := &net.Dialer{}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	if cfg.Socket != "" {
		return dialer.DialContext(ctx, "unix", cfg.Socket)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if cfg.SSLMode < SSLPrefer {
		return conn, nil
	}

	return negotiateSSL(conn, cfg)
}

// negotiateSSL writes an SSLRequest and, depending on the server's answer
// and the configured SSLMode, either upgrades the connection with
// tls.Client or falls back to (or fails on) a plaintext connection.
func negotiateSSL(conn net.Conn, cfg *Config) (net.Conn, error) {
	writer := buffer.NewWriter(slog.Default(), conn)
	writer.StartUntyped()
	writer.AddInt32(int32(types.VersionSSLRequest))
	if err := writer.EndUntyped(); err != nil {
		conn.Close()
		return nil, err
	}

	answer := make([]byte, 1)
	if _, err := conn.Read(answer); err != nil {
		conn.Close()
		return nil, err
	}

	switch sslResponse(answer[0]) {
	case sslAccepted:
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}

		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			conn.Close()
			return nil, err
		}

		return tlsConn, nil
	case sslDeclined:
		if cfg.SSLMode >= SSLRequire {
			conn.Close()
			return nil, fmt.Errorf("server declined SSL but SSLMode requires it")
		}

		return conn, nil
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected SSLRequest answer %q", answer[0])
	}
}

// buildTLSConfig constructs the *tls.Config matching cfg's SSLMode and
// certificate settings.
func buildTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: cfg.Host,
	}

	switch cfg.SSLMode {
	case SSLAllow, SSLPrefer:
		tlsConfig.InsecureSkipVerify = true
	case SSLRequire:
		tlsConfig.InsecureSkipVerify = true
	case SSLVerifyCA:
		tlsConfig.InsecureSkipVerify = true
		pool, err := loadRootCertPool(cfg.SSLRootCert)
		if err != nil {
			return nil, err
		}
		tlsConfig.VerifyPeerCertificate = verifyCAOnly(pool)
	case SSLVerifyFull:
		pool, err := loadRootCertPool(cfg.SSLRootCert)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.SSLMode == SSLVerifyFull && cfg.SSLHostnameVerifier != nil {
		verify := cfg.SSLHostnameVerifier
		host := cfg.Host
		chainVerify := verifyCAOnly(tlsConfig.RootCAs)
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, chains [][]*x509.Certificate) error {
			if err := chainVerify(rawCerts, chains); err != nil {
				return err
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			return verify(host, cert)
		}
	}

	if cfg.SSLCert != "" && cfg.SSLKey != "" {
		cert, err := loadClientCertificate(cfg.SSLCert, cfg.SSLKey, cfg.SSLPassword)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// loadClientCertificate reads the client certificate/key pair, decrypting a
// passphrase-protected PEM key when a password is configured.
func loadClientCertificate(certPath, keyPath, password string) (tls.Certificate, error) {
	if password == "" {
		return tls.LoadX509KeyPair(certPath, keyPath)
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM block found in %s", keyPath)
	}

	der, err := x509.DecryptPEMBlock(block, []byte(password))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypting SSLKey: %w", err)
	}

	return tls.X509KeyPair(certPEM, pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}))
}

func loadRootCertPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return x509.SystemCertPool()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading SSLRootCert: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}

	return pool, nil
}

// verifyCAOnly verifies the certificate chain against roots without
// checking the hostname, matching SSLVerifyCA's relaxed guarantee.
func verifyCAOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no certificate presented by server")
		}

		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}

		_, err = cert.Verify(x509.VerifyOptions{Roots: roots})
		return err
	}
}

