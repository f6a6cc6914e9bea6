package msrp

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
)

// LoadOrGenerateCertificate loads the PEM pair at certFile/keyFile. When
// either file is missing a self-signed pair is generated and, if both paths
// are set, written there so restarts keep the same identity.
func LoadOrGenerateCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" && fileExists(certFile) && fileExists(keyFile) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load msrp certificate: %w", err)
		}
		return cert, nil
	}

	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate msrp certificate: %w", err)
	}

	if certFile == "" || keyFile == "" {
		slog.Warn("using ephemeral self-signed msrp certificate")
		return cert, nil
	}

	if err := writeKeyPair(cert, certFile, keyFile); err != nil {
		return tls.Certificate{}, err
	}
	slog.Info("generated self-signed msrp certificate", "cert", certFile, "key", keyFile)
	return cert, nil
}

func writeKeyPair(cert tls.Certificate, certFile, keyFile string) error {
	if len(cert.Certificate) == 0 {
		return errors.New("generated certificate is empty")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to encode msrp private key: %w", err)
	}

	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", certFile, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyFile, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// clientTLSConfig does not verify the peer: MSRP endpoints are authenticated
// by the fingerprint exchanged in signaling, which is outside this engine.
func clientTLSConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}
