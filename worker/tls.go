package worker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

var errNoCertificates = errors.New("no PEM certificates found")

// NewTlsConfig builds a client config for mutual TLS. The broker is verified against caFile only.
func NewTlsConfig(caFile, clientCertFile, clientKeyFile string) (*tls.Config, error) {
	certpool := x509.NewCertPool()
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, &CertificateLoadError{File: caFile, Err: err}
	}
	if !certpool.AppendCertsFromPEM(ca) {
		return nil, &CertificateLoadError{File: caFile, Err: errNoCertificates}
	}
	// Read them one by one so the error names the file that is broken.
	certPem, err := os.ReadFile(clientCertFile)
	if err != nil {
		return nil, &CertificateLoadError{File: clientCertFile, Err: err}
	}
	keyPem, err := os.ReadFile(clientKeyFile)
	if err != nil {
		return nil, &CertificateLoadError{File: clientKeyFile, Err: err}
	}
	clientKeyPair, err := tls.X509KeyPair(certPem, keyPem)
	if err != nil {
		return nil, &CertificateLoadError{File: clientCertFile, Err: err}
	}
	return &tls.Config{
		RootCAs:            certpool,
		InsecureSkipVerify: false,
		Certificates:       []tls.Certificate{clientKeyPair},
		MinVersion:         tls.VersionTLS12,
	}, nil
}
