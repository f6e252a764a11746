package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertFiles points at a freshly generated PKI: one CA signing a server certificate for
// 127.0.0.1/localhost and a client certificate.
type CertFiles struct {
	CA        string
	Cert      string
	Key       string
	ServerTLS *tls.Config // requires and verifies client certificates
}

// GenerateCerts writes ca.pem, client.pem.crt and client.pem.key into dir.
func GenerateCerts(dir string) (CertFiles, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return CertFiles{}, fmt.Errorf("ca key: %w", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mqttload test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDer, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return CertFiles{}, fmt.Errorf("ca cert: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDer)
	if err != nil {
		return CertFiles{}, fmt.Errorf("parse ca: %w", err)
	}

	serverPair, err := leaf(caCert, caKey, 2, "localhost", x509.ExtKeyUsageServerAuth)
	if err != nil {
		return CertFiles{}, err
	}
	clientPair, err := leaf(caCert, caKey, 3, "mqttload-client", x509.ExtKeyUsageClientAuth)
	if err != nil {
		return CertFiles{}, err
	}

	files := CertFiles{
		CA:   filepath.Join(dir, "ca.pem"),
		Cert: filepath.Join(dir, "client.pem.crt"),
		Key:  filepath.Join(dir, "client.pem.key"),
	}
	if err := writePem(files.CA, "CERTIFICATE", caDer); err != nil {
		return CertFiles{}, err
	}
	if err := writePem(files.Cert, "CERTIFICATE", clientPair.Certificate[0]); err != nil {
		return CertFiles{}, err
	}
	keyDer, err := x509.MarshalECPrivateKey(clientPair.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return CertFiles{}, fmt.Errorf("marshal client key: %w", err)
	}
	if err := writePem(files.Key, "EC PRIVATE KEY", keyDer); err != nil {
		return CertFiles{}, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	files.ServerTLS = &tls.Config{
		Certificates: []tls.Certificate{serverPair},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	return files, nil
}

func leaf(ca *x509.Certificate, caKey *ecdsa.PrivateKey, serial int64, cn string, usage x509.ExtKeyUsage) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%s key: %w", cn, err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	if usage == x509.ExtKeyUsageServerAuth {
		tmpl.DNSNames = []string{"localhost"}
		tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%s cert: %w", cn, err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func writePem(path, kind string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
