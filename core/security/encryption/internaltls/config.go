// Package internaltls builds throwaway in-memory TLS configurations for
// tests that run gRPC over TLS without touching the filesystem.
package internaltls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"
)

// ServerName is the name the generated server certificate is valid for.
const ServerName = "localhost"

// Pair is a matching server and client configuration.
type Pair struct {
	Server *tls.Config
	Client *tls.Config
}

// NewPair returns a self-signed server certificate trusted by the client.
func NewPair() (Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Pair{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{Organization: []string{"gojotx test"}, CommonName: ServerName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{ServerName},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return Pair{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return Pair{}, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return Pair{
		Server: &tls.Config{
			Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
			MinVersion:   tls.VersionTLS12,
		},
		Client: &tls.Config{
			RootCAs:    pool,
			ServerName: ServerName,
			MinVersion: tls.VersionTLS12,
		},
	}, nil
}
