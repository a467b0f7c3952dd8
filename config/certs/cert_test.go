package certs

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, "localhost"))

	serverCfg, err := LoadServerTLSConfig(ServerPaths(dir))
	require.NoError(t, err)
	clientCfg, err := LoadClientTLSConfig(ClientPaths(dir), "localhost")
	require.NoError(t, err)

	lis, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer lis.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		accepted <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", lis.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, <-accepted)
	require.Equal(t, "localhost", conn.ConnectionState().PeerCertificates[0].Subject.CommonName)
}

func TestServerRejectsClientWithoutCertificate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir))
	serverCfg, err := LoadServerTLSConfig(ServerPaths(dir))
	require.NoError(t, err)

	clientCfg, err := LoadClientTLSConfig(ClientPaths(dir), "localhost")
	require.NoError(t, err)
	clientCfg.Certificates = nil

	lis, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	raw, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	conn := tls.Client(raw, clientCfg)
	err = conn.Handshake()
	if err == nil {
		// TLS 1.3 reports the missing certificate on the first read.
		_, err = conn.Read(make([]byte, 1))
	}
	require.Error(t, err)
}

func TestLoadMissingFiles(t *testing.T) {
	_, err := LoadServerTLSConfig(ServerPaths(t.TempDir()))
	require.Error(t, err)
}
