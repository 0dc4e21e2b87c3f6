package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-service/internal/config"
)

func TestDevCertGenerator_GeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	cert, err := gen.GenerateCert([]string{"guard.local", "127.0.0.1", ""})
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"guard.local"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
	assert.Equal(t, []string{"Guard Service Development"}, leaf.Subject.Organization)

	again, err := gen.GenerateCert([]string{"guard.local"})
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}

func TestDevCertGenerator_RegeneratesExpired(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)

	gen.now = func() time.Time { return time.Now().Add(devCertValidity + time.Hour) }
	second, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestTLSManager_SelfSignedOutsideProduction(t *testing.T) {
	cfg := &config.Config{
		Environment: "development",
		Server:      config.ServerConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir()},
	}
	m := NewTLSManager(cfg)
	assert.Nil(t, m.GetAutocertManager())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	require.NotNil(t, cert)

	same, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, same)

	tlsCfg := m.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
	assert.NotContains(t, tlsCfg.NextProtos, "acme-tls/1")
}

func TestTLSManager_ProductionWithoutCertificate(t *testing.T) {
	cfg := &config.Config{
		Environment: "production",
		Server:      config.ServerConfig{EnableTLS: true, Domain: "guard.example.com", AutoCertDir: t.TempDir()},
	}
	_, err := NewTLSManager(cfg).GetCertificate(&tls.ClientHelloInfo{ServerName: "guard.example.com"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestTLSManager_AutoCert(t *testing.T) {
	cfg := &config.Config{
		Environment: "production",
		Server: config.ServerConfig{
			EnableTLS:   true,
			AutoCert:    true,
			Domain:      "guard.example.com",
			AutoCertDir: t.TempDir(),
		},
	}
	m := NewTLSManager(cfg)
	require.NotNil(t, m.GetAutocertManager())
	assert.Contains(t, m.GetTLSConfig().NextProtos, "acme-tls/1")
}
