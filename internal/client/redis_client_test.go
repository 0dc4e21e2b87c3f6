package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guard-service/internal/config"
)

func TestRedisClient_CounterOperations(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c := WrapRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer c.Close()
	ctx := context.Background()

	n, err := c.Incr(ctx, "ad_bot:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := c.Expire(ctx, "ad_bot:a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := c.TTL(ctx, "ad_bot:a")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	v, err := c.Get(ctx, "ad_bot:a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = c.Get(ctx, "ad_bot:missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = c.Incr(ctx, "ad_bot:b")
	require.NoError(t, err)
	_, err = c.Incr(ctx, "other:c")
	require.NoError(t, err)

	var keys []string
	require.NoError(t, c.Scan(ctx, "ad_bot:*", 10, func(key string) error {
		keys = append(keys, key)
		return nil
	}))
	sort.Strings(keys)
	assert.Equal(t, []string{"ad_bot:a", "ad_bot:b"}, keys)

	require.NoError(t, c.Del(ctx, "ad_bot:a"))
	assert.False(t, mr.Exists("ad_bot:a"))
	require.NoError(t, c.HealthCheck(ctx))
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := &config.Config{Redis: config.RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 4}}
	c, err := NewRedisClient(cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, c.HealthCheck(context.Background()))

	cfg.Redis.URL = "not a url"
	_, err = NewRedisClient(cfg, zap.NewNop())
	assert.Error(t, err)
}

// writeTestPair writes a self-signed certificate and its key as PEM files.
func writeTestPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "redis.crt")
	keyFile = filepath.Join(dir, "redis.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestRedisTLSConfig_UsesConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestPair(t, dir)

	tlsCfg, err := redisTLSConfig(config.RedisConfig{
		TLSCAFile:   certFile,
		TLSCertFile: certFile,
		TLSKeyFile:  keyFile,
	})
	require.NoError(t, err)
	assert.Len(t, tlsCfg.Certificates, 1)
	assert.NotNil(t, tlsCfg.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
}

func TestRedisTLSConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestPair(t, dir)
	notPEM := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))

	tests := []struct {
		name string
		cfg  config.RedisConfig
		want string
	}{
		{"missing ca", config.RedisConfig{TLSCAFile: filepath.Join(dir, "nope.crt"), TLSCertFile: certFile, TLSKeyFile: keyFile}, "CA file"},
		{"ca not pem", config.RedisConfig{TLSCAFile: notPEM, TLSCertFile: certFile, TLSKeyFile: keyFile}, "CA cert"},
		{"missing key", config.RedisConfig{TLSCAFile: certFile, TLSCertFile: certFile, TLSKeyFile: filepath.Join(dir, "nope.key")}, "certificate/key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := redisTLSConfig(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewRedisClient_TLSFilesComeFromConfig(t *testing.T) {
	// the env var must not be consulted
	t.Setenv("REDIS_TLS_CA_FILE", "/does/not/matter.crt")

	cfg := &config.Config{Redis: config.RedisConfig{
		URL:       "rediss://127.0.0.1:1",
		PoolSize:  1,
		TLSCAFile: filepath.Join(t.TempDir(), "configured-ca.crt"),
	}}
	_, err := NewRedisClient(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured-ca.crt")
}

func TestExtractHostPort(t *testing.T) {
	assert.Equal(t, "ch:9000", extractHostPort("ch"))
	assert.Equal(t, "ch:9000", extractHostPort("http://ch"))
	assert.Equal(t, "ch:9440", extractHostPort("https://ch"))
	assert.Equal(t, "ch:9123", extractHostPort("https://ch:9123"))
	assert.Equal(t, "ch", extractHostname("https://ch:9123"))
}
