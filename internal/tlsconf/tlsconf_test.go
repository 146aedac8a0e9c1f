package tlsconf

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	a, err := deriveKey("correct horse")
	require.NoError(t, err)
	b, err := deriveKey("correct horse")
	require.NoError(t, err)
	c, err := deriveKey("battery staple")
	require.NoError(t, err)

	assert.Equal(t, 0, a.D.Cmp(b.D))
	assert.NotEqual(t, 0, a.D.Cmp(c.D))

	_, err = deriveKey("")
	assert.Error(t, err)
}

// handshake runs a TLS handshake over loopback TCP.
func handshake(t *testing.T, serverPass, clientPass string) error {
	t.Helper()
	srvCfg, err := ServerConfig(serverPass)
	require.NoError(t, err)
	cliCfg, err := ClientConfig(clientPass)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.(*tls.Conn).Handshake()
	}()

	c, err := tls.Dial("tcp", ln.Addr().String(), cliCfg)
	if err != nil {
		return err
	}
	return c.Close()
}

func TestHandshake_SamePassphrase(t *testing.T) {
	assert.NoError(t, handshake(t, "shared secret", "shared secret"))
}

func TestHandshake_DifferentPassphrase(t *testing.T) {
	err := handshake(t, "relay secret", "client guess")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match passphrase")
}
