package tls

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	c, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"tor.local", "127.0.0.1"}, MinVersion: "1.3"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.EqualValues(t, 0x0304, c.MinVersion)

	cert, err := c.GetCertificate(nil)
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	b, err := os.ReadFile(filepath.Join(dir, certName))
	require.NoError(t, err)
	blk, _ := pem.Decode(b)
	require.NotNil(t, blk)
	x, err := x509.ParseCertificate(blk.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"tor.local"}, x.DNSNames)
	require.Len(t, x.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", x.IPAddresses[0].String())

	st, err := os.Stat(filepath.Join(dir, keyName))
	require.NoError(t, err)
	if st.Mode().Perm()&0o077 != 0 && os.PathSeparator == '/' {
		t.Fatalf("key file too permissive: %v", st.Mode())
	}

	// existing files are reused
	before, _ := os.ReadFile(filepath.Join(dir, certName))
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, certName))
	assert.Equal(t, before, after)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSigned(cert, key, nil, 1))
	c, err := Setup(Config{Enabled: true, CertFile: cert, KeyFile: key})
	require.NoError(t, err)
	assert.EqualValues(t, 0x0303, c.MinVersion)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(Config{Enabled: true})
	assert.Error(t, err)
	_, err = Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err, "missing files without auto_generate")
	_, err = Setup(Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.Error(t, err)
}
