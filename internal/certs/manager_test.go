package certs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/keystore"
	"github.com/syncweave/securecore/internal/logging"
)

type fixture struct {
	manager *Manager
	bus     *events.Bus
	keys    *keystore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.NewDefault()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	keys := keystore.New(filepath.Join(t.TempDir(), "keystore.json"), log)
	require.NoError(t, keys.Initialize("test-master"))
	t.Cleanup(keys.Close)

	aud, err := audit.New(audit.Config{Dir: t.TempDir()}, bus, log)
	require.NoError(t, err)
	t.Cleanup(aud.Close)

	m := NewManager(Config{}, keys, bus, aud, log)
	t.Cleanup(m.Close)
	return &fixture{manager: m, bus: bus, keys: keys}
}

func TestIssue_ProducesVerifiableCertificate(t *testing.T) {
	f := newFixture(t)

	cert, err := f.manager.Issue("dev-1", "Laptop", 0)
	require.NoError(t, err)

	assert.Equal(t, "dev-1", cert.DeviceID)
	assert.NotEmpty(t, cert.SerialNumber)
	assert.Equal(t, FingerprintHex(cert.PublicKey), cert.Fingerprint)
	assert.True(t, cert.ExpiresAt.After(cert.IssuedAt))

	res := f.manager.Verify(cert)
	assert.True(t, res.Valid, res.Reason)

	// private half must be sealed in the keystore
	priv, err := f.keys.GetSecret("cert:" + cert.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, priv)
}

func TestVerify_TamperedFieldsFail(t *testing.T) {
	f := newFixture(t)

	cert, err := f.manager.Issue("dev-1", "Laptop", 0)
	require.NoError(t, err)

	tampered := *cert
	tampered.DeviceID = "dev-evil"
	res := f.manager.Verify(&tampered)
	assert.False(t, res.Valid)
	assert.Equal(t, "signature mismatch", res.Reason)
}

func TestVerify_RevokedBeatsValidSignature(t *testing.T) {
	f := newFixture(t)

	cert, err := f.manager.Issue("dev-1", "Laptop", 0)
	require.NoError(t, err)
	require.NoError(t, f.manager.Revoke(cert.ID, "compromised", "operator"))

	res := f.manager.Verify(cert)
	assert.False(t, res.Valid)
	assert.Equal(t, "revoked", res.Reason)
	assert.True(t, f.manager.IsRevoked(cert.ID))

	// revoking twice is a no-op, not an error
	assert.NoError(t, f.manager.Revoke(cert.ID, "again", "operator"))
}

func TestVerify_Expired(t *testing.T) {
	f := newFixture(t)

	cert, err := f.manager.Issue("dev-1", "Laptop", 1)
	require.NoError(t, err)

	expired := *cert
	expired.IssuedAt = time.Now().Add(-48 * time.Hour)
	expired.ExpiresAt = time.Now().Add(-24 * time.Hour)
	expired.Signature = selfSignature(&expired)

	res := f.manager.Verify(&expired)
	assert.False(t, res.Valid)
	assert.Equal(t, "expired", res.Reason)
}

func TestVerify_ExpiringSoonEmitsWarning(t *testing.T) {
	f := newFixture(t)

	warnings, cancel := f.bus.Subscribe(events.TypeCertExpiringSoon)
	defer cancel()

	cert, err := f.manager.Issue("dev-1", "Laptop", 7) // inside 14-day window
	require.NoError(t, err)

	res := f.manager.Verify(cert)
	assert.True(t, res.Valid)

	select {
	case ev := <-warnings:
		warned, ok := ev.Payload.(Certificate)
		require.True(t, ok)
		assert.Equal(t, cert.ID, warned.ID)
	case <-time.After(time.Second):
		t.Fatal("expected cert:expiring-soon event")
	}
}

func TestRotate_SupersedesOriginal(t *testing.T) {
	f := newFixture(t)

	original, err := f.manager.Issue("dev-1", "Laptop", 0)
	require.NoError(t, err)

	replacement, err := f.manager.Rotate(original.ID)
	require.NoError(t, err)

	assert.NotEqual(t, original.ID, replacement.ID)
	assert.Equal(t, original.DeviceID, replacement.DeviceID)
	assert.True(t, f.manager.Verify(replacement).Valid)

	res := f.manager.Verify(original)
	assert.False(t, res.Valid)
	assert.Equal(t, "revoked", res.Reason)

	current, err := f.manager.ForDevice("dev-1")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, current.ID)
}

func TestChain_DegenerateSelfSigned(t *testing.T) {
	f := newFixture(t)

	cert, err := f.manager.Issue("dev-1", "Laptop", 0)
	require.NoError(t, err)

	chain, err := f.manager.BuildChain(cert.ID)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	assert.True(t, f.manager.VerifyChain(chain).Valid)
	assert.False(t, f.manager.VerifyChain(nil).Valid)
}

func TestFingerprintHex_Format(t *testing.T) {
	fp := FingerprintHex([]byte("some public key"))
	assert.Len(t, fp, 32*3-1) // 32 hex pairs joined by colons
	assert.Contains(t, fp, ":")
}
