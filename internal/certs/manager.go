// Package certs implements the self-signed device certificate lifecycle:
// issuance, verification, revocation and scheduled rotation.
//
// Certificates here are identity records with a tamper-evidence digest, not
// x509 chains. Chain building/verification is a degenerate placeholder (a
// self-signed leaf acting as its own root) kept for a future CA hierarchy.
package certs

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/cryptox"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/keystore"
	"github.com/syncweave/securecore/internal/logging"
)

// ReasonSuperseded marks certificates revoked because a rotation replaced them.
const ReasonSuperseded = "superseded"

// Certificate is a self-signed device identity certificate.
type Certificate struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"deviceId"`
	PublicKey    []byte    `json:"publicKey"`
	Fingerprint  string    `json:"fingerprint"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Issuer       string    `json:"issuer"`
	Subject      string    `json:"subject"`
	SerialNumber string    `json:"serialNumber"`
	Signature    []byte    `json:"signature"`
	Verified     bool      `json:"verified"`
}

// Revocation is an append-only record that permanently invalidates a
// certificate, irrespective of its signature or validity window.
type Revocation struct {
	CertificateID string    `json:"certificateId"`
	Reason        string    `json:"reason"`
	RevokedBy     string    `json:"revokedBy"`
	RevokedAt     time.Time `json:"revokedAt"`
}

// VerifyResult is the structured outcome of certificate verification.
type VerifyResult struct {
	Valid  bool
	Reason string
}

type Config struct {
	ValidityDays  int           // default 365
	WarningDays   int           // expiry warning window, default 14
	CheckInterval time.Duration // scheduled lifecycle check, default 24h
}

func (c *Config) setDefaults() {
	if c.ValidityDays <= 0 {
		c.ValidityDays = 365
	}
	if c.WarningDays <= 0 {
		c.WarningDays = 14
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
}

// Manager owns certificate state and the scheduled lifecycle check.
type Manager struct {
	cfg  Config
	keys *keystore.Store
	bus  *events.Bus
	aud  *audit.Logger
	log  logging.Logger

	mu          sync.Mutex
	certs       map[string]*Certificate
	revocations map[string]*Revocation

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewManager(cfg Config, keys *keystore.Store, bus *events.Bus, aud *audit.Logger, log logging.Logger) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:         cfg,
		keys:        keys,
		bus:         bus,
		aud:         aud,
		log:         log,
		certs:       make(map[string]*Certificate),
		revocations: make(map[string]*Revocation),
		stop:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.checkLoop()
	return m
}

// Issue creates and signs a certificate for deviceID. A fresh ed25519
// identity pair is generated; the private half is sealed into the keystore
// under the alias "cert:<id>". validityDays of 0 uses the configured default.
func (m *Manager) Issue(deviceID, name string, validityDays int) (*Certificate, error) {
	if validityDays <= 0 {
		validityDays = m.cfg.ValidityDays
	}

	pub, priv, err := cryptox.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cert := &Certificate{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		PublicKey:    pub,
		Fingerprint:  FingerprintHex(pub),
		IssuedAt:     now,
		ExpiresAt:    now.AddDate(0, 0, validityDays),
		Issuer:       "securecore-local",
		Subject:      fmt.Sprintf("device:%s:%s", deviceID, name),
		SerialNumber: hex.EncodeToString(cryptox.RandBytes(8)),
		Verified:     true,
	}
	cert.Signature = selfSignature(cert)

	if _, err := m.keys.StoreKey("cert:"+cert.ID, keystore.KeyTypeSigning, priv, pub); err != nil {
		return nil, fmt.Errorf("store certificate key: %w", err)
	}

	m.mu.Lock()
	m.certs[cert.ID] = cert
	m.mu.Unlock()

	m.bus.Publish(events.TypeCertIssued, *cert)
	m.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "certificate",
		Action:   "issue",
		DeviceID: deviceID,
		Success:  true,
		Details:  map[string]any{"certificateId": cert.ID, "expiresAt": cert.ExpiresAt},
	})
	return cert, nil
}

// Rotate issues a replacement certificate for the same device and revokes
// the original with reason "superseded".
func (m *Manager) Rotate(oldID string) (*Certificate, error) {
	m.mu.Lock()
	old, ok := m.certs[oldID]
	m.mu.Unlock()
	if !ok {
		return nil, common.ErrNotFound
	}

	name := old.Subject
	if parts := strings.SplitN(old.Subject, ":", 3); len(parts) == 3 {
		name = parts[2]
	}

	replacement, err := m.Issue(old.DeviceID, name, 0)
	if err != nil {
		return nil, err
	}
	if err := m.Revoke(oldID, ReasonSuperseded, "system"); err != nil {
		return nil, err
	}

	m.bus.Publish(events.TypeCertRotated, *replacement)
	return replacement, nil
}

// Revoke permanently invalidates a certificate. Revocation wins over every
// later verification outcome, including a re-signed copy of the same fields.
func (m *Manager) Revoke(id, reason, by string) error {
	m.mu.Lock()
	if _, ok := m.certs[id]; !ok {
		m.mu.Unlock()
		return common.ErrNotFound
	}
	if _, already := m.revocations[id]; already {
		m.mu.Unlock()
		return nil
	}
	rev := &Revocation{
		CertificateID: id,
		Reason:        reason,
		RevokedBy:     by,
		RevokedAt:     time.Now().UTC(),
	}
	m.revocations[id] = rev
	deviceID := m.certs[id].DeviceID
	m.mu.Unlock()

	m.bus.Publish(events.TypeCertRevoked, *rev)
	m.aud.Log(audit.Entry{
		Level:    audit.LevelWarning,
		Category: "certificate",
		Action:   "revoke",
		DeviceID: deviceID,
		Success:  true,
		Details:  map[string]any{"certificateId": id, "reason": reason, "revokedBy": by},
	})
	return nil
}

// IsRevoked reports whether id is on the revocation list.
func (m *Manager) IsRevoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revocations[id]
	return ok
}

// Verify checks a certificate: revocation first, then signature and
// fingerprint recomputation, then the validity window. A valid certificate
// inside the expiry warning window emits cert:expiring-soon as a side
// effect without failing verification.
func (m *Manager) Verify(cert *Certificate) VerifyResult {
	if cert == nil {
		return VerifyResult{Valid: false, Reason: "no certificate"}
	}
	if m.IsRevoked(cert.ID) {
		m.auditVerifyFailure(cert, "revoked")
		return VerifyResult{Valid: false, Reason: "revoked"}
	}
	if !bytesEqual(selfSignature(cert), cert.Signature) {
		m.auditVerifyFailure(cert, "signature mismatch")
		return VerifyResult{Valid: false, Reason: "signature mismatch"}
	}
	if FingerprintHex(cert.PublicKey) != cert.Fingerprint {
		m.auditVerifyFailure(cert, "fingerprint mismatch")
		return VerifyResult{Valid: false, Reason: "fingerprint mismatch"}
	}

	now := time.Now()
	if now.After(cert.ExpiresAt) {
		m.auditVerifyFailure(cert, "expired")
		return VerifyResult{Valid: false, Reason: "expired"}
	}
	if cert.ExpiresAt.Sub(now) <= time.Duration(m.cfg.WarningDays)*24*time.Hour {
		m.bus.Publish(events.TypeCertExpiringSoon, *cert)
	}
	return VerifyResult{Valid: true}
}

func (m *Manager) auditVerifyFailure(cert *Certificate, reason string) {
	m.aud.Log(audit.Entry{
		Level:    audit.LevelWarning,
		Category: "certificate",
		Action:   "verify",
		DeviceID: cert.DeviceID,
		Success:  false,
		Details:  map[string]any{"certificateId": cert.ID, "reason": reason},
	})
}

// Get returns a certificate by id.
func (m *Manager) Get(id string) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ForDevice returns the newest non-revoked certificate for a device.
func (m *Manager) ForDevice(deviceID string) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Certificate
	for id, c := range m.certs {
		if c.DeviceID != deviceID {
			continue
		}
		if _, revoked := m.revocations[id]; revoked {
			continue
		}
		if best == nil || c.IssuedAt.After(best.IssuedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, common.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// List returns every known certificate sorted by issue time.
func (m *Manager) List() []Certificate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Certificate, 0, len(m.certs))
	for _, c := range m.certs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// BuildChain returns the trust chain for a certificate. With no CA
// hierarchy the chain is just the self-signed leaf.
func (m *Manager) BuildChain(id string) ([]Certificate, error) {
	c, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return []Certificate{*c}, nil
}

// VerifyChain verifies every link of a chain and the issuer/subject
// continuity between links. Until a real CA hierarchy exists every chain is
// a single self-signed leaf, so this degenerates to Verify on the leaf.
func (m *Manager) VerifyChain(chain []Certificate) VerifyResult {
	if len(chain) == 0 {
		return VerifyResult{Valid: false, Reason: "empty chain"}
	}
	for i := range chain {
		if res := m.Verify(&chain[i]); !res.Valid {
			return VerifyResult{Valid: false, Reason: fmt.Sprintf("link %d: %s", i, res.Reason)}
		}
		if i+1 < len(chain) && chain[i].Issuer != chain[i+1].Subject {
			return VerifyResult{Valid: false, Reason: fmt.Sprintf("link %d: issuer mismatch", i)}
		}
	}
	return VerifyResult{Valid: true}
}

// runLifecycleCheck rotates certificates that already expired and emits
// warnings for those inside the warning window.
func (m *Manager) runLifecycleCheck() {
	now := time.Now()
	warning := time.Duration(m.cfg.WarningDays) * 24 * time.Hour

	m.mu.Lock()
	var expired, expiring []string
	for id, c := range m.certs {
		if _, revoked := m.revocations[id]; revoked {
			continue
		}
		switch {
		case now.After(c.ExpiresAt):
			expired = append(expired, id)
		case c.ExpiresAt.Sub(now) <= warning:
			expiring = append(expiring, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if _, err := m.Rotate(id); err != nil {
			m.log.Error(context.Background(), "scheduled certificate rotation failed", "certificateId", id, "error", err)
		}
	}
	for _, id := range expiring {
		if c, err := m.Get(id); err == nil {
			m.bus.Publish(events.TypeCertExpiringSoon, *c)
		}
	}
}

func (m *Manager) checkLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runLifecycleCheck()
		case <-m.stop:
			return
		}
	}
}

// Close stops the scheduled lifecycle check. Idempotent.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stop)
		m.wg.Wait()
	})
}

// FingerprintHex returns the colon-separated hex SHA-256 fingerprint of a
// public key, e.g. "ab:cd:...".
func FingerprintHex(publicKey []byte) string {
	sum := cryptox.Hash(publicKey)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// selfSignature computes the digest over the certificate's immutable
// canonical fields. Verification recomputes and compares it.
func selfSignature(c *Certificate) []byte {
	canonical := strings.Join([]string{
		c.ID,
		c.DeviceID,
		base64.StdEncoding.EncodeToString(c.PublicKey),
		c.SerialNumber,
		c.Issuer,
		c.Subject,
		c.IssuedAt.UTC().Format(time.RFC3339Nano),
		c.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	return cryptox.Hash([]byte(canonical))
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
