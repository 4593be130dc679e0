// Package pairing implements the QR/PIN device pairing state machine that
// turns a discovered device into a trusted, paired peer.
//
// State flow:
//
//	idle → initiated → pending_verification → verifying → paired
//
// with terminal failed/cancelled reachable from any non-terminal state.
package pairing

import (
	"crypto/ecdh"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/cryptox"
	"github.com/syncweave/securecore/internal/device"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/logging"
)

// State is a pairing session state.
type State string

const (
	StateIdle                State = "idle"
	StateInitiated           State = "initiated"
	StatePendingVerification State = "pending_verification"
	StateVerifying           State = "verifying"
	StatePaired              State = "paired"
	StateFailed              State = "failed"
	StateCancelled           State = "cancelled"
)

// Session is one in-flight pairing attempt.
type Session struct {
	ID           string
	LocalDevice  device.Device
	RemoteDevice *device.Device
	State        State
	PIN          string
	QRPayload    string // base64-encoded signed payload
	QRPNG        []byte
	SharedSecret []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Attempts     int

	priv      *ecdh.PrivateKey
	remotePub []byte
}

type Config struct {
	PINLength     int           // default 6
	MaxAttempts   int           // default 3
	SessionTTL    time.Duration // default 5m
	GraceDelay    time.Duration // completed-session retention, default 5s
	SweepInterval time.Duration // expiry sweep period, default 60s
	QRSize        int           // QR PNG edge in pixels, default 256
}

func (c *Config) setDefaults() {
	if c.PINLength <= 0 {
		c.PINLength = 6
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 5 * time.Minute
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.QRSize <= 0 {
		c.QRSize = 256
	}
}

// Manager drives pairing sessions and owns the paired-device registry entry
// transitions.
type Manager struct {
	cfg      Config
	registry *device.Registry
	bus      *events.Bus
	aud      *audit.Logger
	log      logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewManager(cfg Config, registry *device.Registry, bus *events.Bus, aud *audit.Logger, log logging.Logger) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		aud:      aud,
		log:      log,
		sessions: make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Initiate starts a new pairing session for the local device: any stale
// session for the same device is purged, a PIN and ephemeral key pair are
// generated, and the signed payload is rendered as a QR image.
func (m *Manager) Initiate(local device.Device, endpoint string) (*Session, error) {
	priv, err := cryptox.GenerateAgreementKeyPair()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:          uuid.NewString(),
		LocalDevice: local,
		State:       StateInitiated,
		PIN:         cryptox.RandDigits(m.cfg.PINLength),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.SessionTTL),
		priv:        priv,
	}

	payload := &Payload{
		SessionID:  s.ID,
		DeviceID:   local.ID,
		DeviceName: local.Name,
		PublicKey:  priv.PublicKey().Bytes(),
		Endpoint:   endpoint,
		PIN:        s.PIN,
		Timestamp:  now.UnixMilli(),
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	s.QRPayload = encoded
	if s.QRPNG, err = renderQR(encoded, m.cfg.QRSize); err != nil {
		return nil, err
	}

	m.mu.Lock()
	for id, old := range m.sessions {
		if old.LocalDevice.ID == local.ID {
			m.removeLocked(id)
		}
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.bus.Publish(events.TypePairingInitiated, s.ID)
	m.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "pairing",
		Action:   "initiate",
		DeviceID: local.ID,
		Success:  true,
		Details:  map[string]any{"sessionId": s.ID},
	})
	return s, nil
}

// ScanQR decodes and validates a scanned QR payload without touching any
// session state. Payloads older than the session TTL are rejected even when
// the signature checks out.
func (m *Manager) ScanQR(data string) (*Payload, error) {
	p, err := decodePayload(data, m.cfg.SessionTTL)
	if err != nil {
		m.aud.Log(audit.Entry{
			Level:    audit.LevelWarning,
			Category: "pairing",
			Action:   "scan",
			Success:  false,
			Details:  map[string]any{"reason": err.Error()},
		})
		return nil, err
	}
	return p, nil
}

// Join enters a pairing session from a scanned payload. On the responding
// device this creates the session; on the initiating device it reuses the
// existing one. Either way the remote device stub is recorded and the
// session moves to pending_verification.
func (m *Manager) Join(p *Payload, local device.Device) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[p.SessionID]
	if !ok {
		priv, err := cryptox.GenerateAgreementKeyPair()
		if err != nil {
			return nil, err
		}
		now := time.Now()
		s = &Session{
			ID:          p.SessionID,
			LocalDevice: local,
			PIN:         p.PIN,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.cfg.SessionTTL),
			priv:        priv,
		}
		m.sessions[s.ID] = s
	}

	if s.State != StateIdle && s.State != StateInitiated && s.State != StatePendingVerification {
		return nil, fmt.Errorf("%w: cannot join from %s", common.ErrInvalidState, s.State)
	}

	s.RemoteDevice = &device.Device{
		ID:        p.DeviceID,
		Name:      p.DeviceName,
		PublicKey: p.PublicKey,
	}
	s.remotePub = p.PublicKey
	s.State = StatePendingVerification
	return s, nil
}

// ResponsePayload builds the signed return payload a joining device sends
// back to the initiator, carrying its own public key under the same session
// id and PIN. The initiator feeds it to Join to record the remote end.
func (m *Manager) ResponsePayload(sessionID string) (*Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, common.ErrSessionNotFound
	}

	p := &Payload{
		SessionID:  s.ID,
		DeviceID:   s.LocalDevice.ID,
		DeviceName: s.LocalDevice.Name,
		PublicKey:  s.priv.PublicKey().Bytes(),
		PIN:        s.PIN,
		Timestamp:  time.Now().UnixMilli(),
	}
	p.Signature = signatureOf(p)
	return p, nil
}

// VerifyPIN checks the user-entered PIN for a session in
// pending_verification. Every call counts as an attempt. A wrong PIN with
// attempts remaining returns (false, nil); exhausting MaxAttempts fails the
// session, deletes it and returns common.ErrMaxAttempts. A correct PIN
// derives the shared secret and advances the session to verifying.
func (m *Manager) VerifyPIN(sessionID, pin string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, common.ErrSessionNotFound
	}
	if s.State != StatePendingVerification {
		return false, fmt.Errorf("%w: verify from %s", common.ErrInvalidState, s.State)
	}
	if time.Now().After(s.ExpiresAt) {
		s.State = StateFailed
		m.removeLocked(sessionID)
		m.auditPINFailure(s, "session expired")
		return false, fmt.Errorf("%w: pairing session expired", common.ErrExpired)
	}

	s.Attempts++
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.PIN)) != 1 {
		if s.Attempts >= m.cfg.MaxAttempts {
			s.State = StateFailed
			m.removeLocked(sessionID)
			m.auditPINFailure(s, "maximum attempts exceeded")
			m.bus.Publish(events.TypePairingFailed, sessionID)
			return false, common.ErrMaxAttempts
		}
		m.auditPINFailure(s, "pin mismatch")
		return false, nil
	}

	secret, err := cryptox.SharedSecret(s.priv, s.remotePub)
	if err != nil {
		s.State = StateFailed
		m.removeLocked(sessionID)
		return false, fmt.Errorf("derive shared secret: %w", err)
	}
	s.SharedSecret = secret
	s.State = StateVerifying
	return true, nil
}

func (m *Manager) auditPINFailure(s *Session, reason string) {
	m.aud.Log(audit.Entry{
		Level:    audit.LevelWarning,
		Category: "pairing",
		Action:   "verify-pin",
		DeviceID: s.LocalDevice.ID,
		Success:  false,
		Details:  map[string]any{"sessionId": s.ID, "reason": reason, "attempts": s.Attempts},
	})
}

// Complete finalizes a verified session: the remote device is stored as
// paired and trusted, the session reaches its terminal paired state, and
// deletion is deferred by a grace delay so late duplicate calls still see a
// valid terminal state.
func (m *Manager) Complete(sessionID string) (device.Device, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return device.Device{}, common.ErrSessionNotFound
	}
	if s.State == StatePaired {
		remote := *s.RemoteDevice
		m.mu.Unlock()
		return remote, nil
	}
	if s.State != StateVerifying {
		m.mu.Unlock()
		return device.Device{}, fmt.Errorf("%w: complete from %s", common.ErrInvalidState, s.State)
	}

	s.State = StatePaired
	remote := *s.RemoteDevice
	m.timers[sessionID] = time.AfterFunc(m.cfg.GraceDelay, func() {
		m.mu.Lock()
		m.removeLocked(sessionID)
		m.mu.Unlock()
	})
	m.mu.Unlock()

	m.registry.Upsert(remote)
	paired, err := m.registry.MarkPaired(remote.ID)
	if err != nil {
		return device.Device{}, err
	}

	m.bus.Publish(events.TypePairingCompleted, paired)
	m.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "pairing",
		Action:   "complete",
		DeviceID: paired.ID,
		Success:  true,
		Details:  map[string]any{"sessionId": sessionID},
	})
	return paired, nil
}

// Cancel aborts a session from any state and removes it immediately.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return common.ErrSessionNotFound
	}
	s.State = StateCancelled
	m.removeLocked(sessionID)
	m.mu.Unlock()

	m.bus.Publish(events.TypePairingCancelled, sessionID)
	m.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "pairing",
		Action:   "cancel",
		DeviceID: s.LocalDevice.ID,
		Success:  true,
		Details:  map[string]any{"sessionId": sessionID},
	})
	return nil
}

// Unpair drops trust for a previously paired device. The device record is
// kept, flagged unpaired and untrusted.
func (m *Manager) Unpair(deviceID string) error {
	d, err := m.registry.Unpair(deviceID)
	if err != nil {
		return err
	}
	m.bus.Publish(events.TypeDeviceUnpaired, d)
	m.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "pairing",
		Action:   "unpair",
		DeviceID: deviceID,
		Success:  true,
	})
	return nil
}

// Session returns a session by id.
func (m *Manager) Session(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, common.ErrSessionNotFound
	}
	return s, nil
}

// PairedDevices returns the registry's currently paired devices.
func (m *Manager) PairedDevices() []device.Device {
	return m.registry.Paired()
}

// removeLocked drops a session and wipes its secret material. Caller holds m.mu.
func (m *Manager) removeLocked(sessionID string) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	cryptox.WipeBytes(s.SharedSecret)
	delete(m.sessions, sessionID)
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
}

// sweep forces any expired, non-paired session to failed and removes it.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var failed []string
	for id, s := range m.sessions {
		if s.State != StatePaired && now.After(s.ExpiresAt) {
			s.State = StateFailed
			m.removeLocked(id)
			failed = append(failed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range failed {
		m.bus.Publish(events.TypePairingFailed, id)
		m.aud.Log(audit.Entry{
			Level:    audit.LevelWarning,
			Category: "pairing",
			Action:   "timeout",
			Success:  false,
			Details:  map[string]any{"sessionId": id},
		})
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// Close stops the sweep and all pending grace-delete timers. Idempotent.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stop)
		m.wg.Wait()
		m.mu.Lock()
		for id := range m.sessions {
			m.removeLocked(id)
		}
		m.mu.Unlock()
	})
}
