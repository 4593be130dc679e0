// Package session manages per-device end-to-end encrypted sessions:
// ephemeral X25519 key agreement, HKDF-derived session keys, an AEAD wire
// format, and scheduled forward-secrecy rotation.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/cryptox"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/logging"
)

// kdfContext binds derived session keys to this protocol.
const kdfContext = "securecore-e2e-v1"

// wireVersion is the first byte of every encrypted frame.
const wireVersion = 0x01

// Session is one live encrypted channel to a device. The symmetric key is
// unexported and zeroed on termination.
type Session struct {
	ID             string
	DeviceID       string
	LocalPublicKey []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastUsed       time.Time

	key []byte
}

type Config struct {
	TTL              time.Duration // session lifetime, default 1h
	RotationInterval time.Duration // idle time before forced rotation, default 15m
	ForwardSecrecy   bool          // enables the background rotation timer
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = 15 * time.Minute
	}
}

// Manager holds one session slot per device.
type Manager struct {
	cfg Config
	bus *events.Bus
	aud *audit.Logger
	log logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewManager(cfg Config, bus *events.Bus, aud *audit.Logger, log logging.Logger) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		aud:      aud,
		log:      log,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	if cfg.ForwardSecrecy {
		m.wg.Add(1)
		go m.rotationLoop()
	}
	return m
}

// Establish creates a session with a device from its key-agreement public
// key: fresh ephemeral local pair, X25519 shared secret, HKDF session key.
// Any existing session for the device is silently replaced.
func (m *Manager) Establish(deviceID string, remotePublicKey []byte) (*Session, error) {
	priv, err := cryptox.GenerateAgreementKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := cryptox.SharedSecret(priv, remotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("establish session: %w", err)
	}
	key, err := cryptox.DeriveSubKey(secret, kdfContext)
	cryptox.WipeBytes(secret)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		LocalPublicKey: priv.PublicKey().Bytes(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.TTL),
		LastUsed:       now,
		key:            key,
	}

	m.mu.Lock()
	if old, ok := m.sessions[deviceID]; ok {
		cryptox.WipeBytes(old.key)
	}
	m.sessions[deviceID] = s
	m.mu.Unlock()

	m.bus.Publish(events.TypeSessionEstablished, *s)
	m.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "e2e",
		Action:   "establish",
		DeviceID: deviceID,
		Success:  true,
		Details:  map[string]any{"sessionId": s.ID, "expiresAt": s.ExpiresAt},
	})
	return s, nil
}

// active returns the unexpired session for a device, updating LastUsed.
// Caller holds m.mu.
func (m *Manager) activeLocked(deviceID string) (*Session, error) {
	s, ok := m.sessions[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: no session found for device %s", common.ErrSessionNotFound, deviceID)
	}
	if time.Now().After(s.ExpiresAt) {
		return nil, fmt.Errorf("%w: session for device %s", common.ErrExpired, deviceID)
	}
	s.LastUsed = time.Now()
	return s, nil
}

// EncryptForDevice seals plaintext for a device. The wire format is
// [version][iv][tag][ciphertext].
func (m *Manager) EncryptForDevice(deviceID string, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(deviceID)
	if err != nil {
		return nil, err
	}
	return seal(s.key, plaintext)
}

// DecryptFromDevice opens a frame produced by the peer's EncryptForDevice.
func (m *Manager) DecryptFromDevice(deviceID string, frame []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(deviceID)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(s.key, frame)
	if err != nil {
		m.aud.Log(audit.Entry{
			Level:    audit.LevelError,
			Category: "e2e",
			Action:   "decrypt",
			DeviceID: deviceID,
			Success:  false,
			Details:  map[string]any{"reason": err.Error()},
		})
		return nil, err
	}
	return plaintext, nil
}

// RotateKey derives a fresh session key and returns it sealed under the
// outgoing key, so the rotation message itself is authenticated. The
// session expiry is extended by a full TTL.
func (m *Manager) RotateKey(deviceID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(deviceID)
	if err != nil {
		return nil, err
	}

	newKey, err := cryptox.DeriveSubKey(cryptox.RandBytes(cryptox.KeySize), kdfContext)
	if err != nil {
		return nil, err
	}
	frame, err := seal(s.key, newKey)
	if err != nil {
		return nil, err
	}

	cryptox.WipeBytes(s.key)
	s.key = newKey
	s.ExpiresAt = time.Now().Add(m.cfg.TTL)

	m.bus.Publish(events.TypeKeyRotated, s.DeviceID)
	m.aud.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "e2e",
		Action:   "rotate-key",
		DeviceID: deviceID,
		Success:  true,
		Details:  map[string]any{"sessionId": s.ID},
	})
	return frame, nil
}

// ApplyRotatedKey installs a key received via the peer's RotateKey frame.
func (m *Manager) ApplyRotatedKey(deviceID string, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.activeLocked(deviceID)
	if err != nil {
		return err
	}
	newKey, err := open(s.key, frame)
	if err != nil {
		return err
	}
	cryptox.WipeBytes(s.key)
	s.key = newKey
	s.ExpiresAt = time.Now().Add(m.cfg.TTL)
	return nil
}

// Terminate zeroes the session key and drops the session. Terminating a
// device without a session is a no-op.
func (m *Manager) Terminate(deviceID string) {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	if ok {
		cryptox.WipeBytes(s.key)
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()

	if ok {
		m.bus.Publish(events.TypeSessionTerminated, deviceID)
		m.aud.Log(audit.Entry{
			Level:    audit.LevelInfo,
			Category: "e2e",
			Action:   "terminate",
			DeviceID: deviceID,
			Success:  true,
		})
	}
}

// Get returns the session for a device, if any.
func (m *Manager) Get(deviceID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	if !ok {
		return nil, common.ErrSessionNotFound
	}
	return s, nil
}

// rotateIdle rotates every session idle longer than the rotation interval.
func (m *Manager) rotateIdle() {
	m.mu.Lock()
	var due []string
	now := time.Now()
	for id, s := range m.sessions {
		if now.Sub(s.LastUsed) >= m.cfg.RotationInterval {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		if _, err := m.RotateKey(id); err != nil {
			m.log.Warn(context.Background(), "scheduled key rotation failed", "device", id, "error", err)
		}
	}
}

func (m *Manager) rotationLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.rotateIdle()
		case <-m.stop:
			return
		}
	}
}

// Close terminates all sessions and stops the rotation timer. Idempotent.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stop)
		m.wg.Wait()
		m.mu.Lock()
		for id, s := range m.sessions {
			cryptox.WipeBytes(s.key)
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	})
}

func seal(key, plaintext []byte) ([]byte, error) {
	ciphertext, iv, tag, err := cryptox.Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, 1+len(iv)+len(tag)+len(ciphertext))
	frame = append(frame, wireVersion)
	frame = append(frame, iv...)
	frame = append(frame, tag...)
	frame = append(frame, ciphertext...)
	return frame, nil
}

func open(key, frame []byte) ([]byte, error) {
	if len(frame) < 1+cryptox.IVSize+cryptox.TagSize {
		return nil, fmt.Errorf("%w: frame too short", common.ErrInvalidPayload)
	}
	if frame[0] != wireVersion {
		return nil, fmt.Errorf("%w: unsupported frame version %d", common.ErrInvalidPayload, frame[0])
	}
	iv := frame[1 : 1+cryptox.IVSize]
	tag := frame[1+cryptox.IVSize : 1+cryptox.IVSize+cryptox.TagSize]
	ciphertext := frame[1+cryptox.IVSize+cryptox.TagSize:]
	return cryptox.Decrypt(ciphertext, key, iv, tag)
}
