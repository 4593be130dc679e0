// Package keystore persists key material encrypted at rest in a single JSON
// file. Secret halves are sealed under an argon2id-derived master key;
// public halves and metadata are stored in the clear. The backing file is
// owner read/write only.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/cryptox"
	"github.com/syncweave/securecore/internal/filex"
	"github.com/syncweave/securecore/internal/logging"
)

// KeyType classifies stored key material.
type KeyType string

const (
	KeyTypeSigning   KeyType = "signing"
	KeyTypeAgreement KeyType = "agreement"
	KeyTypeSymmetric KeyType = "symmetric"
)

var ErrWrongPassword = errors.New("wrong master password")

// StoredKey is one keystore record. Ciphertext/IV/Tag hold the encrypted
// secret half; PublicKey is clear metadata.
type StoredKey struct {
	ID         string    `json:"id"`
	Alias      string    `json:"alias,omitempty"`
	Type       KeyType   `json:"type"`
	PublicKey  []byte    `json:"publicKey,omitempty"`
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
	Tag        []byte    `json:"tag"`
	CreatedAt  time.Time `json:"createdAt"`
	RotatedAt  time.Time `json:"rotatedAt,omitempty"`
}

// entryPair marshals as the on-disk [id, StoredKey] tuple.
type entryPair struct {
	ID  string
	Key *StoredKey
}

func (p entryPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Key})
}

func (p *entryPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	p.Key = &StoredKey{}
	return json.Unmarshal(raw[1], p.Key)
}

type storeFile struct {
	Version  int         `json:"version"`
	Salt     []byte      `json:"salt"`
	Verifier []byte      `json:"verifier"`
	Keys     []entryPair `json:"keys"`
}

// Store is the encrypted key store. All accessors fail with
// common.ErrNotInitialized until Initialize succeeds.
type Store struct {
	path string
	log  logging.Logger

	mu        sync.Mutex
	masterKey []byte
	salt      []byte
	keys      map[string]*StoredKey
	order     []string // insertion order, preserved on save
}

func New(path string, log logging.Logger) *Store {
	return &Store{path: path, log: log}
}

// Initialize derives the master key from masterPassword and loads the
// existing store, or creates a fresh one when no file exists.
func (s *Store) Initialize(masterPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read keystore: %w", err)
		}
		key, salt := cryptox.DeriveKey([]byte(masterPassword), nil)
		s.masterKey = key
		s.salt = salt
		s.keys = make(map[string]*StoredKey)
		s.order = nil
		return s.save()
	}

	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse keystore: %w", err)
	}

	key, _ := cryptox.DeriveKey([]byte(masterPassword), sf.Salt)
	if !cryptox.VerifyHMAC([]byte("keystore-verifier"), key, sf.Verifier) {
		return ErrWrongPassword
	}

	s.masterKey = key
	s.salt = sf.Salt
	s.keys = make(map[string]*StoredKey, len(sf.Keys))
	s.order = s.order[:0]
	for _, p := range sf.Keys {
		s.keys[p.ID] = p.Key
		s.order = append(s.order, p.ID)
	}
	return nil
}

func (s *Store) initialized() bool {
	return s.masterKey != nil
}

// StoreKey seals secret under the master key and persists it. The public
// half may be nil for symmetric keys.
func (s *Store) StoreKey(alias string, typ KeyType, secret, public []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized() {
		return "", common.ErrNotInitialized
	}

	ciphertext, iv, tag, err := cryptox.Encrypt(secret, s.masterKey)
	if err != nil {
		return "", fmt.Errorf("seal key: %w", err)
	}

	id := uuid.NewString()
	s.keys[id] = &StoredKey{
		ID:         id,
		Alias:      alias,
		Type:       typ,
		PublicKey:  public,
		Ciphertext: ciphertext,
		IV:         iv,
		Tag:        tag,
		CreatedAt:  time.Now().UTC(),
	}
	s.order = append(s.order, id)

	if err := s.save(); err != nil {
		delete(s.keys, id)
		s.order = s.order[:len(s.order)-1]
		return "", err
	}
	return id, nil
}

// lookup finds a record by id first, then by alias via linear scan.
func (s *Store) lookup(idOrAlias string) (*StoredKey, error) {
	if k, ok := s.keys[idOrAlias]; ok {
		return k, nil
	}
	for _, id := range s.order {
		if s.keys[id].Alias == idOrAlias {
			return s.keys[id], nil
		}
	}
	return nil, common.ErrNotFound
}

// GetSecret decrypts and returns the secret half of a key. The caller owns
// the returned slice and should wipe it after use.
func (s *Store) GetSecret(idOrAlias string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized() {
		return nil, common.ErrNotInitialized
	}
	k, err := s.lookup(idOrAlias)
	if err != nil {
		return nil, err
	}
	return cryptox.Decrypt(k.Ciphertext, s.masterKey, k.IV, k.Tag)
}

// GetPublic returns the clear public half of a key.
func (s *Store) GetPublic(idOrAlias string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized() {
		return nil, common.ErrNotInitialized
	}
	k, err := s.lookup(idOrAlias)
	if err != nil {
		return nil, err
	}
	return k.PublicKey, nil
}

// List returns metadata for every stored key in insertion order. Secret
// halves stay sealed.
func (s *Store) List() ([]StoredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized() {
		return nil, common.ErrNotInitialized
	}
	out := make([]StoredKey, 0, len(s.order))
	for _, id := range s.order {
		k := *s.keys[id]
		k.Ciphertext, k.IV, k.Tag = nil, nil, nil
		out = append(out, k)
	}
	return out, nil
}

// Delete removes a key by id or alias.
func (s *Store) Delete(idOrAlias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized() {
		return common.ErrNotInitialized
	}
	k, err := s.lookup(idOrAlias)
	if err != nil {
		return err
	}
	delete(s.keys, k.ID)
	for i, id := range s.order {
		if id == k.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.save()
}

// RotateMasterKey re-encrypts every stored secret under a key derived from
// newPassword. The rewrite is atomic: either the new file replaces the old
// one in a single rename, or the prior state stays on disk untouched.
func (s *Store) RotateMasterKey(newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized() {
		return common.ErrNotInitialized
	}

	newKey, newSalt := cryptox.DeriveKey([]byte(newPassword), nil)
	now := time.Now().UTC()

	rotated := make(map[string]*StoredKey, len(s.keys))
	for _, id := range s.order {
		old := s.keys[id]
		secret, err := cryptox.Decrypt(old.Ciphertext, s.masterKey, old.IV, old.Tag)
		if err != nil {
			return fmt.Errorf("unseal %s during rotation: %w", id, err)
		}
		ciphertext, iv, tag, err := cryptox.Encrypt(secret, newKey)
		cryptox.WipeBytes(secret)
		if err != nil {
			return fmt.Errorf("reseal %s during rotation: %w", id, err)
		}
		nk := *old
		nk.Ciphertext, nk.IV, nk.Tag = ciphertext, iv, tag
		nk.RotatedAt = now
		rotated[id] = &nk
	}

	prevKey, prevSalt, prevKeys := s.masterKey, s.salt, s.keys
	s.masterKey, s.salt, s.keys = newKey, newSalt, rotated
	if err := s.save(); err != nil {
		s.masterKey, s.salt, s.keys = prevKey, prevSalt, prevKeys
		return err
	}
	cryptox.WipeBytes(prevKey)

	s.log.Info(context.Background(), "master key rotated", "keys", len(rotated))
	return nil
}

func (s *Store) save() error {
	sf := storeFile{
		Version:  1,
		Salt:     s.salt,
		Verifier: cryptox.HMAC([]byte("keystore-verifier"), s.masterKey),
		Keys:     make([]entryPair, 0, len(s.order)),
	}
	for _, id := range s.order {
		sf.Keys = append(sf.Keys, entryPair{ID: id, Key: s.keys[id]})
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}

	if err := filex.EnsureDir(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return filex.WriteFileAtomic(s.path, data, 0o600)
}

// Close wipes the in-memory master key. Idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cryptox.WipeBytes(s.masterKey)
	s.masterKey = nil
}
