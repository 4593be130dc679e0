// Package cryptox provides the cryptographic primitives used across the
// security core: AEAD encryption, password-based key derivation, hashing,
// HMAC, and asymmetric key pairs for signing and key agreement.
//
// All random material (keys, IVs, salts, PINs) comes from crypto/rand.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/syncweave/securecore/internal/common"
)

const (
	// KeySize is the symmetric key size in bytes (AES-256).
	KeySize = 32
	// IVSize is the AEAD IV size in bytes.
	IVSize = 16
	// TagSize is the GCM authentication tag size in bytes.
	TagSize = 16
	// SaltSize is the KDF salt size in bytes.
	SaltSize = 16
)

// Encrypt encrypts plaintext with AES-256-GCM under key, using a fresh
// random 16-byte IV. The ciphertext, IV and authentication tag are returned
// separately so callers control the wire layout.
func Encrypt(plaintext, key []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new cipher: %w", err)
	}

	aesgcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new gcm: %w", err)
	}

	iv = RandBytes(IVSize)

	sealed := aesgcm.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-TagSize]
	tag = sealed[len(sealed)-TagSize:]

	return ciphertext, iv, tag, nil
}

// Decrypt reverses Encrypt. On tag mismatch it fails closed with
// common.ErrDecryptFailed and never returns partial plaintext.
func Decrypt(ciphertext, key, iv, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	aesgcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aesgcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, common.ErrDecryptFailed
	}

	return plaintext, nil
}

// DeriveKey derives a 32-byte key from a password with argon2id. If salt is
// nil a fresh random salt is generated and returned alongside the key so the
// caller can persist it.
func DeriveKey(password, salt []byte) (key, usedSalt []byte) {
	if salt == nil {
		salt = RandBytes(SaltSize)
	}
	key = argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
	return key, salt
}

// DeriveSubKey expands secret into a 32-byte key bound to the given context
// string via HKDF-SHA256.
func DeriveSubKey(secret []byte, context string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// HMAC computes HMAC-SHA256 of data under key.
func HMAC(data, key []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// VerifyHMAC reports whether mac is a valid HMAC-SHA256 of data under key,
// using a constant-time comparison.
func VerifyHMAC(data, key, mac []byte) bool {
	return hmac.Equal(HMAC(data, key), mac)
}

// GenerateSigningKeyPair returns a fresh ed25519 key pair.
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ed25519 generate: %w", err)
	}
	return pub, priv, nil
}

// Sign signs data with an ed25519 private key.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify reports whether sig is a valid ed25519 signature of data.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// GenerateAgreementKeyPair returns a fresh X25519 key pair for
// Diffie–Hellman key agreement.
func GenerateAgreementKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("x25519 generate: %w", err)
	}
	return priv, nil
}

// SharedSecret computes the X25519 shared secret between a local private key
// and a peer's public key bytes.
func SharedSecret(priv *ecdh.PrivateKey, peerPublic []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}
	return secret, nil
}

// RandBytes returns n cryptographically random bytes. It panics if the
// system RNG fails, which is not recoverable.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(fmt.Sprintf("cryptox: rng failure: %v", err))
	}
	return b
}

// RandDigits returns a uniformly random numeric string of length n,
// suitable for pairing PINs.
func RandDigits(n int) string {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			panic(fmt.Sprintf("cryptox: rng failure: %v", err))
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits)
}

// WipeBytes overwrites the contents of b with zeros. Useful for removing
// key material from memory after use. Nil-safe.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
