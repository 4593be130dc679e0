package cryptox

import (
	"bytes"
	"testing"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := RandBytes(KeySize)
	plaintext := []byte("cross-device continuity payload")

	ciphertext, iv, tag, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	if len(iv) != IVSize {
		t.Fatalf("expected iv length %d, got %d", IVSize, len(iv))
	}
	if len(tag) != TagSize {
		t.Fatalf("expected tag length %d, got %d", TagSize, len(tag))
	}

	decrypted, err := Decrypt(ciphertext, key, iv, tag)
	if err != nil {
		t.Fatalf("unexpected decrypt error: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, decrypted)
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	key := RandBytes(KeySize)
	ciphertext, iv, tag, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wrongKey := RandBytes(KeySize)
	if _, err := Decrypt(ciphertext, wrongKey, iv, tag); err == nil {
		t.Error("expected error decrypting with wrong key, got nil")
	}
}

func TestDecrypt_TamperedTagFails(t *testing.T) {
	key := RandBytes(KeySize)
	ciphertext, iv, tag, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tag[0] ^= 0xff
	if _, err := Decrypt(ciphertext, key, iv, tag); err == nil {
		t.Error("expected error with tampered tag, got nil")
	}
}

func TestDecrypt_WrongIVFails(t *testing.T) {
	key := RandBytes(KeySize)
	ciphertext, _, tag, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := Decrypt(ciphertext, key, RandBytes(IVSize), tag); err == nil {
		t.Error("expected error with wrong iv, got nil")
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	password := []byte("correct horse battery staple")
	salt := []byte("fixed-salt-16byte")

	key1, _ := DeriveKey(password, salt)
	key2, _ := DeriveKey(password, salt)

	if !bytes.Equal(key1, key2) {
		t.Error("expected same key for same password and salt")
	}
	if len(key1) != KeySize {
		t.Errorf("expected key length %d, got %d", KeySize, len(key1))
	}
}

func TestDeriveKey_GeneratesSalt(t *testing.T) {
	key, salt := DeriveKey([]byte("password"), nil)
	if len(salt) != SaltSize {
		t.Fatalf("expected generated salt length %d, got %d", SaltSize, len(salt))
	}

	again, _ := DeriveKey([]byte("password"), salt)
	if !bytes.Equal(key, again) {
		t.Error("expected key reproducible from returned salt")
	}
}

func TestVerifyHMAC(t *testing.T) {
	key := RandBytes(KeySize)
	data := []byte("audit entry")

	mac := HMAC(data, key)
	if !VerifyHMAC(data, key, mac) {
		t.Error("expected valid hmac to verify")
	}
	if VerifyHMAC([]byte("tampered"), key, mac) {
		t.Error("expected hmac over different data to fail")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data := []byte("pairing payload")
	sig := Sign(priv, data)

	if !Verify(pub, data, sig) {
		t.Error("expected signature to verify")
	}
	if Verify(pub, []byte("other"), sig) {
		t.Error("expected signature over other data to fail")
	}
}

func TestSharedSecret_Symmetric(t *testing.T) {
	a, err := GenerateAgreementKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := GenerateAgreementKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sab, err := SharedSecret(a, b.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sba, err := SharedSecret(b, a.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !bytes.Equal(sab, sba) {
		t.Error("expected both sides to derive the same shared secret")
	}
}

func TestRandDigits(t *testing.T) {
	pin := RandDigits(6)
	if len(pin) != 6 {
		t.Fatalf("expected 6 digits, got %d", len(pin))
	}
	for i, c := range pin {
		if c < '0' || c > '9' {
			t.Errorf("expected digit at %d, got %q", i, c)
		}
	}
}

func TestWipeBytes(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	WipeBytes(buf)
	for i, v := range buf {
		if v != 0 {
			t.Errorf("expected buf[%d]==0, got %d", i, v)
		}
	}
	WipeBytes(nil)
}
