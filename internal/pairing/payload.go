package pairing

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/cryptox"
)

// Payload is the pairing offer carried inside a QR code. Endpoint and
// DeviceName are display/transport hints and deliberately excluded from the
// signature; everything else is tamper-protected.
type Payload struct {
	SessionID  string `json:"sessionId"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	PublicKey  []byte `json:"publicKey"`
	Endpoint   string `json:"endpoint,omitempty"`
	PIN        string `json:"pin"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Signature  string `json:"signature"`
}

// signatureOf digests the tamper-protected payload fields.
func signatureOf(p *Payload) string {
	canonical := strings.Join([]string{
		p.SessionID,
		p.DeviceID,
		base64.StdEncoding.EncodeToString(p.PublicKey),
		p.PIN,
		fmt.Sprintf("%d", p.Timestamp),
	}, "|")
	return hex.EncodeToString(cryptox.Hash([]byte(canonical)))
}

// encodePayload signs p and returns its base64 QR wire form.
func encodePayload(p *Payload) (string, error) {
	p.Signature = signatureOf(p)
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decodePayload parses and validates a scanned QR payload: structural
// completeness, signature recomputation, and freshness against maxAge
// (replay protection). It never mutates pairing state.
func decodePayload(data string, maxAge time.Duration) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", common.ErrInvalidPayload)
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON", common.ErrInvalidPayload)
	}

	if p.SessionID == "" || p.DeviceID == "" || len(p.PublicKey) == 0 || p.PIN == "" || p.Timestamp == 0 {
		return nil, fmt.Errorf("%w: missing fields", common.ErrInvalidPayload)
	}

	if signatureOf(&p) != p.Signature {
		return nil, common.ErrInvalidSignature
	}

	age := time.Since(time.UnixMilli(p.Timestamp))
	if age > maxAge {
		return nil, fmt.Errorf("%w: payload too old", common.ErrExpired)
	}

	return &p, nil
}

// renderQR encodes the base64 payload into a QR PNG.
func renderQR(encoded string, size int) ([]byte, error) {
	png, err := qrcode.Encode(encoded, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
