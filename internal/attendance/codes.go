package attendance

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

const (
	qrTokenBytes = 32
	pinSpace     = 100000
)

// NewQRToken returns an unguessable url-safe token (256 bits).
func NewQRToken() (string, error) {
	buf := make([]byte, qrTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate qr token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewPIN returns a uniformly random zero-padded 5-digit PIN.
func NewPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pinSpace))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%05d", n.Int64()), nil
}

// Codes generates slot proofs. Tests swap it for deterministic values.
type Codes interface {
	QRToken() (string, error)
	PIN() (string, error)
}

type randomCodes struct{}

func (randomCodes) QRToken() (string, error) { return NewQRToken() }
func (randomCodes) PIN() (string, error)     { return NewPIN() }

// RandomCodes is the production code generator.
var RandomCodes Codes = randomCodes{}
